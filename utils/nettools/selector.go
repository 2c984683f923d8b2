package nettools

import (
	"time"
)

// Watcher is anything that owns a file descriptor the reactor should poll,
// a connection socket or a resolver socket. FD and Interests are asked again
// on every Select, so a watcher may swap sockets or change interest freely.
type Watcher interface {
	FD() int
	Interests() Interest
	Call(ready Interest)
}

type owner struct {
	w        Watcher
	interest Interest
}

// Selector multiplexes readiness of registered watchers over one of the
// supported polling backends.
type Selector struct {
	backend  backend
	mode     Mode
	watchers []Watcher
	closed   bool

	targets []target
	owners  [][]owner
	byFD    map[int]int
}

// NewSelector creates a Selector with the first supported mode among modes,
// or among epoll, poll and select when none is given.
func NewSelector(modes ...Mode) (*Selector, error) {
	b, mode, err := newBackend(modes...)
	if err != nil {
		return nil, err
	}
	return &Selector{backend: b, mode: mode, byFD: map[int]int{}}, nil
}

func (s *Selector) Mode() Mode { return s.mode }

func (s *Selector) Len() int { return len(s.watchers) }

func (s *Selector) Empty() bool { return len(s.watchers) == 0 }

func (s *Selector) Registered(w Watcher) bool {
	for _, r := range s.watchers {
		if r == w {
			return true
		}
	}
	return false
}

// Register adds w. Registering a watcher twice is a no-op.
func (s *Selector) Register(w Watcher) {
	if !s.Registered(w) {
		s.watchers = append(s.watchers, w)
	}
}

func (s *Selector) Deregister(w Watcher) {
	for i, r := range s.watchers {
		if r == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

// Select waits up to timeout (forever when negative) for any registered
// watcher to become ready and calls fn once per ready watcher. A Select with
// nothing to poll never blocks indefinitely: it sleeps for a non-negative
// timeout and returns immediately otherwise.
func (s *Selector) Select(timeout time.Duration, fn func(Watcher, Interest)) error {
	s.build()
	if len(s.targets) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}
	n, err := s.backend.wait(s.targets, timeout)
	if err != nil || n == 0 {
		return err
	}
	for i := range s.targets {
		ready := s.targets[i].ready
		if ready == 0 {
			continue
		}
		for _, o := range s.owners[i] {
			// an earlier callback may have deregistered this watcher
			if r := ready & o.interest; r != 0 && s.Registered(o.w) {
				fn(o.w, r)
			}
		}
	}
	return nil
}

func (s *Selector) build() {
	s.targets = s.targets[:0]
	for i := range s.owners {
		s.owners[i] = s.owners[i][:0]
	}
	s.owners = s.owners[:0]
	for k := range s.byFD {
		delete(s.byFD, k)
	}
	for _, w := range s.watchers {
		fd, interest := w.FD(), w.Interests()
		if fd < 0 || interest == 0 {
			continue
		}
		if i, ok := s.byFD[fd]; ok {
			s.targets[i].interest |= interest
			s.owners[i] = append(s.owners[i], owner{w, interest})
			continue
		}
		s.byFD[fd] = len(s.targets)
		s.targets = append(s.targets, target{fd: fd, interest: interest})
		s.owners = append(s.owners, []owner{{w, interest}})
	}
}

// Close releases the backend. Closing twice is a no-op.
func (s *Selector) Close() error {
	s.watchers = nil
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.close()
}
