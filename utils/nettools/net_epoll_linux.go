//go:build linux

package nettools

import (
	"time"

	"golang.org/x/sys/unix"
)

var _ = func() error { // make sure this executes before any NewSelector
	supported[ModeEpoll] = newEpoll
	return nil
}()

// epollBackend keeps its interest list in sync with the targets of every
// wait, so watchers may change fds or interests between two waits.
type epollBackend struct {
	epfd       int
	registered map[int]registration
	index      map[int]int
	events     []unix.EpollEvent
}

// registration remembers what an fd number referred to when it was added.
// A closed fd silently leaves the epoll set, and the next socket or pipe
// often gets the same number back.
type registration struct {
	events uint32
	dev    uint64
	ino    uint64
}

func identify(fd int) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, 0, err
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}

func newEpoll() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{
		epfd:       epfd,
		registered: map[int]registration{},
		index:      map[int]int{},
		events:     make([]unix.EpollEvent, 64),
	}, nil
}

func epollEvents(i Interest) uint32 {
	var ev uint32
	if i.Readable() {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i.Writable() {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (e *epollBackend) sync(ts []target) error {
	for k := range e.index {
		delete(e.index, k)
	}
	for i, t := range ts {
		e.index[t.fd] = i
		dev, ino, err := identify(t.fd)
		if err != nil {
			return err
		}
		want := registration{events: epollEvents(t.interest), dev: dev, ino: ino}
		have, ok := e.registered[t.fd]
		if ok && have == want {
			continue
		}
		ev := unix.EpollEvent{Events: want.events, Fd: int32(t.fd)}
		op := unix.EPOLL_CTL_ADD
		if ok && have.dev == dev && have.ino == ino {
			op = unix.EPOLL_CTL_MOD
		}
		err = unix.EpollCtl(e.epfd, op, t.fd, &ev)
		if err == unix.ENOENT && op == unix.EPOLL_CTL_MOD {
			err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, t.fd, &ev)
		} else if err == unix.EEXIST && op == unix.EPOLL_CTL_ADD {
			err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, t.fd, &ev)
		}
		if err != nil {
			return err
		}
		e.registered[t.fd] = want
	}
	for fd := range e.registered {
		if _, ok := e.index[fd]; !ok {
			// closed fds are already gone from the epoll set, errors are expected
			_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(e.registered, fd)
		}
	}
	return nil
}

func (e *epollBackend) wait(ts []target, timeout time.Duration) (int, error) {
	if err := e.sync(ts); err != nil {
		return 0, err
	}
	if len(e.events) < len(ts) {
		e.events = make([]unix.EpollEvent, len(ts))
	}
	n, err := unix.EpollWait(e.epfd, e.events, millis(timeout))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ready := 0
	for _, ev := range e.events[:n] {
		i, ok := e.index[int(ev.Fd)]
		if !ok {
			continue
		}
		t := &ts[i]
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 && t.interest.Readable() {
			t.ready |= Readable
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 && t.interest.Writable() {
			t.ready |= Writable
		}
		if t.ready != 0 {
			ready++
		}
	}
	return ready, nil
}

func (e *epollBackend) close() error {
	return unix.Close(e.epfd)
}
