package resolver

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/frankli0324/go-httpcore/utils/nettools"
	"github.com/frankli0324/go-httpcore/utils/timers"
)

// outcome is what a lookup goroutine hands back to the reactor.
type outcome struct {
	hostname string
	seq      uint64
	family   Family
	records  []Record     // cached when present
	addrs    []netip.Addr // used as is otherwise
	err      error
}

type lookup struct {
	seq      uint64
	targets  []Target
	timer    *timers.Timer
	deadline time.Time
}

// async runs blocking lookups on goroutines. Completions are queued under mu
// and signalled through a non-blocking pipe, whose read end is what the
// reactor polls, so results are only ever handled on the reactor goroutine.
type async struct {
	base

	rfd, wfd int
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	done     []outcome
	shutdown bool

	pending map[string]*lookup
	seq     uint64
	owner   Resolver
}

func newAsync(cfg Config, deps Deps, name string) (*async, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &async{
		base:    newBase(cfg, deps, name),
		rfd:     fds[0],
		wfd:     fds[1],
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]*lookup{},
	}, nil
}

func (a *async) FD() int { return a.rfd }

func (a *async) Interests() nettools.Interest {
	if len(a.pending) == 0 {
		return 0
	}
	return nettools.Readable
}

func (a *async) Empty() bool { return len(a.pending) == 0 }

// start resolves t with fn, unless a lookup of the same hostname is already
// running, in which case t just waits for that one.
func (a *async) start(t Target, fn func(ctx context.Context, hostname string) outcome) {
	if a.closed {
		a.emitError(t, ErrClosed)
		return
	}
	if a.early(t) {
		return
	}
	hostname := t.Hostname()
	if lk, ok := a.pending[hostname]; ok {
		lk.targets = append(lk.targets, t)
		return
	}
	total := a.cfg.total()
	a.seq++
	seq := a.seq
	lk := &lookup{seq: seq, targets: []Target{t}, deadline: a.deps.Timers.Now().Add(total)}
	lk.timer = a.deps.Timers.After(total, func() {
		if a.pending[hostname] == lk {
			a.fail(hostname, ErrTimeout)
		}
	})
	a.pending[hostname] = lk

	ctx, cancel := context.WithTimeout(a.ctx, total)
	go func() {
		defer cancel()
		o := fn(ctx, hostname)
		o.hostname, o.seq = hostname, seq
		a.deliver(o)
	}()
}

func (a *async) deliver(o outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return
	}
	a.done = append(a.done, o)
	// a full pipe already guarantees a wakeup
	_, _ = unix.Write(a.wfd, []byte{1})
}

func (a *async) Call(ready nettools.Interest) {
	if !ready.Readable() {
		return
	}
	var buf [64]byte
	for {
		if n, err := unix.Read(a.rfd, buf[:]); n <= 0 || err != nil {
			break
		}
	}
	a.mu.Lock()
	done := a.done
	a.done = nil
	a.mu.Unlock()

	for _, o := range done {
		lk := a.pending[o.hostname]
		if lk == nil || lk.seq != o.seq {
			continue // timed out meanwhile, maybe asked again since
		}
		if o.err != nil {
			a.fail(o.hostname, o.err)
			continue
		}
		addrs := o.addrs
		if len(o.records) > 0 {
			a.deps.Cache.Set(o.hostname, o.family, o.records)
			addrs = dedupe(addresses(o.records))
		}
		a.finish(o.hostname)
		for _, t := range lk.targets {
			if len(addrs) == 0 {
				a.emitError(t, ErrNoAddress)
			} else {
				a.emitAddresses(t, addrs)
			}
		}
	}
}

func (a *async) finish(hostname string) *lookup {
	lk := a.pending[hostname]
	if lk != nil {
		lk.timer.Cancel()
		delete(a.pending, hostname)
	}
	return lk
}

func (a *async) fail(hostname string, err error) {
	lk := a.finish(hostname)
	if lk == nil {
		return
	}
	for _, t := range lk.targets {
		a.emitError(t, err)
	}
}

func (a *async) Timeout() (time.Duration, bool) {
	var (
		soonest time.Duration
		ok      bool
	)
	now := a.deps.Timers.Now()
	for _, lk := range a.pending {
		if d := lk.deadline.Sub(now); !ok || d < soonest {
			soonest, ok = d, true
		}
	}
	return soonest, ok
}

func (a *async) HandleError(err error) {
	for hostname := range a.pending {
		a.fail(hostname, err)
	}
}

func (a *async) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.cancel()
	a.HandleError(ErrClosed)

	a.mu.Lock()
	a.shutdown = true
	a.done = nil
	a.mu.Unlock()

	err := unix.Close(a.rfd)
	if werr := unix.Close(a.wfd); err == nil {
		err = werr
	}
	a.emitClose(a.owner)
	return err
}
