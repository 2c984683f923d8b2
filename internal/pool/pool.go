// Package pool is the reactor: it owns the selector, the timers, the
// resolvers and every connection, and moves all of them forward from Tick.
//
// A Pool is driven by a single goroutine. Nothing in it blocks but the wait
// for readiness in Tick.
package pool

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/frankli0324/go-httpcore/internal/connection"
	"github.com/frankli0324/go-httpcore/internal/events"
	"github.com/frankli0324/go-httpcore/internal/options"
	"github.com/frankli0324/go-httpcore/internal/resolver"
	"github.com/frankli0324/go-httpcore/utils/nettools"
	"github.com/frankli0324/go-httpcore/utils/timers"
)

type Pool struct {
	opts     *options.Options
	log      logrus.FieldLogger
	selector *nettools.Selector
	timers   *timers.Group
	cache    *resolver.Cache
	hosts    *resolver.Hosts

	resolvers map[string]resolver.Resolver
	conns     []*connection.Connection
	// connections waiting for the one they may coalesce with to open
	deferred map[*connection.Connection][]*connection.Connection
	retried  map[*connection.Connection]bool
	opened   int
}

// New builds a pool whose connections default to opts.
func New(opts *options.Options) (*Pool, error) {
	if opts == nil {
		opts = options.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	sel, err := nettools.NewSelector()
	if err != nil {
		return nil, err
	}
	g := timers.NewGroup(opts.Clock)
	log := opts.Log()
	log.WithField("mode", sel.Mode().String()).Debug("pool: selector ready")
	return &Pool{
		opts:      opts,
		log:       log,
		selector:  sel,
		timers:    g,
		cache:     resolver.NewCache(opts.ResolverOptions.CacheSize, g.Clock()),
		hosts:     resolver.NewHosts(opts.ResolverOptions.HostsFile),
		resolvers: map[string]resolver.Resolver{},
		deferred:  map[*connection.Connection][]*connection.Connection{},
		retried:   map[*connection.Connection]bool{},
	}, nil
}

func (p *Pool) Timers() *timers.Group { return p.timers }

func (p *Pool) Cache() *resolver.Cache { return p.cache }

func (p *Pool) Empty() bool { return len(p.conns) == 0 }

func (p *Pool) Len() int { return len(p.conns) }

// Opened counts connections that reached the open state.
func (p *Pool) Opened() int { return p.opened }

// Connections returns the live connections, oldest first.
func (p *Pool) Connections() []*connection.Connection {
	return append([]*connection.Connection(nil), p.conns...)
}

// Tick runs one round of the reactor: wait for readiness no longer than the
// soonest deadline, dispatch, then fire due timers. It returns right away
// when a deadline already passed, or when nothing at all is awaited.
func (p *Pool) Tick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.reset()
			panic(r)
		}
	}()

	wait, ok := p.timers.WaitInterval()
	if d, dok := p.timeout(); dok && (!ok || d < wait) {
		wait, ok = d, true
	}
	if ok && wait < 0 {
		p.timers.Fire()
		return nil
	}
	if !ok {
		wait = -1
	}
	if err := p.selector.Select(wait, p.dispatch); err != nil {
		p.log.WithError(err).Error("pool: select failed")
		p.reset()
		return err
	}
	p.timers.Fire()
	return nil
}

// timeout is the soonest resolver deadline, or when no resolver is busy,
// the soonest connection deadline.
func (p *Pool) timeout() (time.Duration, bool) {
	var soonest time.Duration
	found := false
	consider := func(d time.Duration, ok bool) {
		if ok && (!found || d < soonest) {
			soonest, found = d, true
		}
	}
	for _, r := range p.resolvers {
		if !r.Closed() {
			consider(r.Timeout())
		}
	}
	if found {
		return soonest, true
	}
	for _, c := range p.conns {
		consider(c.Timeout())
	}
	return soonest, found
}

// dispatch confines a panic to the watcher that raised it.
func (p *Pool) dispatch(w nettools.Watcher, ready nettools.Interest) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("pool: panic in %T: %v", w, r)
			p.log.WithError(err).Error("pool: watcher panicked")
			switch w := w.(type) {
			case *connection.Connection:
				w.HandleError(err)
			case resolver.Resolver:
				w.HandleError(err)
			}
		}
	}()
	w.Call(ready)
}

func (p *Pool) reset() {
	for _, c := range p.Connections() {
		c.Reset()
	}
}

func (p *Pool) options(opts *options.Options) (*options.Options, error) {
	if opts == nil {
		return p.opts, nil
	}
	o := p.opts.Merge(opts)
	return o, o.Validate()
}

// FindConnection returns a live connection able to carry a request for u.
func (p *Pool) FindConnection(u *url.URL, opts *options.Options) *connection.Connection {
	if opts == nil {
		opts = p.opts
	}
	for _, c := range p.conns {
		if c.Match(u, opts) {
			return c
		}
	}
	return nil
}

// Connection finds a connection for u, or builds and starts a new one.
func (p *Pool) Connection(u *url.URL, opts *options.Options) (*connection.Connection, error) {
	o, err := p.options(opts)
	if err != nil {
		return nil, err
	}
	if c := p.FindConnection(u, o); c != nil {
		return c, nil
	}
	c, err := connection.New(u, o)
	if err != nil {
		return nil, err
	}
	p.InitConnection(c)
	return c, nil
}

// InitConnection adopts c and gets it going: resolution, coalescing, then
// connecting.
func (p *Pool) InitConnection(c *connection.Connection) {
	c.SetTimers(p.timers)
	p.conns = append(p.conns, c)

	c.On(events.Open, events.ObserverFunc(func(events.Event) { p.onOpen(c) }))
	c.On(events.Unreachable, events.ObserverFunc(func(e events.Event) { p.onUnreachable(c, e.Err) }))
	c.On(events.Close, events.ObserverFunc(func(events.Event) { p.remove(c) }))
	if m := c.Options().Metrics; m != nil {
		opened := false
		c.Subscribe(events.ObserverFunc(func(e events.Event) {
			switch e.Kind {
			case events.Open:
				opened = true
			case events.Close:
				if !opened {
					return
				}
			}
			m.Observe(e)
		}))
	}
	p.resolve(c)
}

func (p *Pool) has(c *connection.Connection) bool {
	for _, x := range p.conns {
		if x == c {
			return true
		}
	}
	return false
}

func (p *Pool) remove(c *connection.Connection) {
	p.selector.Deregister(c)
	for i, x := range p.conns {
		if x == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	delete(p.retried, c)
	waiting := p.deferred[c]
	delete(p.deferred, c)
	for _, w := range waiting {
		if p.has(w) && w.State() == connection.Idle {
			p.place(w)
		}
	}
}

func (p *Pool) resolve(c *connection.Connection) {
	if c.External() || len(c.Addresses()) > 0 {
		p.place(c)
		return
	}
	r, err := p.resolver(c.Options())
	if err != nil {
		c.HandleError(err)
		return
	}
	r.Enqueue(c)
}

// resolver returns the live instance of the strategy opts names, creating
// it on first use.
func (p *Pool) resolver(opts *options.Options) (resolver.Resolver, error) {
	name := strings.ToLower(opts.Resolver)
	if r, ok := p.resolvers[name]; ok && !r.Closed() {
		return r, nil
	}
	r, err := resolver.New(name, opts.ResolverOptions, resolver.Deps{
		Cache:  p.cache,
		Hosts:  p.hosts,
		Timers: p.timers,
		Logger: p.log,
	})
	if err != nil {
		return nil, err
	}
	r.SetHandler(p)
	p.resolvers[name] = r
	p.selector.Register(r)
	return r, nil
}

func (p *Pool) OnResolve(t resolver.Target, addrs []netip.Addr) {
	c, ok := t.(*connection.Connection)
	if !ok || !p.has(c) || c.State() != connection.Idle {
		return
	}
	c.SetAddresses(addrs)
	p.place(c)
}

func (p *Pool) OnResolveError(t resolver.Target, err error) {
	c, ok := t.(*connection.Connection)
	if !ok || !p.has(c) {
		return
	}
	c.HandleError(err)
}

func (p *Pool) OnResolverClose(r resolver.Resolver) {
	p.selector.Deregister(r)
	for name, x := range p.resolvers {
		if x == r {
			delete(p.resolvers, name)
		}
	}
	if !r.Closed() {
		r.Close()
	}
}

// place coalesces c into a connection already open or opening toward one
// of its addresses, or starts it.
func (p *Pool) place(c *connection.Connection) {
	for _, other := range p.conns {
		if s := other.State(); s != connection.Connecting && s != connection.Open {
			continue
		}
		if !other.Mergeable(c) {
			continue
		}
		if other.State() == connection.Open {
			if other.Coalescable(c) {
				p.merge(other, c)
				return
			}
			continue
		}
		p.deferred[other] = append(p.deferred[other], c)
		return
	}
	p.start(c)
}

func (p *Pool) start(c *connection.Connection) {
	p.selector.Register(c)
	c.Connect()
}

func (p *Pool) merge(survivor, c *connection.Connection) {
	survivor.Merge(c)
	p.remove(c)
	if m := c.Options().Metrics; m != nil {
		m.Coalesced()
	}
}

func (p *Pool) onOpen(c *connection.Connection) {
	p.opened++
	waiting := p.deferred[c]
	delete(p.deferred, c)
	for _, w := range waiting {
		if !p.has(w) || w.State() != connection.Idle {
			continue
		}
		if c.Coalescable(w) {
			p.merge(c, w)
		} else {
			p.start(w)
		}
	}
}

// onUnreachable gives c one more chance with fresh addresses.
func (p *Pool) onUnreachable(c *connection.Connection, err error) {
	if p.retried[c] {
		c.HandleError(err)
		return
	}
	p.retried[c] = true
	p.cache.Uncache(c.Hostname())
	p.log.WithField("host", c.Hostname()).Debug("pool: resolving again")
	p.resolve(c)
}

// Close shuts down every connection without requests in flight and waits for
// them to go. Once no connection is left the resolvers and the selector are
// closed too, and the pool is done.
func (p *Pool) Close() error {
	p.timers.Cancel()
	var err error
	var targets []*connection.Connection
	for _, c := range p.Connections() {
		if c.Inflight() {
			continue
		}
		targets = append(targets, c)
		err = multierr.Append(err, c.Close())
	}
	for p.anyOf(targets) {
		if terr := p.Tick(); terr != nil {
			return multierr.Append(err, terr)
		}
	}
	if !p.Empty() {
		return err
	}
	for name, r := range p.resolvers {
		p.selector.Deregister(r)
		delete(p.resolvers, name)
		if !r.Closed() {
			err = multierr.Append(err, r.Close())
		}
	}
	return multierr.Append(err, p.selector.Close())
}

func (p *Pool) anyOf(conns []*connection.Connection) bool {
	for _, c := range conns {
		if p.has(c) {
			return true
		}
	}
	return false
}
