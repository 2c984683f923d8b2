// Package resolver turns hostnames into address lists for the reactor.
//
// Every strategy first tries what can be answered without I/O: an IP literal,
// the TTL cache, the hosts file. Only then does it go to the network, and it
// does so without ever blocking the reactor: results come back through the
// strategy's own file descriptor, polled like any connection.
package resolver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-httpcore/utils/nettools"
	"github.com/frankli0324/go-httpcore/utils/timers"
)

var (
	ErrTimeout   = errors.New("resolver: timed out")
	ErrNoAddress = errors.New("resolver: no address found")
	ErrClosed    = errors.New("resolver: closed")
)

// ResolveError tells the caller resolution, not connecting, is what failed.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// ParseFamily accepts the network names of [net.Resolver.LookupIP]: "ip",
// "ip4", "ip6", empty meaning "ip".
func ParseFamily(s string) (Family, error) {
	switch s {
	case "", "ip":
		return FamilyAny, nil
	case "ip4":
		return FamilyIPv4, nil
	case "ip6":
		return FamilyIPv6, nil
	}
	return FamilyAny, fmt.Errorf("resolver: unknown address family %q", s)
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	}
	return "ip"
}

func (f Family) qtypes() []uint16 {
	switch f {
	case FamilyIPv4:
		return []uint16{dns.TypeA}
	case FamilyIPv6:
		return []uint16{dns.TypeAAAA}
	}
	return []uint16{dns.TypeA, dns.TypeAAAA}
}

func familyOf(qtype uint16) Family {
	if qtype == dns.TypeAAAA {
		return FamilyIPv6
	}
	return FamilyIPv4
}

// Config is the user facing part of a resolver configuration.
type Config struct {
	Nameservers []string // host or host:port, defaults to /etc/resolv.conf
	DoHURI      string   // DNS-over-HTTPS endpoint
	Family      Family
	CacheSize   int
	HostsFile   string
	Timeouts    []time.Duration // one entry per attempt against a nameserver
	TLSConfig   *tls.Config     // used by the https strategy
}

var (
	defaultTimeouts = []time.Duration{2 * time.Second, 3 * time.Second}
	defaultDoHURI   = "https://1.1.1.1/dns-query"
)

func (c Config) timeouts() []time.Duration {
	if len(c.Timeouts) == 0 {
		return defaultTimeouts
	}
	return c.Timeouts
}

// total is the whole budget of a resolution: every attempt added up.
func (c Config) total() time.Duration {
	var d time.Duration
	for _, t := range c.timeouts() {
		d += t
	}
	return d
}

// Deps are the runtime collaborators a resolver is built with. They belong to
// the reactor that owns the resolver.
type Deps struct {
	Cache  *Cache
	Hosts  *Hosts
	Timers *timers.Group
	Logger logrus.FieldLogger
}

func (d *Deps) normalize() {
	if d.Timers == nil {
		d.Timers = timers.NewGroup(nil)
	}
	if d.Cache == nil {
		d.Cache = NewCache(0, d.Timers.Clock())
	}
	if d.Hosts == nil {
		d.Hosts = NewHosts("")
	}
	if d.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.WarnLevel)
		d.Logger = l
	}
}

// Target is what needs resolving, usually a connection.
type Target interface {
	Hostname() string
}

// Handler receives the outcome of resolutions, on the reactor goroutine.
type Handler interface {
	OnResolve(t Target, addrs []netip.Addr)
	OnResolveError(t Target, err error)
	OnResolverClose(r Resolver)
}

// Resolver is one resolution strategy. It is a [nettools.Watcher]: strategies
// doing network I/O expose a descriptor for the reactor to poll.
type Resolver interface {
	nettools.Watcher

	// Enqueue starts resolving t. Answers available without I/O are
	// delivered to the handler before Enqueue returns.
	Enqueue(t Target)
	// Empty reports whether no resolution is outstanding.
	Empty() bool
	Closed() bool
	Close() error
	// Timeout is the time until the soonest outstanding query expires.
	Timeout() (time.Duration, bool)
	// HandleError fails every outstanding resolution with err.
	HandleError(err error)
	// Uncache forgets what is known about hostname.
	Uncache(hostname string)
	SetHandler(h Handler)
}

type Factory func(cfg Config, deps Deps) (Resolver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a strategy selectable by name. Registering a name twice
// replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strings.ToLower(name)]
	return ok
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func New(name string, cfg Config, deps Deps) (Resolver, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolver: unknown resolver %q", name)
	}
	deps.normalize()
	return f(cfg, deps)
}

func init() {
	Register("system", NewSystem)
	Register("native", NewNative)
	Register("https", NewHTTPS)
}

// NoLookup resolves hostname without any network I/O: an IP literal is used
// as is, then the cache is consulted, then the hosts file.
func NoLookup(cache *Cache, hosts *Hosts, hostname string) []netip.Addr {
	if addr, err := netip.ParseAddr(strings.Trim(hostname, "[]")); err == nil {
		return []netip.Addr{addr.Unmap()}
	}
	if cache != nil {
		if addrs := cache.Lookup(hostname); len(addrs) > 0 {
			return addrs
		}
	}
	return hosts.Lookup(hostname)
}

// base carries what every strategy shares.
type base struct {
	cfg     Config
	deps    Deps
	handler Handler
	log     logrus.FieldLogger
	closed  bool
}

func newBase(cfg Config, deps Deps, name string) base {
	return base{cfg: cfg, deps: deps, log: deps.Logger.WithField("resolver", name)}
}

func (b *base) SetHandler(h Handler) { b.handler = h }

func (b *base) Closed() bool { return b.closed }

func (b *base) Uncache(hostname string) { b.deps.Cache.Uncache(hostname) }

// early delivers what NoLookup knows. It reports whether t was handled.
func (b *base) early(t Target) bool {
	addrs := NoLookup(b.deps.Cache, b.deps.Hosts, t.Hostname())
	if len(addrs) == 0 {
		return false
	}
	b.emitAddresses(t, addrs)
	return true
}

func (b *base) emitAddresses(t Target, addrs []netip.Addr) {
	addrs = filterFamily(addrs, b.cfg.Family)
	if len(addrs) == 0 {
		b.emitError(t, ErrNoAddress)
		return
	}
	b.log.WithFields(logrus.Fields{"host": t.Hostname(), "addrs": addrs}).Debug("resolved")
	if b.handler != nil {
		b.handler.OnResolve(t, addrs)
	}
}

func (b *base) emitError(t Target, err error) {
	var re *ResolveError
	if !errors.As(err, &re) {
		err = &ResolveError{Host: t.Hostname(), Err: err}
	}
	b.log.WithField("host", t.Hostname()).WithError(err).Debug("resolution failed")
	if b.handler != nil {
		b.handler.OnResolveError(t, err)
	}
}

func (b *base) emitClose(r Resolver) {
	if b.handler != nil {
		b.handler.OnResolverClose(r)
	}
}

func filterFamily(addrs []netip.Addr, f Family) []netip.Addr {
	if f == FamilyAny {
		return addrs
	}
	out := addrs[:0:0]
	for _, a := range addrs {
		if (f == FamilyIPv4) == a.Unmap().Is4() {
			out = append(out, a)
		}
	}
	return out
}
