// Package options holds what configures a pool and the connections it
// builds. Connections are only ever shared between requests whose options are
// compatible.
package options

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"reflect"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-httpcore/internal/events"
	"github.com/frankli0324/go-httpcore/internal/resolver"
	"github.com/frankli0324/go-httpcore/internal/transport"
)

// EnvResolver names the resolver used when none is configured.
const EnvResolver = "HTTPX_RESOLVER"

const (
	DefaultResolver         = "native"
	DefaultFallbackProtocol = "http/1.1"

	DefaultConnectTimeout   = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultOperationTimeout = 60 * time.Second
)

// CoalescePolicy decides when a connection may serve another origin.
type CoalescePolicy string

const (
	// CoalesceAddress merges connections to the same IP, port and scheme.
	CoalesceAddress CoalescePolicy = "address"
	// CoalesceCertificate additionally requires the peer certificate of a TLS
	// connection to be valid for the other hostname.
	CoalesceCertificate CoalescePolicy = "certificate"
	CoalesceNone        CoalescePolicy = "none"
)

// IO supplies sockets opened elsewhere. A connection using one skips
// resolution and connecting, and never closes the socket itself.
type IO struct {
	Conn   net.Conn
	ByAddr map[string]net.Conn // keyed by "ip" or "ip:port"
}

// Lookup returns the socket supplied for addr:port, if any.
func (o *IO) Lookup(addr netip.Addr, port uint16) net.Conn {
	if o == nil {
		return nil
	}
	if o.Conn != nil {
		return o.Conn
	}
	if c, ok := o.ByAddr[netip.AddrPortFrom(addr, port).String()]; ok {
		return c
	}
	return o.ByAddr[addr.String()]
}

// For is Lookup for a hostname, which only ByAddr entries for IP literals
// can match.
func (o *IO) For(host string, port uint16) net.Conn {
	if o == nil {
		return nil
	}
	if o.Conn != nil {
		return o.Conn
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	return o.Lookup(addr.Unmap(), port)
}

type Timeouts struct {
	Connect   time.Duration
	Handshake time.Duration // TLS and tunnel handshakes
	Operation time.Duration // waiting for a response once connected
}

type Proxy struct {
	URI      string
	Username string
	Password string
}

func (p *Proxy) Clone() *Proxy {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func (p *Proxy) URL() (*url.URL, error) {
	u, err := url.Parse(p.URI)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("options: unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("options: proxy uri has no host")
	}
	return u, nil
}

// Credentials are Username and Password, or the userinfo of URI when
// Username is empty.
func (p *Proxy) Credentials() (username, password string) {
	username, password = p.Username, p.Password
	if username == "" {
		if u, err := url.Parse(p.URI); err == nil && u.User != nil {
			username = u.User.Username()
			password, _ = u.User.Password()
		}
	}
	return
}

// Recorder receives what the pool measures, see pool.Metrics.
type Recorder interface {
	events.Observer
	Coalesced()
}

type Options struct {
	Resolver        string // registered resolver name
	ResolverOptions resolver.Config

	TLSConfig        *tls.Config
	ALPNProtocols    []string // defaults to the registered parser protocols
	FallbackProtocol string   // when ALPN selects nothing, and for plain text

	IO       *IO
	Timeouts Timeouts
	Proxy    *Proxy

	MaxConcurrentRequests int
	Coalesce              CoalescePolicy

	Logger  logrus.FieldLogger
	Clock   clock.Clock
	Metrics Recorder
}

// NewLogger is the logger used when none is configured.
func NewLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

func Default() *Options {
	name := os.Getenv(EnvResolver)
	if name == "" {
		name = DefaultResolver
	}
	return &Options{
		Resolver:         name,
		FallbackProtocol: DefaultFallbackProtocol,
		Timeouts: Timeouts{
			Connect:   DefaultConnectTimeout,
			Handshake: DefaultHandshakeTimeout,
			Operation: DefaultOperationTimeout,
		},
		MaxConcurrentRequests: 1,
		Coalesce:              CoalesceAddress,
		Logger:                NewLogger(),
		Clock:                 clock.New(),
	}
}

func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	// the tls.Config is shared, it must not be modified once in use
	c := *o
	c.ALPNProtocols = append([]string(nil), o.ALPNProtocols...)
	c.Proxy = o.Proxy.Clone()
	c.ResolverOptions.Nameservers = append([]string(nil), o.ResolverOptions.Nameservers...)
	c.ResolverOptions.Timeouts = append([]time.Duration(nil), o.ResolverOptions.Timeouts...)
	return &c
}

// Merge returns a copy of o with every field set in other taking precedence.
func (o *Options) Merge(other *Options) *Options {
	c := o.Clone()
	if other == nil {
		return c
	}
	if other.Resolver != "" {
		c.Resolver = other.Resolver
	}
	if !reflect.ValueOf(other.ResolverOptions).IsZero() {
		c.ResolverOptions = other.ResolverOptions
	}
	if other.TLSConfig != nil {
		c.TLSConfig = other.TLSConfig
	}
	if len(other.ALPNProtocols) > 0 {
		c.ALPNProtocols = append([]string(nil), other.ALPNProtocols...)
	}
	if other.FallbackProtocol != "" {
		c.FallbackProtocol = other.FallbackProtocol
	}
	if other.IO != nil {
		c.IO = other.IO
	}
	if other.Timeouts.Connect != 0 {
		c.Timeouts.Connect = other.Timeouts.Connect
	}
	if other.Timeouts.Handshake != 0 {
		c.Timeouts.Handshake = other.Timeouts.Handshake
	}
	if other.Timeouts.Operation != 0 {
		c.Timeouts.Operation = other.Timeouts.Operation
	}
	if other.Proxy != nil {
		c.Proxy = other.Proxy.Clone()
	}
	if other.MaxConcurrentRequests != 0 {
		c.MaxConcurrentRequests = other.MaxConcurrentRequests
	}
	if other.Coalesce != "" {
		c.Coalesce = other.Coalesce
	}
	if other.Logger != nil {
		c.Logger = other.Logger
	}
	if other.Clock != nil {
		c.Clock = other.Clock
	}
	if other.Metrics != nil {
		c.Metrics = other.Metrics
	}
	return c
}

func (o *Options) Validate() error {
	if !resolver.Registered(o.Resolver) {
		return fmt.Errorf("options: unknown resolver %q, registered are %v", o.Resolver, resolver.Names())
	}
	switch o.Coalesce {
	case "", CoalesceAddress, CoalesceCertificate, CoalesceNone:
	default:
		return fmt.Errorf("options: unknown coalesce policy %q", o.Coalesce)
	}
	if o.FallbackProtocol != "" && !transport.Registered(o.FallbackProtocol) {
		return fmt.Errorf("options: no parser for fallback protocol %q", o.FallbackProtocol)
	}
	if o.MaxConcurrentRequests < 0 {
		return errors.New("options: negative max concurrent requests")
	}
	if o.Timeouts.Connect < 0 || o.Timeouts.Handshake < 0 || o.Timeouts.Operation < 0 {
		return errors.New("options: negative timeout")
	}
	if o.IO != nil && o.IO.Conn != nil && len(o.IO.ByAddr) > 0 {
		return errors.New("options: io takes either a single socket or sockets by address")
	}
	if o.Proxy != nil {
		if _, err := o.Proxy.URL(); err != nil {
			return err
		}
	}
	return nil
}

// ALPN is the protocol list offered during TLS handshakes.
func (o *Options) ALPN() []string {
	if len(o.ALPNProtocols) > 0 {
		return o.ALPNProtocols
	}
	return transport.Protocols()
}

func (o *Options) Fallback() string {
	if o.FallbackProtocol == "" {
		return DefaultFallbackProtocol
	}
	return o.FallbackProtocol
}

func (o *Options) Log() logrus.FieldLogger {
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
	return o.Logger
}

func (o *Options) Policy() CoalescePolicy {
	if o.Coalesce == "" {
		return CoalesceAddress
	}
	return o.Coalesce
}

// Compatible reports whether a connection built with o may carry requests
// made with other: everything that shapes the socket must agree.
func (o *Options) Compatible(other *Options) bool {
	if o == other {
		return true
	}
	if o == nil || other == nil {
		return false
	}
	return o.Resolver == other.Resolver &&
		o.TLSConfig == other.TLSConfig &&
		equalStrings(o.ALPN(), other.ALPN()) &&
		o.Fallback() == other.Fallback() &&
		o.IO == other.IO &&
		reflect.DeepEqual(o.Proxy, other.Proxy) &&
		o.MaxConcurrentRequests == other.MaxConcurrentRequests
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
