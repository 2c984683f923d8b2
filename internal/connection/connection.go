// Package connection ties a channel to a wire parser for one origin. It is
// driven by the pool: polled as a watcher, timed by the pool's timer group,
// and observed through events.
package connection

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-httpcore/internal/channel"
	"github.com/frankli0324/go-httpcore/internal/events"
	"github.com/frankli0324/go-httpcore/internal/http"
	"github.com/frankli0324/go-httpcore/internal/options"
	"github.com/frankli0324/go-httpcore/internal/transport"
	"github.com/frankli0324/go-httpcore/internal/tunnel"
	"github.com/frankli0324/go-httpcore/utils/nettools"
	"github.com/frankli0324/go-httpcore/utils/timers"
)

type State int

const (
	Idle State = iota // waiting for addresses
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrClosed  = errors.New("connection: closed")
	ErrReset   = errors.New("connection: reset")
	ErrNotOpen = errors.New("connection: not open")
	ErrNoPing  = errors.New("connection: protocol has no ping")
)

const readBufferSize = 16 << 10

type Connection struct {
	origin  http.Origin
	aliases []http.Origin // origins merged into this one
	opts    *options.Options
	log     logrus.FieldLogger

	proxy    *url.URL
	addrs    []netip.Addr
	ch       channel.Channel
	external bool

	state  State
	queue  []*http.PreparedRequest // sent before the parser exists
	parser transport.Parser
	wbuf   bytes.Buffer
	out    []byte
	rbuf   []byte

	timers   *timers.Group
	timer    *timers.Timer
	phase    string
	deadline time.Time

	emitter events.Emitter
}

// New builds an idle connection to the origin of u. Nothing touches the
// network before SetAddresses and Connect, unless opts supplies a socket.
func New(u *url.URL, opts *options.Options) (*Connection, error) {
	origin, err := http.OriginOf(u)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = options.Default()
	}
	c := &Connection{
		origin: origin,
		opts:   opts,
		log:    opts.Log().WithField("origin", origin.String()),
	}
	if opts.Proxy != nil {
		if c.proxy, err = opts.Proxy.URL(); err != nil {
			return nil, err
		}
	}
	if opts.IO.For(c.Hostname(), c.port()) != nil {
		c.external = true
	}
	return c, nil
}

func (c *Connection) Origin() http.Origin { return c.origin }

// Hostname is the name resolved to reach the origin: the proxy's when
// tunnelling.
func (c *Connection) Hostname() string {
	if c.proxy != nil {
		return c.proxy.Hostname()
	}
	return c.origin.Host
}

func (c *Connection) port() uint16 {
	if c.proxy != nil {
		if p, err := http.OriginOf(c.proxy); err == nil {
			return p.Port
		}
	}
	return c.origin.Port
}

func (c *Connection) Addresses() []netip.Addr { return c.addrs }

// SetAddresses hands the connection what its hostname resolved to. A socket
// supplied for one of the addresses is used instead of connecting.
func (c *Connection) SetAddresses(addrs []netip.Addr) {
	c.addrs = addrs
	for _, a := range addrs {
		if c.opts.IO.Lookup(a, c.port()) != nil {
			c.external = true
			break
		}
	}
}

// External reports whether the connection runs over a supplied socket, which
// needs no resolution.
func (c *Connection) External() bool { return c.external }

func (c *Connection) State() State { return c.state }

func (c *Connection) Options() *options.Options { return c.opts }

// Protocol is the negotiated protocol, empty until open.
func (c *Connection) Protocol() string {
	if c.parser == nil {
		return ""
	}
	return c.parser.Protocol()
}

// SetTimers arms timeouts on g from now on.
func (c *Connection) SetTimers(g *timers.Group) { c.timers = g }

func (c *Connection) Subscribe(obs events.Observer) events.Subscription {
	return c.emitter.Subscribe(obs)
}

func (c *Connection) On(k events.Kind, obs events.Observer) events.Subscription {
	return c.emitter.On(k, obs)
}

func (c *Connection) Once(k events.Kind, obs events.Observer) events.Subscription {
	return c.emitter.Once(k, obs)
}

func (c *Connection) emit(ev events.Event) { c.emitter.Emit(ev) }

// Send queues req. Requests reach the wire in the order they are sent.
func (c *Connection) Send(req *http.PreparedRequest) {
	switch c.state {
	case Closed:
		c.respondError(req, ErrClosed)
	case Open:
		c.parser.Send(req)
		c.write()
	default:
		c.queue = append(c.queue, req)
	}
}

// Ping sends a ping over the negotiated protocol. The answer comes as a
// Pong event.
func (c *Connection) Ping() error {
	if c.state != Open {
		return ErrNotOpen
	}
	p, ok := c.parser.(transport.Pinger)
	if !ok {
		return ErrNoPing
	}
	if err := p.Ping(); err != nil {
		return err
	}
	c.write()
	return nil
}

// Match reports whether a request for u made with opts may use c.
func (c *Connection) Match(u *url.URL, opts *options.Options) bool {
	if c.state == Closed {
		return false
	}
	origin, err := http.OriginOf(u)
	if err != nil || !c.serves(origin) {
		return false
	}
	return c.opts.Compatible(opts)
}

func (c *Connection) serves(o http.Origin) bool {
	if c.origin == o {
		return true
	}
	for _, a := range c.aliases {
		if a == o {
			return true
		}
	}
	return false
}

// Mergeable reports whether other, not open yet, could be carried by c:
// same scheme and port, compatible options, and an address in common.
func (c *Connection) Mergeable(other *Connection) bool {
	if c == other || c.state == Closed || other.state == Open || other.state == Closed {
		return false
	}
	if c.opts.Policy() == options.CoalesceNone || other.opts.Policy() == options.CoalesceNone {
		return false
	}
	// a tunnel only ever reaches the one target it was negotiated for
	if c.proxy != nil || other.proxy != nil || c.external || other.external {
		return false
	}
	if c.origin.Scheme != other.origin.Scheme || c.origin.Port != other.origin.Port {
		return false
	}
	if !c.opts.Compatible(other.opts) {
		return false
	}
	return intersects(c.candidates(), other.addrs)
}

// candidates are the addresses c may end up connected to.
func (c *Connection) candidates() []netip.Addr {
	if c.state == Open && c.ch != nil {
		if ap := c.ch.RemoteAddr(); ap.IsValid() {
			return []netip.Addr{ap.Addr()}
		}
	}
	return c.addrs
}

func intersects(a, b []netip.Addr) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Coalescable reports whether other may be merged into c right now. Under
// the certificate policy the certificate c is talking to must also be valid
// for other's hostname.
func (c *Connection) Coalescable(other *Connection) bool {
	if c.state != Open || !c.Mergeable(other) {
		return false
	}
	if c.opts.Policy() != options.CoalesceCertificate || !c.origin.Secure() {
		return true
	}
	tc, ok := c.ch.(channel.TLSChannel)
	if !ok {
		return false
	}
	certs := tc.ConnectionState().PeerCertificates
	return len(certs) > 0 && certs[0].VerifyHostname(other.origin.Host) == nil
}

// Merge moves every request queued on other to c, in order, and discards
// other. other never opens a socket.
func (c *Connection) Merge(other *Connection) {
	c.log.WithField("merged", other.origin.String()).Debug("coalescing")
	if !c.serves(other.origin) {
		c.aliases = append(c.aliases, other.origin)
	}
	queued := other.queue
	other.queue = nil
	other.cancelTimer()
	other.state = Closed
	for _, req := range queued {
		c.Send(req)
	}
}

// Inflight reports whether requests were written and await responses.
func (c *Connection) Inflight() bool {
	return c.parser != nil && c.parser.Inflight() > 0
}

// Pending returns every request without a response yet, in send order.
func (c *Connection) Pending() []*http.PreparedRequest {
	var out []*http.PreparedRequest
	if c.parser != nil {
		out = append(out, c.parser.Pending()...)
	}
	return append(out, c.queue...)
}

// Timeout is what is left of the current phase's budget.
func (c *Connection) Timeout() (time.Duration, bool) {
	if c.deadline.IsZero() {
		return 0, false
	}
	return c.deadline.Sub(c.now()), true
}

func (c *Connection) now() time.Time {
	if c.timers != nil {
		return c.timers.Now()
	}
	if c.opts.Clock != nil {
		return c.opts.Clock.Now()
	}
	return time.Now()
}

func (c *Connection) FD() int {
	if c.ch == nil {
		return -1
	}
	return c.ch.FD()
}

func (c *Connection) Interests() nettools.Interest {
	switch c.state {
	case Connecting:
		return c.ch.Interests()
	case Open:
		i := c.ch.Interests() | nettools.Readable
		if len(c.out) > 0 {
			i |= nettools.Writable
		}
		return i
	}
	return 0
}

// Connect starts establishing the channel. The connection must have
// addresses, or a supplied socket.
func (c *Connection) Connect() {
	if c.state != Idle {
		return
	}
	if c.ch == nil {
		ch, err := c.build()
		if err != nil {
			c.fail(err)
			return
		}
		c.ch = ch
	}
	c.state = Connecting
	c.arm("connect", c.opts.Timeouts.Connect)
	c.connect()
}

func (c *Connection) build() (channel.Channel, error) {
	fallback := c.opts.Fallback()
	if conn := c.supplied(); conn != nil {
		if tc, ok := conn.(*tls.Conn); ok {
			return channel.FromTLSConn(tc, fallback, c.log)
		}
		ch, err := channel.FromConn(conn, fallback, c.log)
		if err != nil || !c.origin.Secure() {
			return ch, err
		}
		return c.secure(ch), nil
	}
	if len(c.addrs) == 0 {
		return nil, channel.ErrNoAddress
	}
	var ch channel.Channel = channel.NewTCP(c.addrs, c.port(), fallback, c.log)
	if c.proxy != nil {
		user, pass := c.opts.Proxy.Credentials()
		ch = tunnel.NewSocks5(ch, c.origin.Host, c.origin.Port, user, pass, c.log)
	}
	if c.origin.Secure() {
		ch = c.secure(ch)
	}
	return ch, nil
}

func (c *Connection) secure(inner channel.Channel) channel.Channel {
	return channel.NewTLS(inner, c.origin.Host, c.opts.TLSConfig, c.opts.ALPN(), c.opts.Fallback(), c.log)
}

func (c *Connection) supplied() net.Conn {
	if conn := c.opts.IO.For(c.Hostname(), c.port()); conn != nil {
		return conn
	}
	for _, a := range c.addrs {
		if conn := c.opts.IO.Lookup(a, c.port()); conn != nil {
			return conn
		}
	}
	return nil
}

func (c *Connection) connect() {
	if err := c.ch.Connect(); err != nil {
		c.connectFailed(err)
		return
	}
	if channel.Established(c.ch) {
		c.open()
		return
	}
	if h, ok := c.ch.(channel.Handshaker); ok && h.Handshaking() && c.phase != "handshake" {
		c.arm("handshake", c.opts.Timeouts.Handshake)
	}
}

func (c *Connection) connectFailed(err error) {
	var ce *channel.ConnectError
	if errors.As(err, &ce) && ce.Unreachable {
		c.log.WithError(err).Debug("unreachable")
		c.cancelTimer()
		c.ch.Close()
		c.ch, c.addrs = nil, nil
		c.state = Idle
		c.emit(events.Event{Kind: events.Unreachable, Err: err})
		return
	}
	c.fail(err)
}

func (c *Connection) open() {
	p, err := transport.New(c.ch.Protocol(), transport.Config{
		MaxConcurrentRequests: c.opts.MaxConcurrentRequests,
		Callbacks: transport.Callbacks{
			Response: c.onResponse,
			Pong:     func() { c.emit(events.Event{Kind: events.Pong}) },
		},
	})
	if err != nil {
		c.fail(err)
		return
	}
	c.cancelTimer()
	c.parser = p
	c.state = Open
	c.rbuf = make([]byte, readBufferSize)
	for _, req := range c.queue {
		p.Send(req)
	}
	c.queue = nil
	c.log.WithFields(logrus.Fields{
		"fd": c.ch.FD(), "addr": c.ch.RemoteAddr().String(), "state": c.state.String(), "protocol": p.Protocol(),
	}).Debug("open")
	c.emit(events.Event{Kind: events.Open})
	c.write()
}

// Call is invoked by the selector when the channel is ready.
func (c *Connection) Call(ready nettools.Interest) {
	switch c.state {
	case Connecting:
		c.connect()
		return
	case Open:
	default:
		return
	}
	if ready.Readable() && !c.read() {
		return
	}
	c.write()
}

// read drains the socket into the parser. It reports whether the
// connection is still open.
func (c *Connection) read() bool {
	for {
		res, err := c.ch.Read(c.rbuf)
		if err != nil {
			c.fail(err)
			return false
		}
		switch res.Status {
		case channel.WouldBlock:
			return true
		case channel.ClosedByPeer:
			c.peerClosed()
			return false
		}
		if err := c.parser.Feed(c.rbuf[:res.N]); err != nil {
			c.fail(err)
			return false
		}
		if c.state != Open {
			return false // closed by an observer
		}
	}
}

func (c *Connection) write() {
	if c.state != Open {
		return
	}
	if err := c.parser.Consume(&c.wbuf); err != nil {
		c.fail(err)
		return
	}
	if c.wbuf.Len() > 0 {
		c.out = append(c.out, c.wbuf.Bytes()...)
		c.wbuf.Reset()
	}
	for {
		res, err := c.ch.Write(&c.out)
		if err != nil {
			c.fail(err)
			return
		}
		if res.Status == channel.ClosedByPeer {
			c.peerClosed()
			return
		}
		if res.Status == channel.WouldBlock || len(c.out) == 0 {
			break
		}
	}
	if len(c.out) == 0 {
		c.out = nil
	}
	if c.parser.Inflight() > 0 && c.phase != "operation" {
		c.arm("operation", c.opts.Timeouts.Operation)
	}
}

func (c *Connection) onResponse(req *http.PreparedRequest, resp *http.Response) {
	if c.parser.Inflight() > 0 {
		c.arm("operation", c.opts.Timeouts.Operation)
	} else {
		c.cancelTimer()
	}
	c.emit(events.Event{Kind: events.Response, Request: req, Response: resp})
}

func (c *Connection) peerClosed() {
	err := c.parser.Close()
	if err == nil && len(c.Pending()) == 0 {
		c.log.Debug("closed by peer")
		c.Close()
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	c.fail(err)
}

func (c *Connection) respondError(req *http.PreparedRequest, err error) {
	c.emit(events.Event{Kind: events.Response, Request: req, Err: &http.ErrorResponse{Request: req, Err: err}})
}

// HandleError fails the connection: every pending request is answered with
// err, then Error and Close are emitted.
func (c *Connection) HandleError(err error) { c.fail(err) }

func (c *Connection) fail(err error) {
	if c.state == Closed {
		return
	}
	c.log.WithError(err).Debug("failed")
	pending := c.Pending()
	c.teardown()
	for _, req := range pending {
		c.respondError(req, err)
	}
	c.emit(events.Event{Kind: events.Error, Err: err})
	c.emit(events.Event{Kind: events.Close})
}

// Close shuts the connection down. Requests still pending are answered with
// ErrClosed.
func (c *Connection) Close() error {
	return c.shutdown(ErrClosed)
}

// Reset is Close for fatal faults of the reactor.
func (c *Connection) Reset() {
	_ = c.shutdown(ErrReset)
}

func (c *Connection) shutdown(cause error) error {
	if c.state == Closed {
		return nil
	}
	pending := c.Pending()
	err := c.teardown()
	for _, req := range pending {
		c.respondError(req, cause)
	}
	c.emit(events.Event{Kind: events.Close})
	return err
}

func (c *Connection) teardown() error {
	c.cancelTimer()
	var err error
	if c.ch != nil {
		err = c.ch.Close()
	}
	c.state = Closed
	c.queue, c.parser, c.out, c.rbuf = nil, nil, nil, nil
	c.wbuf.Reset()
	return err
}

func (c *Connection) arm(phase string, d time.Duration) {
	c.cancelTimer()
	if d <= 0 {
		return
	}
	c.phase = phase
	c.deadline = c.now().Add(d)
	if c.timers != nil {
		c.timer = c.timers.After(d, func() {
			c.timer = nil
			c.fail(&TimeoutError{Origin: c.origin.String(), Phase: phase, Budget: d})
		})
	}
}

func (c *Connection) cancelTimer() {
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	c.phase = ""
	c.deadline = time.Time{}
}

// TimeoutError is emitted when a phase outlived its budget.
type TimeoutError struct {
	Origin string
	Phase  string // "connect", "handshake" or "operation"
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %s", e.Origin, e.Phase, e.Budget)
}

func (e *TimeoutError) Timeout() bool { return true }
