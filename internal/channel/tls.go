package channel

import (
	"crypto/tls"
	"errors"
	"io"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-httpcore/utils/nettools"
)

// TLS runs a TLS session over another channel, usually a TCP one, or a
// tunnel to the target host. The handshake advances on readiness events like
// a TCP connect does, nothing here waits for the peer. Bounding how long it
// may take is up to the caller, see Handshaking.
type TLS struct {
	inner    Channel
	config   *tls.Config
	conn     *tls.Conn
	adapter  *fdConn
	state    State
	protocol string
	fallback string
	log      logrus.FieldLogger
}

// NewTLS layers TLS over inner. hostname is used for SNI and certificate
// verification unless cfg already names a server. alpn is offered when cfg
// carries no NextProtos of its own.
func NewTLS(inner Channel, hostname string, cfg *tls.Config, alpn []string, fallback string, log logrus.FieldLogger) *TLS {
	config := cfg.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = hostname
	}
	if len(config.NextProtos) == 0 {
		config.NextProtos = append([]string(nil), alpn...)
	}
	return &TLS{
		inner:    inner,
		config:   config,
		adapter:  &fdConn{ch: inner},
		state:    inner.State(),
		fallback: fallback,
		log:      log,
	}
}

func (t *TLS) FD() int { return t.inner.FD() }

func (t *TLS) State() State {
	if t.state == Negotiated || t.state == Closed {
		return t.state
	}
	s := t.inner.State()
	if s == Connected {
		return Connecting // handshake pending
	}
	return s
}

func (t *TLS) Protocol() string { return t.protocol }

func (t *TLS) RemoteAddr() netip.AddrPort { return t.inner.RemoteAddr() }

func (t *TLS) KeepOpen() bool { return t.inner.KeepOpen() }

func (t *TLS) Inner() Channel { return t.inner }

func (t *TLS) ConnectionState() tls.ConnectionState {
	// the handshake goroutine holds the session until it returns
	if t.conn == nil || t.adapter.handshaking() {
		return tls.ConnectionState{}
	}
	return t.conn.ConnectionState()
}

// Handshaking reports whether the TLS handshake, or one of the channel
// beneath, is under way.
func (t *TLS) Handshaking() bool {
	if t.state != Connecting {
		return false
	}
	if h, ok := t.inner.(Handshaker); ok && h.Handshaking() {
		return true
	}
	return t.adapter.handshaking()
}

func (t *TLS) Interests() nettools.Interest {
	if t.state != Negotiated && !t.adapter.handshaking() {
		return t.inner.Interests()
	}
	i := nettools.Readable
	if t.adapter.pending() > 0 {
		i |= nettools.Writable
	}
	return i
}

func (t *TLS) Connect() error {
	switch t.state {
	case Negotiated:
		return nil
	case Closed:
		// a session cannot outlive its socket, start over
		t.conn = nil
		t.adapter = &fdConn{ch: t.inner}
		t.state = Idle
	}

	var done bool
	var err error
	if t.conn == nil {
		if err := t.inner.Connect(); err != nil {
			t.state = Closed
			return err
		}
		t.state = Connecting
		if !Established(t.inner) {
			return nil
		}
		t.conn = tls.Client(t.adapter, t.config)
		done, err = t.adapter.start(t.conn.Handshake)
	}
	if err == nil && !done {
		done, err = t.adapter.pump()
	}
	if err != nil {
		addr := t.inner.RemoteAddr()
		t.adapter.abort()
		t.inner.Close()
		t.state = Closed
		return &HandshakeError{Addr: addr, Err: err}
	}
	if !done {
		return nil
	}

	cs := t.conn.ConnectionState()
	t.protocol = cs.NegotiatedProtocol
	if t.protocol == "" {
		t.protocol = t.fallback
	}
	t.state = Negotiated
	t.log.WithFields(logrus.Fields{
		"fd": t.FD(), "addr": t.RemoteAddr().String(), "state": t.state.String(),
		"alpn": t.protocol, "version": tls.VersionName(cs.Version),
	}).Debug("tls")
	return nil
}

func (t *TLS) Read(p []byte) (Result, error) {
	if t.state != Negotiated {
		return Result{}, ErrNotConnected
	}
	n, err := t.conn.Read(p)
	if n > 0 {
		return Result{N: n, Status: Progressed}, nil
	}
	switch {
	case err == nil:
		return Result{Status: WouldBlock}, nil
	case errors.Is(err, errWouldBlock):
		return Result{Status: WouldBlock}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// peers often close without close_notify
		return Result{Status: ClosedByPeer}, nil
	}
	return Result{}, err
}

// Write encrypts all of *buf at once. The ciphertext may stay buffered until
// the socket is writable, Interests reports so and an empty Write flushes it.
func (t *TLS) Write(buf *[]byte) (Result, error) {
	if t.state != Negotiated {
		return Result{}, ErrNotConnected
	}
	if len(*buf) == 0 {
		status, err := t.adapter.flush()
		if status == ClosedByPeer {
			return Result{Status: ClosedByPeer}, nil
		}
		return Result{Status: status}, err
	}
	n, err := t.conn.Write(*buf)
	*buf = (*buf)[n:]
	if err != nil {
		return Result{N: n}, err
	}
	return Result{N: n, Status: Progressed}, nil
}

func (t *TLS) Close() error {
	if t.state == Closed {
		return nil
	}
	if t.state == Negotiated && !t.inner.KeepOpen() {
		_ = t.conn.CloseWrite() // close_notify, best effort
	}
	t.adapter.abort()
	t.state = Closed
	return t.inner.Close()
}
