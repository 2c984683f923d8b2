package channel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-httpcore/utils/nettools"
)

const (
	// how long a read may take once the descriptor polled readable; data
	// already buffered by the tls.Conn is returned immediately.
	externalReadSlack  = time.Millisecond
	externalWriteLimit = 10 * time.Second
)

// External wraps a TLS session established by the caller. The session is
// used as is: no handshake, no ALPN of our own, and it is never closed.
type External struct {
	conn     *tls.Conn
	fd       int
	state    State
	protocol string
	remote   netip.AddrPort
	log      logrus.FieldLogger
}

// FromTLSConn adopts conn, which must have completed its handshake.
func FromTLSConn(conn *tls.Conn, fallback string, log logrus.FieldLogger) (*External, error) {
	cs := conn.ConnectionState()
	if !cs.HandshakeComplete {
		return nil, fmt.Errorf("channel: supplied tls connection to %s has not completed its handshake", conn.RemoteAddr())
	}
	fd, err := nettools.FD(conn)
	if err != nil {
		return nil, err
	}
	e := &External{conn: conn, fd: fd, state: Negotiated, protocol: cs.NegotiatedProtocol, log: log}
	if e.protocol == "" {
		e.protocol = fallback
	}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		e.remote = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return e, nil
}

func (e *External) FD() int { return e.fd }

func (e *External) State() State { return e.state }

func (e *External) Protocol() string { return e.protocol }

func (e *External) RemoteAddr() netip.AddrPort { return e.remote }

func (e *External) KeepOpen() bool { return true }

func (e *External) ConnectionState() tls.ConnectionState { return e.conn.ConnectionState() }

func (e *External) Interests() nettools.Interest {
	if e.state == Negotiated {
		return nettools.Readable
	}
	return 0
}

func (e *External) Connect() error {
	if e.state == Closed {
		e.log.WithField("addr", e.remote.String()).Debug("external: reusing supplied connection")
	}
	e.state = Negotiated
	return nil
}

func (e *External) Read(p []byte) (Result, error) {
	if e.state != Negotiated {
		return Result{}, ErrNotConnected
	}
	_ = e.conn.SetReadDeadline(time.Now().Add(externalReadSlack))
	n, err := e.conn.Read(p)
	if n > 0 {
		return Result{N: n, Status: Progressed}, nil
	}
	switch {
	case err == nil, errors.Is(err, os.ErrDeadlineExceeded):
		return Result{Status: WouldBlock}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Result{Status: ClosedByPeer}, nil
	}
	return Result{}, err
}

// Write goes through the tls.Conn, which blocks until the record is sent. A
// timed out write leaves the session unusable, so the limit is generous.
func (e *External) Write(buf *[]byte) (Result, error) {
	if e.state != Negotiated {
		return Result{}, ErrNotConnected
	}
	if len(*buf) == 0 {
		return Result{Status: Progressed}, nil
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(externalWriteLimit))
	n, err := e.conn.Write(*buf)
	*buf = (*buf)[n:]
	if err != nil {
		return Result{N: n}, err
	}
	return Result{N: n, Status: Progressed}, nil
}

func (e *External) Close() error {
	e.state = Closed
	return nil
}
