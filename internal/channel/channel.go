// Package channel drives one socket without ever blocking on it: plain TCP,
// TLS layered over TCP (or over anything else that is a Channel), and sockets
// supplied by the caller.
package channel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"

	"github.com/frankli0324/go-httpcore/utils/nettools"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Negotiated
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Negotiated:
		return "negotiated"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Status tells apart the three outcomes of a non-blocking read or write.
type Status int

const (
	Progressed Status = iota
	WouldBlock
	ClosedByPeer
)

type Result struct {
	N      int
	Status Status
}

var (
	ErrNotConnected = errors.New("channel: not connected")
	ErrNoAddress    = errors.New("channel: no address to connect to")
)

// ConnectError is returned by Connect. Unreachable is set once every
// address failed as unreachable, which calls for resolving again rather
// than giving up.
type ConnectError struct {
	Addr        netip.AddrPort
	Unreachable bool
	Err         error
}

func (e *ConnectError) Error() string {
	if e.Unreachable {
		return fmt.Sprintf("connect %s: unreachable: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError is a TLS handshake that failed after the socket connected.
// Another address would not do better, so it is never Unreachable.
type HandshakeError struct {
	Addr netip.AddrPort
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s: %v", e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Channel is one transport, polled by the reactor through FD and Interests.
type Channel interface {
	FD() int
	State() State
	// Connect advances connection establishment. It is called again on
	// every readiness event until State reports Connected or Negotiated.
	Connect() error
	Read(p []byte) (Result, error)
	// Write sends a prefix of *buf and slices it off. An empty *buf flushes
	// whatever the channel buffered itself.
	Write(buf *[]byte) (Result, error)
	Close() error
	Interests() nettools.Interest
	// Protocol is the application protocol agreed on, e.g. over ALPN.
	Protocol() string
	// RemoteAddr is the address connected to, or being connected to.
	RemoteAddr() netip.AddrPort
	// KeepOpen reports a socket owned by someone else: Close leaves it open.
	KeepOpen() bool
}

// TLSChannel is implemented by channels carrying TLS.
type TLSChannel interface {
	Channel
	ConnectionState() tls.ConnectionState
}

// Handshaker is implemented by channels negotiating something of their own
// once connected. The handshake is timed separately from the connect.
type Handshaker interface {
	Handshaking() bool
}

// Established reports whether c may carry application data.
func Established(c Channel) bool {
	s := c.State()
	if _, ok := c.(TLSChannel); ok {
		return s == Negotiated
	}
	return s == Connected || s == Negotiated
}
