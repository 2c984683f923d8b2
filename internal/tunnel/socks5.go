// Package tunnel negotiates proxy tunnels on top of a channel before any
// application data flows through it.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"

	"github.com/frankli0324/go-httpcore/internal/channel"
	"github.com/frankli0324/go-httpcore/utils/nettools"
)

type State int

const (
	Idle State = iota
	Connecting
	Authenticating
	Negotiating
	Open
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Negotiating:
		return "negotiating"
	case Open:
		return "open"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const (
	socksVersion = 0x05
	authVersion  = 0x01

	methodNone     = 0x00
	methodPassword = 0x02
	methodRejected = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

var (
	ErrUnsupportedAddress = errors.New("socks5: ipv6 targets are not supported")
	ErrVersion            = errors.New("socks5: unexpected protocol version")
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	ErrAuthFailed         = errors.New("socks5: authentication failed")
	errProxyClosed        = errors.New("socks5: proxy closed the connection")
)

// ReplyError is a non-zero reply code to the connect request.
type ReplyError byte

var replies = map[ReplyError]string{
	1: "general SOCKS server failure",
	2: "connection not allowed by ruleset",
	3: "network unreachable",
	4: "host unreachable",
	5: "connection refused",
	6: "TTL expired",
	7: "command not supported",
	8: "address type not supported",
}

func (e ReplyError) Error() string {
	if msg, ok := replies[e]; ok {
		return "socks5: " + msg
	}
	return fmt.Sprintf("socks5: unknown reply code %#02x", byte(e))
}

// NegotiationError fails a tunnel for good. Requests queued behind the
// tunnel are answered with it.
type NegotiationError struct {
	Proxy  netip.AddrPort
	Target string
	State  State
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("socks5 %s to %s while %s: %v", e.Proxy, e.Target, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Socks5 negotiates a CONNECT through a SOCKS5 proxy reached over inner. Once
// open it behaves like inner connected straight to the target.
type Socks5 struct {
	inner      channel.Channel
	host       string
	port       uint16
	user, pass string

	state   State
	greeted bool
	req     []byte // connect request, built before the proxy is contacted
	out     []byte
	in      []byte
	err     error
	log     logrus.FieldLogger
}

// NewSocks5 tunnels to host:port. Credentials are offered when user is set.
func NewSocks5(inner channel.Channel, host string, port uint16, user, pass string, log logrus.FieldLogger) *Socks5 {
	return &Socks5{inner: inner, host: host, port: port, user: user, pass: pass, log: log}
}

func (s *Socks5) Phase() State { return s.state }

// Handshaking reports whether the proxy is reached and the tunnel is being
// negotiated.
func (s *Socks5) Handshaking() bool {
	return s.greeted && (s.state == Connecting || s.state == Authenticating || s.state == Negotiating)
}

func (s *Socks5) Inner() channel.Channel { return s.inner }

// Target is the host:port the proxy is asked to connect to.
func (s *Socks5) Target() string { return net.JoinHostPort(s.host, strconv.Itoa(int(s.port))) }

func (s *Socks5) FD() int { return s.inner.FD() }

func (s *Socks5) State() channel.State {
	switch s.state {
	case Open:
		return channel.Connected
	case Failed, Closed:
		return channel.Closed
	case Idle:
		return channel.Idle
	}
	return channel.Connecting
}

func (s *Socks5) Protocol() string { return s.inner.Protocol() }

func (s *Socks5) RemoteAddr() netip.AddrPort { return s.inner.RemoteAddr() }

func (s *Socks5) KeepOpen() bool { return s.inner.KeepOpen() }

func (s *Socks5) Interests() nettools.Interest {
	switch {
	case s.state == Open:
		return s.inner.Interests()
	case s.state == Failed || s.state == Closed:
		return 0
	case !channel.Established(s.inner):
		return s.inner.Interests()
	case len(s.out) > 0:
		return nettools.Writable
	}
	return nettools.Readable
}

func (s *Socks5) transition(st State) {
	s.log.WithFields(logrus.Fields{
		"fd": s.inner.FD(), "addr": s.inner.RemoteAddr().String(), "state": st.String(),
	}).Debug("socks5")
	s.state = st
}

func (s *Socks5) Connect() error {
	switch s.state {
	case Open:
		return nil
	case Failed:
		return s.err
	case Closed:
		s.greeted, s.out, s.in = false, nil, nil
		s.state = Idle
	}
	if s.req == nil {
		req, err := connectRequest(s.host, s.port)
		if err != nil {
			return s.fail(err)
		}
		s.req = req
	}
	if !channel.Established(s.inner) {
		if err := s.inner.Connect(); err != nil {
			s.state = Closed
			return err
		}
		if !channel.Established(s.inner) {
			if s.state != Connecting {
				s.transition(Connecting)
			}
			return nil
		}
	}
	if !s.greeted {
		s.greeted = true
		s.out = greeting(s.user != "")
		if s.state != Connecting {
			s.transition(Connecting)
		}
	}
	return s.pump()
}

func greeting(withPassword bool) []byte {
	if withPassword {
		return []byte{socksVersion, 2, methodNone, methodPassword}
	}
	return []byte{socksVersion, 1, methodNone}
}

// pump moves the handshake forward as far as the socket allows. Replies are
// read exactly, so nothing past the connect reply is taken from the target.
func (s *Socks5) pump() error {
	for {
		if len(s.out) > 0 {
			res, err := s.inner.Write(&s.out)
			if err != nil {
				return s.fail(err)
			}
			switch res.Status {
			case channel.WouldBlock:
				return nil
			case channel.ClosedByPeer:
				return s.fail(errProxyClosed)
			}
			continue
		}
		need, err := s.expected()
		if err != nil {
			return s.fail(err)
		}
		if len(s.in) < need {
			buf := make([]byte, need-len(s.in))
			res, err := s.inner.Read(buf)
			if err != nil {
				return s.fail(err)
			}
			switch res.Status {
			case channel.WouldBlock:
				return nil
			case channel.ClosedByPeer:
				return s.fail(errProxyClosed)
			}
			s.in = append(s.in, buf[:res.N]...)
			continue
		}
		if err := s.advance(); err != nil {
			return s.fail(err)
		}
		if s.state == Open {
			return nil
		}
	}
}

// expected is the length of the reply awaited in the current state, as far
// as it can be told from what arrived so far.
func (s *Socks5) expected() (int, error) {
	if s.state != Negotiating {
		return 2, nil
	}
	if len(s.in) >= 2 {
		if s.in[0] != socksVersion {
			return 0, ErrVersion
		}
		if s.in[1] != 0 {
			return 0, ReplyError(s.in[1])
		}
	}
	if len(s.in) < 5 {
		return 5, nil
	}
	switch s.in[3] {
	case atypIPv4:
		return 4 + 4 + 2, nil
	case atypIPv6:
		return 4 + 16 + 2, nil
	case atypDomain:
		return 4 + 1 + int(s.in[4]) + 2, nil
	}
	return 0, fmt.Errorf("socks5: unknown bound address type %#02x", s.in[3])
}

func (s *Socks5) advance() error {
	reply := s.in
	s.in = nil
	switch s.state {
	case Connecting:
		if reply[0] != socksVersion {
			return ErrVersion
		}
		switch reply[1] {
		case methodNone:
			return s.request()
		case methodPassword:
			if s.user == "" {
				return ErrNoAcceptableMethod
			}
			s.out = s.auth()
			s.transition(Authenticating)
			return nil
		case methodRejected:
			return ErrNoAcceptableMethod
		}
		return fmt.Errorf("socks5: server chose unoffered method %#02x", reply[1])
	case Authenticating:
		// RFC 1929 replies carry the sub-negotiation version, some
		// servers answer with 5
		if reply[0] != authVersion && reply[0] != socksVersion {
			return ErrVersion
		}
		if reply[1] != 0 {
			return ErrAuthFailed
		}
		return s.request()
	case Negotiating:
		s.transition(Open)
		return nil
	}
	return fmt.Errorf("socks5: unexpected reply while %s", s.state)
}

func (s *Socks5) auth() []byte {
	user, pass := truncate(s.user), truncate(s.pass)
	p := make([]byte, 0, 3+len(user)+len(pass))
	p = append(p, authVersion, byte(len(user)))
	p = append(p, user...)
	p = append(p, byte(len(pass)))
	return append(p, pass...)
}

func truncate(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

func (s *Socks5) request() error {
	s.out = append([]byte(nil), s.req...)
	s.transition(Negotiating)
	return nil
}

func connectRequest(host string, port uint16) ([]byte, error) {
	p := []byte{socksVersion, cmdConnect, 0}
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Unmap().Is4() {
			return nil, ErrUnsupportedAddress
		}
		a := addr.Unmap().As4()
		p = append(p, atypIPv4)
		p = append(p, a[:]...)
	} else {
		name, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("socks5: %w", err)
		}
		if len(name) == 0 || len(name) > 255 {
			return nil, fmt.Errorf("socks5: invalid target host %q", host)
		}
		p = append(p, atypDomain, byte(len(name)))
		p = append(p, name...)
	}
	return binary.BigEndian.AppendUint16(p, port), nil
}

func (s *Socks5) fail(err error) error {
	s.err = &NegotiationError{Proxy: s.inner.RemoteAddr(), Target: s.Target(), State: s.state, Err: err}
	s.log.WithError(err).WithField("fd", s.inner.FD()).Debug("socks5: negotiation failed")
	s.state = Failed
	s.out, s.in = nil, nil
	s.inner.Close()
	return s.err
}

// Err is the error that failed the tunnel, if any.
func (s *Socks5) Err() error { return s.err }

func (s *Socks5) Read(p []byte) (channel.Result, error) {
	if s.state != Open {
		return channel.Result{}, channel.ErrNotConnected
	}
	return s.inner.Read(p)
}

func (s *Socks5) Write(buf *[]byte) (channel.Result, error) {
	if s.state != Open {
		return channel.Result{}, channel.ErrNotConnected
	}
	return s.inner.Write(buf)
}

func (s *Socks5) Close() error {
	if s.state != Failed {
		s.state = Closed
	}
	return s.inner.Close()
}
