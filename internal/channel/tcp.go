package channel

import (
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/frankli0324/go-httpcore/utils/nettools"
)

// TCP connects to the last of its addresses first and walks toward the
// first one while addresses prove unreachable. An address given up on is
// never tried again.
type TCP struct {
	fd    int
	addrs []netip.Addr
	port  uint16
	index int
	state State

	protocol string
	conn     net.Conn // supplied socket, kept referenced while in use
	keepOpen bool
	log      logrus.FieldLogger
}

// NewTCP builds an idle channel. Nothing happens before Connect.
func NewTCP(addrs []netip.Addr, port uint16, protocol string, log logrus.FieldLogger) *TCP {
	return &TCP{
		fd:       -1,
		addrs:    addrs,
		port:     port,
		index:    len(addrs) - 1,
		protocol: protocol,
		log:      log,
	}
}

// FromConn adopts a connected socket owned by the caller. The channel starts
// connected and never closes it.
func FromConn(conn net.Conn, protocol string, log logrus.FieldLogger) (*TCP, error) {
	fd, err := nettools.FD(conn)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	t := &TCP{fd: fd, index: -1, state: Connected, protocol: protocol, conn: conn, keepOpen: true, log: log}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		t.addrs, t.port, t.index = []netip.Addr{ap.Addr().Unmap()}, ap.Port(), 0
	}
	return t, nil
}

func (t *TCP) FD() int { return t.fd }

func (t *TCP) State() State { return t.state }

func (t *TCP) Protocol() string { return t.protocol }

func (t *TCP) KeepOpen() bool { return t.keepOpen }

func (t *TCP) RemoteAddr() netip.AddrPort {
	if t.index < 0 || t.index >= len(t.addrs) {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(t.addrs[t.index], t.port)
}

// Addresses returns the addresses not given up on yet.
func (t *TCP) Addresses() []netip.Addr {
	if t.index < 0 {
		return nil
	}
	return t.addrs[:t.index+1]
}

func (t *TCP) Interests() nettools.Interest {
	switch t.state {
	case Connecting:
		return nettools.Writable
	case Connected:
		return nettools.Readable
	}
	return 0
}

func (t *TCP) transition(s State) {
	if t.state == s {
		return
	}
	t.log.WithFields(logrus.Fields{"fd": t.fd, "addr": t.RemoteAddr().String(), "state": s.String()}).Debug("tcp")
	t.state = s
}

func (t *TCP) Connect() error {
	switch t.state {
	case Connected, Negotiated:
		return nil
	case Closed:
		if t.keepOpen {
			t.transition(Connected)
			return nil
		}
		t.transition(Idle)
	}
	if t.state == Connecting {
		errno, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return t.fail(err)
		}
		if errno != 0 {
			if err := t.handle(unix.Errno(errno)); err != nil || t.state != Idle {
				return err
			}
		}
	}
	for {
		if t.index < 0 {
			return &ConnectError{Unreachable: true, Err: ErrNoAddress}
		}
		var err error
		if t.fd < 0 {
			err = t.open()
		}
		if err == nil {
			err = unix.Connect(t.fd, sockaddr(t.addrs[t.index], t.port))
		}
		if err == nil {
			t.transition(Connected)
			return nil
		}
		if errno, ok := err.(unix.Errno); ok {
			if err := t.handle(errno); err != nil || t.state != Idle {
				return err
			}
			continue
		}
		return t.fail(err)
	}
}

// handle maps the outcome of a connect attempt onto the state machine. It
// leaves the channel idle, with the next address selected, when the current
// one turned out unreachable.
func (t *TCP) handle(errno unix.Errno) error {
	switch errno {
	case unix.EISCONN:
		t.transition(Connected)
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EAGAIN, unix.EINTR:
		t.transition(Connecting)
		return nil
	case unix.EHOSTUNREACH, unix.ENETUNREACH, unix.EADDRNOTAVAIL, unix.EAFNOSUPPORT:
		failed := t.RemoteAddr()
		t.closeFD()
		t.index--
		t.state = Idle
		if t.index < 0 {
			t.log.WithField("addr", failed.String()).Debug("tcp: every address unreachable")
			return &ConnectError{Addr: failed, Unreachable: true, Err: errno}
		}
		t.log.WithField("addr", failed.String()).WithError(errno).Debug("tcp: trying next address")
		return nil
	}
	return t.fail(errno)
}

func (t *TCP) fail(err error) error {
	addr := t.RemoteAddr()
	t.closeFD()
	t.transition(Closed)
	return &ConnectError{Addr: addr, Err: err}
}

func (t *TCP) open() error {
	family := unix.AF_INET
	if t.addrs[t.index].Is6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	t.fd = fd
	return nil
}

func sockaddr(addr netip.Addr, port uint16) unix.Sockaddr {
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

func (t *TCP) Read(p []byte) (Result, error) {
	if t.state != Connected && t.state != Negotiated {
		return Result{}, ErrNotConnected
	}
	n, err := unix.Read(t.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return Result{Status: WouldBlock}, nil
	case err != nil:
		return Result{}, err
	case n == 0 && len(p) > 0:
		return Result{Status: ClosedByPeer}, nil
	}
	return Result{N: n, Status: Progressed}, nil
}

func (t *TCP) Write(buf *[]byte) (Result, error) {
	if t.state != Connected && t.state != Negotiated {
		return Result{}, ErrNotConnected
	}
	if len(*buf) == 0 {
		return Result{Status: Progressed}, nil
	}
	n, err := unix.Write(t.fd, *buf)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		return Result{Status: WouldBlock}, nil
	case err == unix.EPIPE || err == unix.ECONNRESET:
		return Result{Status: ClosedByPeer}, nil
	case err != nil:
		return Result{}, err
	}
	*buf = (*buf)[n:]
	return Result{N: n, Status: Progressed}, nil
}

// Close releases the socket exactly once. A supplied socket is left open and
// the channel can be connected again.
func (t *TCP) Close() error {
	if t.state == Closed || t.state == Idle && t.fd < 0 {
		t.state = Closed
		return nil
	}
	var err error
	if !t.keepOpen {
		err = t.closeFD()
	}
	t.transition(Closed)
	return err
}

func (t *TCP) closeFD() error {
	if t.fd < 0 || t.keepOpen {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
