package nettools

import (
	"errors"
	"net"
	"syscall"
	"time"
)

type Mode int

const (
	ModeEpoll Mode = iota
	ModePoll
	ModeSelect
)

func (m Mode) String() string {
	switch m {
	case ModeEpoll:
		return "epoll"
	case ModePoll:
		return "poll"
	case ModeSelect:
		return "select"
	}
	return "unknown"
}

// Interest is a set of readiness conditions a Watcher wants to hear about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) Readable() bool { return i&Readable != 0 }
func (i Interest) Writable() bool { return i&Writable != 0 }

// target is one fd handed to a backend for a single wait.
type target struct {
	fd       int
	interest Interest
	ready    Interest
}

// backend waits for readiness on a set of fds. A negative timeout blocks
// until at least one fd is ready.
type backend interface {
	wait(ts []target, timeout time.Duration) (int, error)
	close() error
}

var (
	supported = map[Mode]func() (backend, error){}
	order     = []Mode{ModeEpoll, ModePoll, ModeSelect}
)

// Supported reports whether mode can be used on this platform.
func Supported(mode Mode) bool {
	return supported[mode] != nil
}

var errNoBackend = errors.New("nettools: no readiness backend available on this platform")

func newBackend(modes ...Mode) (backend, Mode, error) {
	if len(modes) == 0 {
		modes = order
	}
	for _, mode := range modes {
		if mk := supported[mode]; mk != nil {
			b, err := mk()
			return b, mode, err
		}
	}
	return nil, 0, errNoBackend
}

// FD extracts the file descriptor backing raw. TLS connections (or anything
// else exposing NetConn) are unwrapped first.
//
// The descriptor is only borrowed: whoever owns raw stays responsible for
// closing it.
func FD(raw net.Conn) (int, error) {
	rc := connsToFD(raw)
	if rc == nil {
		return -1, errors.New("nettools: connection does not expose a file descriptor")
	}
	fd := -1
	// It's annoying that golang docs didn't specify whether the
	// control action will be executed if error occurrs
	// however according to the source code errors would only
	// happen before the control action, here's an example on *[net.conn]:
	//
	//  if err := fd.incref(); err != nil {
	//  	return err
	//  }
	//  defer fd.decref()
	//  f(uintptr(fd.Sysfd))
	//  return nil
	if err := rc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func connsToFD(raw net.Conn) syscall.RawConn {
	if t, ok := raw.(interface{ NetConn() net.Conn }); ok {
		// is *tls.Conn or polyfilled TLS Connection
		raw = t.NetConn()
	}
	if c, ok := raw.(syscall.Conn); ok {
		if c, err := c.SyscallConn(); err == nil {
			return c
		}
	}
	return nil
}

func millis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1 // round up so a sub-millisecond deadline does not spin
	}
	return ms
}
