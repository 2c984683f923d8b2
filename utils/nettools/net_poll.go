//go:build darwin || linux

package nettools

import (
	"time"

	"golang.org/x/sys/unix"
)

var _ = func() error { // make sure this executes before any NewSelector
	supported[ModePoll] = func() (backend, error) { return &pollBackend{}, nil }
	return nil
}()

type pollBackend struct {
	fds []unix.PollFd
}

func (p *pollBackend) wait(ts []target, timeout time.Duration) (int, error) {
	p.fds = p.fds[:0]
	for _, t := range ts {
		var ev int16
		if t.interest.Readable() {
			ev |= unix.POLLIN
		}
		if t.interest.Writable() {
			ev |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(t.fd), Events: ev})
	}
	n, err := unix.Poll(p.fds, millis(timeout))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil || n == 0 {
		return 0, err
	}
	ready := 0
	for i := range p.fds {
		re := p.fds[i].Revents
		if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && ts[i].interest.Readable() {
			ts[i].ready |= Readable
		}
		if re&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 && ts[i].interest.Writable() {
			ts[i].ready |= Writable
		}
		if ts[i].ready != 0 {
			ready++
		}
	}
	return ready, nil
}

func (p *pollBackend) close() error { return nil }

// Wait blocks until fd is ready for interest or timeout passes. It is for
// driving a single channel by hand, outside of any Selector.
func Wait(fd int, interest Interest, timeout time.Duration) (Interest, error) {
	ts := []target{{fd: fd, interest: interest}}
	if _, err := (&pollBackend{}).wait(ts, timeout); err != nil {
		return 0, err
	}
	return ts[0].ready, nil
}
