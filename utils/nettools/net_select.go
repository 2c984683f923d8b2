//go:build darwin || linux

package nettools

import (
	"time"

	"golang.org/x/sys/unix"
)

var _ = func() error { // make sure this executes before any NewSelector
	supported[ModeSelect] = func() (backend, error) { return selectBackend{}, nil }
	return nil
}()

// fdSetSize is FD_SETSIZE on both linux and darwin.
const fdSetSize = 1024

type selectBackend struct{}

func (selectBackend) wait(ts []target, timeout time.Duration) (int, error) {
	var rset, wset unix.FdSet
	nfds := 0
	for _, t := range ts {
		if t.fd >= fdSetSize {
			return 0, unix.EINVAL
		}
		if t.interest.Readable() {
			rset.Set(t.fd)
		}
		if t.interest.Writable() {
			wset.Set(t.fd)
		}
		if t.fd+1 > nfds {
			nfds = t.fd + 1
		}
	}
	var tv *unix.Timeval
	if timeout >= 0 {
		v := unix.NsecToTimeval(int64(timeout))
		tv = &v
	}
	n, err := unix.Select(nfds, &rset, &wset, nil, tv)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil || n == 0 {
		return 0, err
	}
	ready := 0
	for i := range ts {
		if ts[i].interest.Readable() && rset.IsSet(ts[i].fd) {
			ts[i].ready |= Readable
		}
		if ts[i].interest.Writable() && wset.IsSet(ts[i].fd) {
			ts[i].ready |= Writable
		}
		if ts[i].ready != 0 {
			ready++
		}
	}
	return ready, nil
}

func (selectBackend) close() error { return nil }
