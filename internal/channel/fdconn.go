package channel

import (
	"io"
	"net"
	"time"
)

type wouldBlockError struct{}

func (wouldBlockError) Error() string { return "channel: operation would block" }

// Timeout and Temporary keep crypto/tls from treating the error as fatal:
// a read interrupted this way can be retried once the socket is readable.
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock error = wouldBlockError{}

// fdConn presents a Channel as the net.Conn crypto/tls wants. Writes are
// buffered and always accepted whole, flush sends them.
//
// While a handshake runs, crypto/tls lives on its own goroutine and fdConn
// only moves bytes between it and the reactor: the goroutine appends to out
// and reads from in, the reactor owns the socket. They take turns, the
// reactor waiting until the goroutine either wants more input or is done.
// After the handshake every read and write is non-blocking.
type fdConn struct {
	ch  Channel
	out []byte
	in  []byte // received during the handshake, not consumed yet

	feed   chan []byte
	parked chan struct{}
	done   chan error
	rbuf   []byte
}

func (c *fdConn) handshaking() bool { return c.feed != nil }

// start runs hs and returns once it waits for the peer or finished.
func (c *fdConn) start(hs func() error) (bool, error) {
	c.feed = make(chan []byte)
	c.parked = make(chan struct{})
	c.done = make(chan error, 1)
	done := c.done
	go func() { done <- hs() }()
	return c.settle()
}

// settle waits for the handshake goroutine to stop running. Only CPU work is
// waited for: the goroutine never touches the network.
func (c *fdConn) settle() (bool, error) {
	select {
	case <-c.parked:
		return false, nil
	case err := <-c.done:
		c.feed, c.parked, c.done = nil, nil, nil
		return true, err
	}
}

// pump moves handshake bytes both ways until the socket would block. It
// reports whether the handshake is over.
func (c *fdConn) pump() (bool, error) {
	if c.rbuf == nil {
		c.rbuf = make([]byte, 16<<10)
	}
	for {
		if _, err := c.flush(); err != nil {
			return false, err
		}
		res, err := c.ch.Read(c.rbuf)
		if err != nil {
			return false, err
		}
		switch res.Status {
		case WouldBlock:
			return false, nil
		case ClosedByPeer:
			return true, c.abort()
		}
		c.feed <- append([]byte(nil), c.rbuf[:res.N]...)
		finished, err := c.settle()
		if finished {
			if err == nil {
				_, err = c.flush() // client Finished
			}
			return true, err
		}
	}
}

// abort ends a running handshake with EOF and reaps its goroutine.
func (c *fdConn) abort() error {
	if !c.handshaking() {
		return nil
	}
	close(c.feed)
	for {
		select {
		case <-c.parked:
		case err := <-c.done:
			c.feed, c.parked, c.done = nil, nil, nil
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

func (c *fdConn) Read(p []byte) (int, error) {
	for len(c.in) == 0 {
		if !c.handshaking() {
			return c.read(p)
		}
		c.parked <- struct{}{}
		data, ok := <-c.feed
		if !ok {
			return 0, io.EOF
		}
		c.in = data
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *fdConn) read(p []byte) (int, error) {
	res, err := c.ch.Read(p)
	if err != nil {
		return 0, err
	}
	switch res.Status {
	case Progressed:
		return res.N, nil
	case ClosedByPeer:
		return 0, io.EOF
	}
	return 0, errWouldBlock
}

func (c *fdConn) Write(b []byte) (int, error) {
	c.out = append(c.out, b...)
	if c.handshaking() {
		return len(b), nil // the reactor sends it
	}
	if _, err := c.flush(); err != nil {
		return 0, err
	}
	return len(b), nil // sent once writable
}

func (c *fdConn) flush() (Status, error) {
	for len(c.out) > 0 {
		res, err := c.ch.Write(&c.out)
		if err != nil {
			return 0, err
		}
		if res.Status == ClosedByPeer {
			return ClosedByPeer, net.ErrClosed
		}
		if res.Status == WouldBlock {
			return WouldBlock, nil
		}
	}
	c.out = c.out[:0]
	return Progressed, nil
}

func (c *fdConn) pending() int { return len(c.out) }

// Close is left to the Channel owner.
func (c *fdConn) Close() error { return nil }

func (c *fdConn) LocalAddr() net.Addr { return &net.TCPAddr{} }

func (c *fdConn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.ch.RemoteAddr()) }

func (c *fdConn) SetDeadline(t time.Time) error { return nil }

func (c *fdConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fdConn) SetWriteDeadline(t time.Time) error { return nil }
