package tunnel

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-httpcore/internal/channel"
	"github.com/frankli0324/go-httpcore/utils/nettools"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeProxy accepts one connection and hands it to script. The test waits
// for script to return before finishing.
func fakeProxy(t *testing.T, script func(c net.Conn)) channel.Channel {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.SetDeadline(time.Now().Add(5 * time.Second))
		script(c)
	}()
	t.Cleanup(func() {
		l.Close()
		<-done
	})
	port := l.Addr().(*net.TCPAddr).Port
	return channel.NewTCP([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, uint16(port), "http/1.1", quietLogger())
}

func expect(t *testing.T, c net.Conn, want []byte) {
	got := make([]byte, len(want))
	_, err := io.ReadFull(c, got)
	assert.NoError(t, err)
	assert.Equal(t, want, got)
}

func establish(t *testing.T, ch channel.Channel) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := ch.Connect(); err != nil {
			return err
		}
		if channel.Established(ch) {
			return nil
		}
		require.True(t, time.Now().Before(deadline), "tunnel did not settle")
		_, err := nettools.Wait(ch.FD(), ch.Interests(), 100*time.Millisecond)
		require.NoError(t, err)
	}
}

func readN(t *testing.T, ch channel.Channel, n int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, n)
	for len(got) < n {
		res, err := ch.Read(buf[:n-len(got)])
		require.NoError(t, err)
		switch res.Status {
		case channel.Progressed:
			got = append(got, buf[:res.N]...)
		case channel.ClosedByPeer:
			t.Fatalf("closed after %q", got)
		case channel.WouldBlock:
			_, err := nettools.Wait(ch.FD(), nettools.Readable, time.Second)
			require.NoError(t, err)
		}
	}
	return got
}

func TestSocks5WithoutCredentials(t *testing.T) {
	inner := fakeProxy(t, func(c net.Conn) {
		expect(t, c, []byte{5, 1, 0})
		c.Write([]byte{5, 0})
		expect(t, c, append([]byte{5, 1, 0, 3, 11}, append([]byte("example.com"), 0, 80)...))
		// reply, then the first bytes from the target in the same segment
		c.Write([]byte{5, 0, 0, 1, 10, 0, 0, 1, 0x1f, 0x90, 'h', 'i'})
		expect(t, c, []byte("ping"))
	})
	s := NewSocks5(inner, "example.com", 80, "", "", quietLogger())
	assert.Equal(t, Idle, s.Phase())

	require.NoError(t, establish(t, s))
	assert.Equal(t, Open, s.Phase())
	assert.Equal(t, channel.Connected, s.State())
	assert.Equal(t, "example.com:80", s.Target())
	assert.Equal(t, []byte("hi"), readN(t, s, 2), "bound address consumed, target data kept")

	buf := []byte("ping")
	res, err := s.Write(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4, res.N)
}

func TestSocks5WithCredentials(t *testing.T) {
	inner := fakeProxy(t, func(c net.Conn) {
		expect(t, c, []byte{5, 2, 0, 2})
		c.Write([]byte{5, 2})
		expect(t, c, []byte{1, 4, 'u', 's', 'e', 'r', 6, 's', 'e', 'c', 'r', 'e', 't'})
		c.Write([]byte{1, 0})
		expect(t, c, []byte{5, 1, 0, 1, 10, 0, 0, 1, 1, 187})
		c.Write([]byte{5, 0, 0, 3, 3, 'a', 'b', 'c', 0, 0})
	})
	s := NewSocks5(inner, "10.0.0.1", 443, "user", "secret", quietLogger())
	require.NoError(t, establish(t, s))
	assert.Equal(t, Open, s.Phase())
}

func TestSocks5IDNTarget(t *testing.T) {
	p, err := connectRequest("bücher.example", 8080)
	require.NoError(t, err)
	name := "xn--bcher-kva.example"
	assert.Equal(t, append(append([]byte{5, 1, 0, 3, byte(len(name))}, name...), 0x1f, 0x90), p)
}

func TestSocks5Failures(t *testing.T) {
	cases := []struct {
		name   string
		host   string
		user   string
		script func(t *testing.T, c net.Conn)
		check  func(t *testing.T, err error)
	}{
		{
			name: "reply code",
			host: "example.com",
			script: func(t *testing.T, c net.Conn) {
				expect(t, c, []byte{5, 1, 0})
				c.Write([]byte{5, 0})
				io.ReadFull(c, make([]byte, 18))
				c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ReplyError(5))
				assert.Contains(t, err.Error(), "connection refused")
			},
		},
		{
			name: "methods rejected",
			host: "example.com",
			script: func(t *testing.T, c net.Conn) {
				expect(t, c, []byte{5, 1, 0})
				c.Write([]byte{5, 0xff})
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoAcceptableMethod) },
		},
		{
			name: "wrong version",
			host: "example.com",
			script: func(t *testing.T, c net.Conn) {
				expect(t, c, []byte{5, 1, 0})
				c.Write([]byte{4, 0})
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrVersion) },
		},
		{
			name: "wrong password",
			host: "example.com",
			user: "user",
			script: func(t *testing.T, c net.Conn) {
				expect(t, c, []byte{5, 2, 0, 2})
				c.Write([]byte{5, 2})
				io.ReadFull(c, make([]byte, 11))
				c.Write([]byte{1, 1})
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrAuthFailed) },
		},
		{
			name: "ipv6 target",
			host: "2001:db8::1",
			script: func(t *testing.T, c net.Conn) {
				t.Error("the proxy is contacted for a target it cannot be asked for")
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrUnsupportedAddress) },
		},
		{
			name: "proxy hangs up",
			host: "example.com",
			script: func(t *testing.T, c net.Conn) {
				expect(t, c, []byte{5, 1, 0})
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, errProxyClosed) },
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			inner := fakeProxy(t, func(conn net.Conn) { c.script(t, conn) })
			s := NewSocks5(inner, c.host, 80, c.user, "pass", quietLogger())
			err := establish(t, s)

			var ne *NegotiationError
			require.ErrorAs(t, err, &ne)
			c.check(t, err)
			assert.Equal(t, Failed, s.Phase())
			assert.Equal(t, channel.Closed, s.State())
			assert.Equal(t, channel.Closed, inner.State())
			assert.Same(t, err, s.Connect(), "a failed tunnel stays failed")

			_, err = s.Read(make([]byte, 1))
			assert.ErrorIs(t, err, channel.ErrNotConnected)
		})
	}
}

func TestSocks5CarriesTLSState(t *testing.T) {
	s := NewSocks5(channel.NewTCP(nil, 1080, "http/1.1", quietLogger()), "example.com", 443, "", "", quietLogger())
	tl := channel.NewTLS(s, "example.com", nil, []string{"http/1.1"}, "http/1.1", quietLogger())
	assert.Same(t, s, tl.Inner())
	assert.Equal(t, channel.Idle, tl.State())

	err := tl.Connect()
	var ce *channel.ConnectError
	require.ErrorAs(t, err, &ce, "no proxy address to reach")
	assert.Equal(t, Closed, s.Phase())
}
