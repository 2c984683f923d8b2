package resolver

import (
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-httpcore/utils/nettools"
	"github.com/frankli0324/go-httpcore/utils/timers"
)

type host string

func (h host) Hostname() string { return string(h) }

type recorder struct {
	addrs  map[string][]netip.Addr
	errs   map[string]error
	closed int
}

func newRecorder() *recorder {
	return &recorder{addrs: map[string][]netip.Addr{}, errs: map[string]error{}}
}

func (r *recorder) OnResolve(t Target, addrs []netip.Addr) { r.addrs[t.Hostname()] = addrs }
func (r *recorder) OnResolveError(t Target, err error) { r.errs[t.Hostname()] = err }
func (r *recorder) OnResolverClose(Resolver) { r.closed++ }

func (r *recorder) settled(hosts ...string) bool {
	for _, h := range hosts {
		_, ok := r.addrs[h]
		_, failed := r.errs[h]
		if !ok && !failed {
			return false
		}
	}
	return true
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testDeps(c clock.Clock) Deps {
	g := timers.NewGroup(c)
	return Deps{
		Cache:  NewCache(0, g.Clock()),
		Hosts:  ParseHosts(strings.NewReader("10.0.0.9 hosts.test\n")),
		Timers: g,
		Logger: quietLogger(),
	}
}

// drive runs a minimal reactor loop around r until done reports true.
func drive(t *testing.T, r Resolver, deps Deps, done func() bool) {
	t.Helper()
	sel, err := nettools.NewSelector()
	require.NoError(t, err)
	defer sel.Close()
	sel.Register(r)

	deadline := time.Now().Add(10 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "resolution did not settle")
		require.NoError(t, sel.Select(20*time.Millisecond, func(w nettools.Watcher, ready nettools.Interest) {
			w.Call(ready)
		}))
		deps.Timers.Fire()
	}
}

func TestRegistry(t *testing.T) {
	assert.True(t, Registered("native"))
	assert.True(t, Registered("SYSTEM"))
	assert.True(t, Registered("https"))
	assert.False(t, Registered("carrier-pigeon"))

	_, err := New("carrier-pigeon", Config{}, Deps{})
	assert.ErrorContains(t, err, "unknown resolver")

	var built bool
	Register("static", func(cfg Config, deps Deps) (Resolver, error) {
		built = true
		return nil, errors.New("static: not today")
	})
	assert.Contains(t, Names(), "static")
	_, err = New("static", Config{}, Deps{})
	assert.True(t, built)
	assert.EqualError(t, err, "static: not today")
}

func TestParseFamily(t *testing.T) {
	for in, want := range map[string]Family{"": FamilyAny, "ip": FamilyAny, "ip4": FamilyIPv4, "ip6": FamilyIPv6} {
		got, err := ParseFamily(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseFamily("ipx")
	assert.Error(t, err)
}

func TestEarlyAnswersSkipTheNetwork(t *testing.T) {
	deps := testDeps(clock.NewMock())
	r, err := NewNative(Config{Nameservers: []string{"127.0.0.1:1"}}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("hosts.test"))
	r.Enqueue(host("10.1.2.3"))
	assert.Equal(t, []netip.Addr{addr("10.0.0.9")}, rec.addrs["hosts.test"])
	assert.Equal(t, []netip.Addr{addr("10.1.2.3")}, rec.addrs["10.1.2.3"])
	assert.True(t, r.Empty())
	assert.Equal(t, -1, r.FD(), "no socket is opened for local answers")
}

func TestFamilyFilter(t *testing.T) {
	deps := testDeps(clock.NewMock())
	r, err := NewNative(Config{Nameservers: []string{"127.0.0.1"}, Family: FamilyIPv6}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("10.1.2.3"))
	var re *ResolveError
	require.ErrorAs(t, rec.errs["10.1.2.3"], &re)
	assert.ErrorIs(t, re, ErrNoAddress)
	assert.Equal(t, "10.1.2.3", re.Host)
}

func TestClosedResolverRejects(t *testing.T) {
	deps := testDeps(clock.NewMock())
	r, err := NewSystem(Config{}, deps)
	require.NoError(t, err)
	rec := newRecorder()
	r.SetHandler(rec)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, r.Closed())
	assert.Equal(t, 1, rec.closed)

	r.Enqueue(host("example.test"))
	assert.ErrorIs(t, rec.errs["example.test"], ErrClosed)
}

func TestSystemResolver(t *testing.T) {
	deps := testDeps(nil)
	r, err := NewSystem(Config{}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	// localhost resolves without a network on every supported platform
	r.Enqueue(host("localhost"))
	drive(t, r, deps, func() bool { return rec.settled("localhost") })
	require.NoError(t, rec.errs["localhost"])
	assert.NotEmpty(t, rec.addrs["localhost"])
	for _, a := range rec.addrs["localhost"] {
		assert.True(t, a.IsLoopback(), a.String())
	}
	assert.True(t, r.Empty())
}
