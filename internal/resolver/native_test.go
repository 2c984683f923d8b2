package resolver

import (
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zone map[string]map[uint16][]dns.RR

// serveDNS answers from z on a local UDP socket and returns its address.
func serveDNS(t *testing.T, z zone, queries *atomic.Int32) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			if queries != nil {
				queries.Add(1)
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			q := req.Question[0]
			byType, ok := z[q.Name]
			if !ok {
				resp.Rcode = dns.RcodeNameError
			}
			resp.Answer = append(resp.Answer, byType[q.Qtype]...)
			if len(byType[q.Qtype]) == 0 {
				resp.Answer = append(resp.Answer, byType[dns.TypeCNAME]...)
			}
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func rr(t *testing.T, s string) dns.RR {
	r, err := dns.NewRR(s)
	require.NoError(t, err)
	return r
}

func TestNativeResolves(t *testing.T) {
	z := zone{
		"example.test.": {
			dns.TypeA:    {rr(t, "example.test. 60 IN A 10.0.0.1")},
			dns.TypeAAAA: {rr(t, "example.test. 60 IN AAAA 2001:db8::1")},
		},
		"www.example.test.": {
			dns.TypeCNAME: {rr(t, "www.example.test. 300 IN CNAME example.test.")},
		},
	}
	var queries atomic.Int32
	ns := serveDNS(t, z, &queries)

	deps := testDeps(nil)
	r, err := NewNative(Config{Nameservers: []string{ns}, Family: FamilyIPv4}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("example.test"))
	r.Enqueue(host("example.test"))
	r.Enqueue(host("www.example.test"))
	assert.False(t, r.Empty())
	drive(t, r, deps, func() bool { return rec.settled("example.test", "www.example.test") })

	require.NoError(t, rec.errs["example.test"])
	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, rec.addrs["example.test"])
	require.NoError(t, rec.errs["www.example.test"])
	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, rec.addrs["www.example.test"])
	assert.True(t, r.Empty())
	// one query for the shared hostname, two for the alias chain
	assert.Equal(t, int32(3), queries.Load())

	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, deps.Cache.Lookup("www.example.test"))
	r.Uncache("example.test")
	assert.Empty(t, deps.Cache.Lookup("example.test"))
}

func TestNativeFallsBackToAAAA(t *testing.T) {
	z := zone{
		"v6only.test.": {
			dns.TypeAAAA: {rr(t, "v6only.test. 60 IN AAAA 2001:db8::6")},
		},
	}
	ns := serveDNS(t, z, nil)
	deps := testDeps(nil)
	r, err := NewNative(Config{Nameservers: []string{ns}}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("v6only.test"))
	r.Enqueue(host("missing.test"))
	drive(t, r, deps, func() bool { return rec.settled("v6only.test", "missing.test") })

	assert.Equal(t, []netip.Addr{addr("2001:db8::6")}, rec.addrs["v6only.test"])
	assert.ErrorIs(t, rec.errs["missing.test"], ErrNoAddress)
}

func TestNativeTimeout(t *testing.T) {
	// a bound socket that never answers
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	mock := clock.NewMock()
	deps := testDeps(mock)
	r, err := NewNative(Config{
		Nameservers: []string{pc.LocalAddr().String()},
		Family:      FamilyIPv4,
		Timeouts:    []time.Duration{time.Second, 2 * time.Second},
	}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("slow.test"))
	d, ok := r.Timeout()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	mock.Add(time.Second)
	deps.Timers.Fire()
	assert.False(t, rec.settled("slow.test"), "first timeout retries")
	d, _ = r.Timeout()
	assert.Equal(t, 2*time.Second, d)

	mock.Add(2 * time.Second)
	deps.Timers.Fire()
	assert.ErrorIs(t, rec.errs["slow.test"], ErrTimeout)
	assert.True(t, r.Empty())
}

func TestNativeHandleError(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	deps := testDeps(clock.NewMock())
	r, err := NewNative(Config{Nameservers: []string{pc.LocalAddr().String()}}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("a.test"))
	r.Enqueue(host("b.test"))
	r.HandleError(assert.AnError)
	assert.ErrorIs(t, rec.errs["a.test"], assert.AnError)
	assert.ErrorIs(t, rec.errs["b.test"], assert.AnError)
	assert.True(t, r.Empty())
	assert.Zero(t, deps.Timers.Len())
}

func TestParseNameserver(t *testing.T) {
	for in, want := range map[string]string{
		"1.1.1.1":          "1.1.1.1:53",
		"1.1.1.1:5353":     "1.1.1.1:5353",
		"[2001:db8::1]:54": "[2001:db8::1]:54",
		"2001:db8::1":      "[2001:db8::1]:53",
	} {
		got, err := parseNameserver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String())
	}
	_, err := parseNameserver("dns.example")
	assert.Error(t, err)
}
