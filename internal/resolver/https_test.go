package resolver

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dohServer answers from z. answered, when set, sees every reply before it
// is sent.
func dohServer(t *testing.T, z zone, answered func(req, resp *dns.Msg)) (*httptest.Server, *tls.Config) {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != dnsMessageType || r.ProtoMajor != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req := new(dns.Msg)
		if err := req.Unpack(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		byType, ok := z[q.Name]
		if !ok {
			resp.Rcode = dns.RcodeNameError
		}
		resp.Answer = append(byType[dns.TypeCNAME], byType[q.Qtype]...)
		if answered != nil {
			answered(req, resp)
		}
		packed, _ := resp.Pack()
		w.Header().Set("Content-Type", dnsMessageType)
		_, _ = w.Write(packed)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	return srv, &tls.Config{RootCAs: roots}
}

func TestHTTPSResolves(t *testing.T) {
	z := zone{
		"doh.test.": {
			dns.TypeA:    {rr(t, "doh.test. 60 IN A 10.0.0.1")},
			dns.TypeAAAA: {rr(t, "doh.test. 60 IN AAAA 2001:db8::1")},
		},
		"alias.test.": {
			dns.TypeCNAME: {rr(t, "alias.test. 60 IN CNAME doh.test.")},
			dns.TypeA:     {rr(t, "doh.test. 60 IN A 10.0.0.1")},
		},
	}
	var mu sync.Mutex
	ids := map[uint16]bool{}
	srv, tlsConfig := dohServer(t, z, func(req, _ *dns.Msg) {
		mu.Lock()
		defer mu.Unlock()
		ids[req.Id] = true
	})

	deps := testDeps(nil)
	r, err := NewHTTPS(Config{DoHURI: srv.URL + "/dns-query", TLSConfig: tlsConfig}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("doh.test"))
	r.Enqueue(host("alias.test"))
	r.Enqueue(host("nx.test"))
	drive(t, r, deps, func() bool { return rec.settled("doh.test", "alias.test", "nx.test") })

	require.NoError(t, rec.errs["doh.test"])
	assert.Equal(t, []netip.Addr{addr("10.0.0.1"), addr("2001:db8::1")}, rec.addrs["doh.test"])
	require.NoError(t, rec.errs["alias.test"])
	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, rec.addrs["alias.test"])
	assert.ErrorIs(t, rec.errs["nx.test"], ErrNoAddress)

	assert.NotEmpty(t, deps.Cache.Lookup("doh.test"), "answers are cached")
	assert.True(t, r.Empty())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[uint16]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true}, ids,
		"one id per question, taken from the shared counter")
	assert.EqualValues(t, 6, deps.Cache.NextID())
}

func TestHTTPSRejectsForeignID(t *testing.T) {
	z := zone{"doh.test.": {dns.TypeA: {rr(t, "doh.test. 60 IN A 10.0.0.1")}}}
	srv, tlsConfig := dohServer(t, z, func(_, resp *dns.Msg) { resp.Id++ })

	deps := testDeps(nil)
	r, err := NewHTTPS(Config{DoHURI: srv.URL + "/dns-query", TLSConfig: tlsConfig, Family: FamilyIPv4}, deps)
	require.NoError(t, err)
	defer r.Close()
	rec := newRecorder()
	r.SetHandler(rec)

	r.Enqueue(host("doh.test"))
	drive(t, r, deps, func() bool { return rec.settled("doh.test") })
	assert.ErrorIs(t, rec.errs["doh.test"], errIDMismatch)
	assert.Empty(t, deps.Cache.Lookup("doh.test"))
}

func TestHTTPSRejectsPlainURI(t *testing.T) {
	_, err := NewHTTPS(Config{DoHURI: "http://1.1.1.1/dns-query"}, testDeps(nil))
	assert.Error(t, err)
}
