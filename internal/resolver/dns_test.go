package resolver

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeQuery(t *testing.T) {
	packet, err := EncodeQuery(0x1234, "Example.COM", dns.TypeAAAA)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(packet))
	assert.Equal(t, uint16(0x1234), msg.Id)
	assert.True(t, msg.RecursionDesired)
	assert.False(t, msg.Response)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "example.com.", strings.ToLower(msg.Question[0].Name))
	assert.Equal(t, dns.TypeAAAA, msg.Question[0].Qtype)
	assert.Equal(t, uint16(dns.ClassINET), msg.Question[0].Qclass)

	// header: id, flags with only RD set, one question
	assert.Equal(t, []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01}, packet[:6])
}

func TestEncodeQueryIDN(t *testing.T) {
	packet, err := EncodeQuery(1, "bücher.example", dns.TypeA)
	require.NoError(t, err)
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(packet))
	assert.Equal(t, "xn--bcher-kva.example.", msg.Question[0].Name)
}

func TestEncodeQueryRejectsOtherTypes(t *testing.T) {
	_, err := EncodeQuery(1, "example.com", dns.TypeMX)
	assert.ErrorIs(t, err, errUnsupportedQuery)
}

func TestDecodeAnswer(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeA)
	msg.Response = true
	msg.Answer = []dns.RR{
		&dns.CNAME{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300}, Target: "Edge.Example.NET."},
		&dns.A{Hdr: dns.RR_Header{Name: "edge.example.net.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.ParseIP("10.0.0.1")},
		&dns.TXT{Hdr: dns.RR_Header{Name: "edge.example.net.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60}, Txt: []string{"ignored"}},
		&dns.AAAA{Hdr: dns.RR_Header{Name: "edge.example.net.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 30}, AAAA: net.ParseIP("2001:db8::1")},
	}
	payload, err := msg.Pack()
	require.NoError(t, err)

	recs, err := DecodeAnswer(payload)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, Record{Name: "www.example.com", TTL: 300 * time.Second, Alias: "edge.example.net"}, recs[0])
	assert.Equal(t, Record{Name: "edge.example.net", TTL: time.Minute, Addr: addr("10.0.0.1")}, recs[1])
	assert.Equal(t, Record{Name: "edge.example.net", TTL: 30 * time.Second, Addr: addr("2001:db8::1")}, recs[2])

	assert.Equal(t, "edge.example.net", lastAlias("www.example.com", recs))
	assert.Equal(t, "", lastAlias("edge.example.net", recs))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeAnswer([]byte{0x00, 0x01, 0x02})
	assert.Error(t, err)
}

func TestRcodeError(t *testing.T) {
	assert.NoError(t, rcodeError(dns.RcodeSuccess))
	assert.ErrorIs(t, rcodeError(dns.RcodeNameError), ErrNoAddress)
	assert.ErrorContains(t, rcodeError(dns.RcodeServerFailure), "SERVFAIL")
}
