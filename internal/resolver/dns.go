package resolver

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

var errUnsupportedQuery = errors.New("resolver: only A and AAAA queries are supported")

// EncodeQuery builds a recursion-desired query for hostname. Only A and AAAA
// question types are built.
func EncodeQuery(id uint16, hostname string, qtype uint16) ([]byte, error) {
	if qtype != dns.TypeA && qtype != dns.TypeAAAA {
		return nil, errUnsupportedQuery
	}
	// Convert to punycode.
	name, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid hostname %q: %w", hostname, err)
	}
	msg := &dns.Msg{MsgHdr: dns.MsgHdr{Id: id, RecursionDesired: true, Opcode: dns.OpcodeQuery}}
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}}
	return msg.Pack()
}

// Answer is a decoded DNS response.
type Answer struct {
	ID      uint16
	Rcode   int
	Records []Record
}

// Decode unpacks a DNS response. CNAME answers become alias records, A and
// AAAA answers become address records, everything else is skipped.
func Decode(payload []byte) (*Answer, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil, fmt.Errorf("resolver: malformed DNS message: %w", err)
	}
	ans := &Answer{ID: msg.Id, Rcode: msg.Rcode}
	for _, rr := range msg.Answer {
		hdr := rr.Header()
		rec := Record{Name: canonical(hdr.Name), TTL: time.Duration(hdr.Ttl) * time.Second}
		switch v := rr.(type) {
		case *dns.CNAME:
			rec.Alias = canonical(v.Target)
		case *dns.A:
			addr, ok := netip.AddrFromSlice(v.A.To4())
			if !ok {
				continue
			}
			rec.Addr = addr
		case *dns.AAAA:
			addr, ok := netip.AddrFromSlice(v.AAAA.To16())
			if !ok {
				continue
			}
			rec.Addr = addr
		default:
			continue
		}
		ans.Records = append(ans.Records, rec)
	}
	return ans, nil
}

// DecodeAnswer returns only the records of a DNS response.
func DecodeAnswer(payload []byte) ([]Record, error) {
	ans, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return ans.Records, nil
}

// rcodeError maps a failed response code to an error, nil on success.
func rcodeError(rcode int) error {
	if rcode == dns.RcodeSuccess {
		return nil
	}
	if rcode == dns.RcodeNameError {
		return ErrNoAddress
	}
	msg, ok := dns.RcodeToString[rcode]
	if !ok {
		msg = fmt.Sprintf("Rcode: %d", rcode)
	}
	return fmt.Errorf("resolver: unexpected RCode: %s", msg)
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// addresses returns the address records of recs in answer order.
func addresses(recs []Record) []netip.Addr {
	var out []netip.Addr
	for _, r := range recs {
		if !r.IsAlias() {
			out = append(out, r.Addr)
		}
	}
	return out
}

// lastAlias returns the end of the alias chain starting at hostname within
// recs, or "" when hostname is not aliased.
func lastAlias(hostname string, recs []Record) string {
	target := ""
	name := hostname
	for i := 0; i < maxAliasDepth; i++ {
		next := ""
		for _, r := range recs {
			if r.IsAlias() && r.Name == name {
				next = r.Alias
				break
			}
		}
		if next == "" {
			break
		}
		target, name = next, next
	}
	return target
}
