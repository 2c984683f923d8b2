package resolver

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/frankli0324/go-httpcore/utils/nettools"
	"github.com/frankli0324/go-httpcore/utils/timers"
)

const (
	resolvConf          = "/etc/resolv.conf"
	udpPacketBufferSize = 1232
	maxReadsPerCall     = 64
)

type query struct {
	id       uint16
	origin   string // what the targets asked for
	hostname string // what is being asked, an alias target after a CNAME
	qtypes   []uint16
	attempt  int
	ns       int
	aliases  int
	packet   []byte
	targets  []Target
	timer    *timers.Timer
	deadline time.Time
	done     bool
}

func (q *query) qtype() uint16 { return q.qtypes[0] }

// Native is a stub resolver speaking DNS over UDP to the configured
// nameservers through one non-blocking socket polled by the reactor.
type Native struct {
	base
	nameservers []netip.AddrPort

	fd      int
	family  int
	queries map[uint16]*query
	byHost  map[string]*query
	outbox  []*query
	buf     []byte
}

func NewNative(cfg Config, deps Deps) (Resolver, error) {
	deps.normalize()
	r := &Native{
		base:    newBase(cfg, deps, "native"),
		fd:      -1,
		queries: map[uint16]*query{},
		byHost:  map[string]*query{},
		buf:     make([]byte, udpPacketBufferSize),
	}
	servers := cfg.Nameservers
	if len(servers) == 0 {
		if cc, err := dns.ClientConfigFromFile(resolvConf); err == nil {
			for _, s := range cc.Servers {
				servers = append(servers, net.JoinHostPort(s, cc.Port))
			}
		} else {
			r.log.WithError(err).Warn("no usable resolv.conf, falling back to localhost")
		}
	}
	if len(servers) == 0 {
		servers = []string{"127.0.0.1"}
	}
	for _, s := range servers {
		ap, err := parseNameserver(s)
		if err != nil {
			return nil, err
		}
		r.nameservers = append(r.nameservers, ap)
	}
	return r, nil
}

func parseNameserver(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	host, port := s, "53"
	if h, p, err := net.SplitHostPort(s); err == nil {
		host, port = h, p
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, errors.New("resolver: nameserver must be an IP address: " + s)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.New("resolver: invalid nameserver port: " + s)
	}
	return netip.AddrPortFrom(addr.Unmap().WithZone(addr.Zone()), uint16(n)), nil
}

func (r *Native) FD() int { return r.fd }

func (r *Native) Interests() nettools.Interest {
	var i nettools.Interest
	if len(r.outbox) > 0 {
		i |= nettools.Writable
	}
	if len(r.queries) > 0 {
		i |= nettools.Readable
	}
	return i
}

func (r *Native) Empty() bool { return len(r.queries) == 0 }

func (r *Native) Enqueue(t Target) {
	if r.closed {
		r.emitError(t, ErrClosed)
		return
	}
	if r.early(t) {
		return
	}
	hostname := t.Hostname()
	if q, ok := r.byHost[hostname]; ok {
		q.targets = append(q.targets, t)
		return
	}
	q := &query{origin: hostname, hostname: hostname, qtypes: r.cfg.Family.qtypes(), targets: []Target{t}}
	r.byHost[hostname] = q
	r.send(q)
}

func (r *Native) send(q *query) {
	if err := r.open(); err != nil {
		r.fail(q, err)
		return
	}
	if r.queries[q.id] == q {
		delete(r.queries, q.id)
	}
	id := r.deps.Cache.NextID()
	for r.queries[id] != nil {
		id = r.deps.Cache.NextID()
	}
	packet, err := EncodeQuery(id, q.hostname, q.qtype())
	if err != nil {
		r.fail(q, err)
		return
	}
	q.id, q.packet = id, packet
	r.queries[id] = q
	r.outbox = append(r.outbox, q)

	timeout := r.cfg.timeouts()[q.attempt]
	if q.timer != nil {
		q.timer.Cancel()
	}
	q.deadline = r.deps.Timers.Now().Add(timeout)
	q.timer = r.deps.Timers.After(timeout, func() { r.onTimeout(q) })
	r.log.WithFields(logrus.Fields{
		"host": q.hostname, "qtype": dns.TypeToString[q.qtype()], "id": id, "ns": r.nameservers[q.ns].String(),
	}).Debug("query")
}

func (r *Native) open() error {
	if r.fd >= 0 {
		return nil
	}
	family := unix.AF_INET
	for _, ns := range r.nameservers {
		if ns.Addr().Is6() {
			family = unix.AF_INET6
		}
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	if family == unix.AF_INET6 {
		// dual stack, v4 nameservers are reached through mapped addresses
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	r.fd, r.family = fd, family
	return nil
}

func (r *Native) sockaddr(ap netip.AddrPort) unix.Sockaddr {
	if r.family == unix.AF_INET6 {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
}

func (r *Native) Call(ready nettools.Interest) {
	if ready.Writable() {
		r.flush()
	}
	if ready.Readable() {
		r.read()
	}
}

func (r *Native) flush() {
	for len(r.outbox) > 0 {
		q := r.outbox[0]
		if !q.done && r.queries[q.id] == q {
			err := unix.Sendto(r.fd, q.packet, 0, r.sockaddr(r.nameservers[q.ns]))
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			if err != nil {
				r.fail(q, err)
			}
		}
		r.outbox = r.outbox[1:]
	}
}

func (r *Native) read() {
	for i := 0; i < maxReadsPerCall && len(r.queries) > 0; i++ {
		n, from, err := unix.Recvfrom(r.fd, r.buf, 0)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		if err != nil {
			// ICMP errors on UDP sockets surface here, e.g. ECONNREFUSED
			r.log.WithError(err).Debug("read failed")
			return
		}
		ans, err := Decode(r.buf[:n])
		if err != nil {
			r.log.WithError(err).Debug("invalid response")
			continue
		}
		q := r.queries[ans.ID]
		if q == nil || !sameAddrPort(from, r.nameservers[q.ns]) {
			continue
		}
		r.answer(q, ans)
	}
}

func sameAddrPort(sa unix.Sockaddr, want netip.AddrPort) bool {
	var got netip.AddrPort
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		got = netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		got = netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	default:
		return false
	}
	return got.Addr() == want.Addr().WithZone("") && got.Port() == want.Port()
}

func (r *Native) answer(q *query, ans *Answer) {
	if err := rcodeError(ans.Rcode); err != nil && err != ErrNoAddress {
		r.next(q, err)
		return
	}
	addrs := addresses(ans.Records)
	if len(addrs) > 0 {
		r.deps.Cache.Set(q.origin, familyOf(q.qtype()), ans.Records)
		r.finish(q)
		for _, t := range q.targets {
			r.emitAddresses(t, addrs)
		}
		return
	}
	if alias := lastAlias(q.hostname, ans.Records); alias != "" && q.aliases < maxAliasDepth {
		r.deps.Cache.Set(q.origin, familyOf(q.qtype()), ans.Records)
		q.hostname = alias
		q.aliases++
		q.attempt = 0
		r.send(q)
		return
	}
	r.next(q, ErrNoAddress)
}

// next moves q to its next question type, or fails it with err.
func (r *Native) next(q *query, err error) {
	if len(q.qtypes) > 1 {
		q.qtypes = q.qtypes[1:]
		q.hostname = q.origin
		q.attempt = 0
		r.send(q)
		return
	}
	r.fail(q, err)
}

func (r *Native) onTimeout(q *query) {
	if q.done {
		return
	}
	q.attempt++
	if q.attempt < len(r.cfg.timeouts()) {
		r.send(q)
		return
	}
	if q.ns+1 < len(r.nameservers) {
		q.ns++
		q.attempt = 0
		r.send(q)
		return
	}
	r.fail(q, ErrTimeout)
}

func (r *Native) finish(q *query) {
	q.done = true
	if q.timer != nil {
		q.timer.Cancel()
	}
	if r.queries[q.id] == q {
		delete(r.queries, q.id)
	}
	if r.byHost[q.origin] == q {
		delete(r.byHost, q.origin)
	}
}

func (r *Native) fail(q *query, err error) {
	r.finish(q)
	for _, t := range q.targets {
		r.emitError(t, err)
	}
}

func (r *Native) Timeout() (time.Duration, bool) {
	var (
		soonest time.Duration
		ok      bool
	)
	now := r.deps.Timers.Now()
	for _, q := range r.queries {
		if d := q.deadline.Sub(now); !ok || d < soonest {
			soonest, ok = d, true
		}
	}
	return soonest, ok
}

func (r *Native) HandleError(err error) {
	for _, q := range r.byHost {
		r.fail(q, err)
	}
}

func (r *Native) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.HandleError(ErrClosed)
	r.outbox = nil
	defer r.emitClose(r)
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}
