package resolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 4096
	maxAliasDepth    = 8
)

// Record is one decoded answer: an address, or an alias pointing at another
// name (CNAME).
type Record struct {
	Name  string
	TTL   time.Duration
	Addr  netip.Addr
	Alias string
}

func (r Record) IsAlias() bool { return r.Alias != "" }

type entry struct {
	addr    netip.Addr
	alias   string
	expires time.Time
}

// Cache holds resolved addresses by hostname together with the DNS query id
// counter. Both are guarded by the same mutex, held only around the
// read-modify-write and never across I/O.
//
// A Cache is meant to be owned by one reactor (or anything else that needs its
// own isolated view); share it explicitly when sharing is wanted.
type Cache struct {
	mu      sync.Mutex
	clock   clock.Clock
	lookups *lru.Cache[string, []entry]
	id      uint16
}

func NewCache(size int, c clock.Clock) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if c == nil {
		c = clock.New()
	}
	lookups, err := lru.New[string, []entry](size)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &Cache{clock: c, lookups: lookups, id: 0xFFFF}
}

// NextID returns the next query identifier, wrapping modulo 65536.
func (c *Cache) NextID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id++
	return c.id
}

// Lookup returns the live addresses of hostname, following aliases. Expired
// entries are dropped here and nowhere else.
func (c *Cache) Lookup(hostname string) []netip.Addr {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := c.lookupLocked(hostname, now, 0, nil)
	if len(addrs) == 0 {
		return nil
	}
	return dedupe(addrs)
}

func (c *Cache) lookupLocked(hostname string, now time.Time, depth int, out []netip.Addr) []netip.Addr {
	if depth > maxAliasDepth {
		return out
	}
	entries, ok := c.lookups.Get(hostname)
	if !ok {
		return out
	}
	live := entries[:0:0]
	for _, e := range entries {
		if e.expires.After(now) {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		c.lookups.Remove(hostname)
		return out
	}
	if len(live) != len(entries) {
		c.lookups.Add(hostname, live)
	}
	for _, e := range live {
		if e.alias != "" {
			out = c.lookupLocked(e.alias, now, depth+1, out)
		} else {
			out = append(out, e.addr)
		}
	}
	return out
}

// Set stores records answered for hostname. IPv4 answers go in front of
// whatever is cached, IPv6 answers after it, so IPv4 is preferred. Records
// owned by another name (the target of an alias) are also filed under that
// name.
func (c *Cache) Set(hostname string, family Family, records []Record) {
	if len(records) == 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	byName := map[string][]entry{}
	names := []string{hostname}
	all := make([]entry, 0, len(records))
	for _, r := range records {
		e := entry{addr: r.Addr, alias: r.Alias, expires: now.Add(r.TTL)}
		all = append(all, e)
		if r.Name != "" && r.Name != hostname {
			if _, seen := byName[r.Name]; !seen {
				names = append(names, r.Name)
			}
			byName[r.Name] = append(byName[r.Name], e)
		}
	}
	byName[hostname] = all
	for _, name := range names {
		add := byName[name]
		cur, _ := c.lookups.Get(name)
		var next []entry
		if family == FamilyIPv6 {
			next = append(append(next, cur...), add...)
		} else {
			next = append(append(next, add...), cur...)
		}
		c.lookups.Add(name, next)
	}
}

// Uncache forgets hostname, e.g. after its addresses proved unreachable.
func (c *Cache) Uncache(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups.Remove(hostname)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups.Len()
}

func dedupe(addrs []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
