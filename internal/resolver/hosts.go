package resolver

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"
)

const defaultHostsFile = "/etc/hosts"

// Hosts answers lookups from a hosts(5) file, read once on first use.
type Hosts struct {
	path   string
	once   sync.Once
	byName map[string][]netip.Addr
}

func NewHosts(path string) *Hosts {
	if path == "" {
		path = defaultHostsFile
	}
	return &Hosts{path: path}
}

// ParseHosts builds a Hosts from r, mostly useful for tests and for callers
// supplying static mappings.
func ParseHosts(r io.Reader) *Hosts {
	h := &Hosts{}
	h.once.Do(func() { h.byName = parseHosts(r) })
	return h
}

func (h *Hosts) Lookup(hostname string) []netip.Addr {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		f, err := os.Open(h.path)
		if err != nil {
			h.byName = map[string][]netip.Addr{}
			return
		}
		defer f.Close()
		h.byName = parseHosts(f)
	})
	addrs := h.byName[strings.ToLower(hostname)]
	if len(addrs) == 0 {
		return nil
	}
	return append([]netip.Addr(nil), addrs...)
}

func parseHosts(r io.Reader) map[string][]netip.Addr {
	byName := map[string][]netip.Addr{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		addr = addr.WithZone("")
		for _, name := range fields[1:] {
			name = strings.ToLower(strings.TrimSuffix(name, "."))
			byName[name] = append(byName[name], addr)
		}
	}
	return byName
}
