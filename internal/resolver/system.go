package resolver

import (
	"context"
	"net"
	"net/netip"

	"golang.org/x/sync/singleflight"
)

// lookups made through the operating system are shared by every reactor of
// the process, the answer does not depend on who asked.
var systemFlight singleflight.Group

// System resolves with the operating system's resolver, getaddrinfo or the Go
// resolver depending on the build, on a goroutine per hostname.
type System struct {
	*async
	resolver *net.Resolver
}

func NewSystem(cfg Config, deps Deps) (Resolver, error) {
	deps.normalize()
	a, err := newAsync(cfg, deps, "system")
	if err != nil {
		return nil, err
	}
	s := &System{async: a, resolver: net.DefaultResolver}
	a.owner = s
	return s, nil
}

func (s *System) Enqueue(t Target) {
	network := s.cfg.Family.String()
	s.start(t, func(ctx context.Context, hostname string) outcome {
		ch := systemFlight.DoChan(network+"/"+hostname, func() (interface{}, error) {
			return s.resolver.LookupNetIP(ctx, network, hostname)
		})
		select {
		case <-ctx.Done():
			return outcome{err: ctx.Err()}
		case res := <-ch:
			if res.Err != nil {
				return outcome{err: res.Err}
			}
			addrs := res.Val.([]netip.Addr)
			out := make([]netip.Addr, 0, len(addrs))
			for _, a := range addrs {
				out = append(out, a.Unmap())
			}
			return outcome{addrs: out}
		}
	})
}
