package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-httpcore/internal/resolver"
)

// File is the serializable subset of Options. Durations are strings accepted
// by time.ParseDuration, e.g. "1.5s".
type File struct {
	Resolver         string   `toml:"resolver"`
	Nameservers      []string `toml:"nameservers"`
	DoHURI           string   `toml:"doh_uri"`
	Family           string   `toml:"family"` // "ip", "ip4" or "ip6"
	CacheSize        int      `toml:"cache_size"`
	HostsFile        string   `toml:"hosts_file"`
	ResolverTimeouts []string `toml:"resolver_timeouts"`

	ALPN             []string `toml:"alpn"`
	FallbackProtocol string   `toml:"fallback_protocol"`

	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	OperationTimeout string `toml:"operation_timeout"`

	Proxy         string `toml:"proxy"`
	ProxyUsername string `toml:"proxy_username"`
	ProxyPassword string `toml:"proxy_password"`

	MaxConcurrentRequests int    `toml:"max_concurrent_requests"`
	Coalesce              string `toml:"coalesce"`
	LogLevel              string `toml:"log_level"`
}

// LoadFile reads a TOML file on top of Default. Unknown keys are reported
// as warnings, not errors.
func LoadFile(path string) (*Options, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("options: %s: %w", path, err)
	}
	o, err := f.Options()
	if err != nil {
		return nil, fmt.Errorf("options: %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		o.Log().WithField("key", key.String()).Warn("unknown configuration key ignored")
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("options: %s: %w", path, err)
	}
	return o, nil
}

// Options applies f to Default.
func (f *File) Options() (*Options, error) {
	o := Default()
	if f.Resolver != "" {
		o.Resolver = f.Resolver
	}
	family, err := resolver.ParseFamily(f.Family)
	if err != nil {
		return nil, err
	}
	o.ResolverOptions = resolver.Config{
		Nameservers: f.Nameservers,
		DoHURI:      f.DoHURI,
		Family:      family,
		CacheSize:   f.CacheSize,
		HostsFile:   f.HostsFile,
	}
	for _, s := range f.ResolverTimeouts {
		d, err := parseDuration("resolver_timeouts", s)
		if err != nil {
			return nil, err
		}
		o.ResolverOptions.Timeouts = append(o.ResolverOptions.Timeouts, d)
	}

	o.ALPNProtocols = f.ALPN
	if f.FallbackProtocol != "" {
		o.FallbackProtocol = f.FallbackProtocol
	}
	for _, t := range []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"connect_timeout", f.ConnectTimeout, &o.Timeouts.Connect},
		{"handshake_timeout", f.HandshakeTimeout, &o.Timeouts.Handshake},
		{"operation_timeout", f.OperationTimeout, &o.Timeouts.Operation},
	} {
		if t.src == "" {
			continue
		}
		d, err := parseDuration(t.key, t.src)
		if err != nil {
			return nil, err
		}
		*t.dst = d
	}

	if f.Proxy != "" {
		o.Proxy = &Proxy{URI: f.Proxy, Username: f.ProxyUsername, Password: f.ProxyPassword}
	}
	if f.MaxConcurrentRequests != 0 {
		o.MaxConcurrentRequests = f.MaxConcurrentRequests
	}
	if f.Coalesce != "" {
		o.Coalesce = CoalescePolicy(strings.ToLower(f.Coalesce))
	}
	if f.LogLevel != "" {
		lvl, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return nil, err
		}
		if l, ok := o.Logger.(*logrus.Logger); ok {
			l.SetLevel(lvl)
		}
	}
	return o, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}
