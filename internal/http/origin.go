package http

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var schemes = map[string]uint16{
	"http": 80, "https": 443, "socks": 1080, "socks5": 1080, "socks5h": 1080,
}

// DefaultPort returns the well-known port of scheme, 0 if unknown.
func DefaultPort(scheme string) uint16 {
	return schemes[strings.ToLower(scheme)]
}

// Origin identifies the endpoint a connection talks to.
type Origin struct {
	Scheme string
	Host   string // hostname or IP literal, without brackets
	Port   uint16
}

var errNoPort = errors.New("no port given and no default port for scheme")

func OriginOf(u *url.URL) (Origin, error) {
	o := Origin{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Hostname())}
	if o.Host == "" {
		return o, url.InvalidHostError("empty host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return o, err
		}
		o.Port = uint16(n)
	} else if o.Port = DefaultPort(o.Scheme); o.Port == 0 {
		return o, errNoPort
	}
	return o, nil
}

func (o Origin) Secure() bool { return o.Scheme == "https" }

// HostPort is host:port, with brackets around IPv6 literals.
func (o Origin) HostPort() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

func (o Origin) String() string {
	return o.Scheme + "://" + o.HostPort()
}
