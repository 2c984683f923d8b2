package transport

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/frankli0324/go-httpcore/internal/http"
)

// Parser speaks one wire protocol over an established byte stream. It never
// touches a socket: the connection feeds it what was read and drains what it
// wants written.
type Parser interface {
	Protocol() string
	// Send queues req. Requests are serialized in the order they are sent.
	Send(req *http.PreparedRequest)
	// Consume serializes queued requests into w, as many as the protocol
	// allows to be outstanding.
	Consume(w *bytes.Buffer) error
	// Feed parses bytes read off the wire. Completed responses are handed to
	// Callbacks.Response before Feed returns.
	Feed(p []byte) error
	// Inflight is the number of requests written and still awaiting a
	// response.
	Inflight() int
	// Pending returns every request without a response, written or not, in
	// send order.
	Pending() []*http.PreparedRequest
	// Close tells the parser the peer closed the stream.
	Close() error
}

// Pinger is implemented by parsers of protocols with a ping frame.
type Pinger interface {
	Ping() error
}

type Callbacks struct {
	Response func(req *http.PreparedRequest, resp *http.Response)
	// Pong is called when the peer answers a ping, for protocols that have
	// them.
	Pong func()
}

type Config struct {
	// MaxConcurrentRequests bounds how many requests are written before their
	// responses arrive, 1 disables pipelining. h2 goes by the server's
	// SETTINGS_MAX_CONCURRENT_STREAMS instead.
	MaxConcurrentRequests int
	Callbacks             Callbacks
}

type Factory func(cfg Config) Parser

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
	// preference order offered over ALPN
	preference = []string{"h2", "http/1.1"}
)

func Register(protocol string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[protocol] = f
}

func Registered(protocol string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[protocol]
	return ok
}

// Protocols lists registered protocols, best first: h2 before http/1.1,
// anything else registered after those in name order.
func Protocols() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out []string
	known := map[string]bool{}
	for _, p := range preference {
		known[p] = true
		if _, ok := registry[p]; ok {
			out = append(out, p)
		}
	}
	var rest []string
	for p := range registry {
		if !known[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func New(protocol string, cfg Config) (Parser, error) {
	registryMu.RLock()
	f, ok := registry[protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no parser registered for %q", protocol)
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	return f(cfg), nil
}

func init() {
	Register("http/1.1", func(cfg Config) Parser { return newHTTP1(cfg) })
	Register("h2", func(cfg Config) Parser { return newH2(cfg) })
}
