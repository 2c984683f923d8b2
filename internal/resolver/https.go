package resolver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

const (
	dnsMessageType   = "application/dns-message"
	maxDNSMessageLen = 65535
)

var errIDMismatch = errors.New("resolver: DoH answer does not match the query id")

// HTTPS resolves over DNS-over-HTTPS (RFC 8484), one POST per question.
type HTTPS struct {
	*async
	uri    string
	client *http.Client
}

func NewHTTPS(cfg Config, deps Deps) (Resolver, error) {
	deps.normalize()
	uri := cfg.DoHURI
	if uri == "" {
		uri = defaultDoHURI
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid DoH uri: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("resolver: DoH uri must be https: %s", uri)
	}
	a, err := newAsync(cfg, deps, "https")
	if err != nil {
		return nil, err
	}
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	h := &HTTPS{
		async: a,
		uri:   uri,
		client: &http.Client{
			Transport: &http2.Transport{TLSClientConfig: tlsConfig.Clone()},
		},
	}
	a.owner = h
	return h, nil
}

func (h *HTTPS) Enqueue(t Target) {
	family := h.cfg.Family
	h.start(t, func(ctx context.Context, hostname string) outcome {
		var (
			records []Record
			lastErr error
		)
		// one question per request, A answers are filed first
		for _, qtype := range family.qtypes() {
			recs, err := h.exchange(ctx, hostname, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			records = append(records, recs...)
		}
		if len(addresses(records)) == 0 {
			if lastErr == nil {
				lastErr = ErrNoAddress
			}
			return outcome{err: lastErr}
		}
		return outcome{family: family, records: records}
	})
}

func (h *HTTPS) exchange(ctx context.Context, hostname string, qtype uint16) ([]Record, error) {
	id := h.deps.Cache.NextID()
	packet, err := EncodeQuery(id, hostname, qtype)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.uri, bytes.NewReader(packet))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver: DoH server answered %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDNSMessageLen))
	if err != nil {
		return nil, err
	}
	ans, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if ans.ID != id {
		return nil, errIDMismatch
	}
	h.log.WithField("host", hostname).WithField("rtt", time.Since(start)).Debug("doh answer")
	if err := rcodeError(ans.Rcode); err != nil {
		return nil, err
	}
	return ans.Records, nil
}

func (h *HTTPS) Close() error {
	h.client.CloseIdleConnections()
	return h.async.Close()
}
