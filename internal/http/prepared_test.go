package http

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginOf(t *testing.T) {
	cases := map[string]struct {
		url  string
		want Origin
		err  bool
	}{
		"DefaultHTTP":    {url: "http://Example.com/x", want: Origin{"http", "example.com", 80}},
		"DefaultHTTPS":   {url: "https://example.com", want: Origin{"https", "example.com", 443}},
		"ExplicitPort":   {url: "http://example.com:8080", want: Origin{"http", "example.com", 8080}},
		"IPv6":           {url: "https://[::1]:8443/", want: Origin{"https", "::1", 8443}},
		"Socks5":         {url: "socks5://proxy", want: Origin{"socks5", "proxy", 1080}},
		"UnknownScheme":  {url: "gopher://example.com", err: true},
		"EmptyHost":      {url: "http:///path", err: true},
		"PortOutOfRange": {url: "http://example.com:70000", err: true},
	}
	for name, cas := range cases {
		cas := cas
		t.Run(name, func(t *testing.T) {
			u, err := url.Parse(cas.url)
			require.NoError(t, err)
			got, err := OriginOf(u)
			if cas.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, cas.want, got)
		})
	}
	assert.Equal(t, "https://[::1]:8443", Origin{"https", "::1", 8443}.String())
}

func TestPrepare(t *testing.T) {
	pr, err := (&Request{
		URL:    "http://www.example.com/test?1=33=1",
		Header: http.Header{"host": {"other.example"}, "X-A": {"1"}},
		Body:   "hello",
	}).Prepare()
	require.NoError(t, err)
	assert.Equal(t, "GET", pr.Method)
	assert.Equal(t, "other.example", pr.HeaderHost)
	assert.Equal(t, int64(5), pr.ContentLength)
	assert.NotContains(t, pr.Header, "host")
	assert.Equal(t, Origin{"http", "www.example.com", 80}, pr.Origin)

	body, err := pr.GetBody()
	require.NoError(t, err)
	b, _ := io.ReadAll(body)
	assert.Equal(t, "hello", string(b))

	_, err = (&Request{
		URL:    "http://www.example.com/",
		Header: http.Header{"Content-Length": {"3"}},
		Body:   "hello",
	}).Prepare()
	assert.Error(t, err)
}

func TestPrepareStreamingBodyOnce(t *testing.T) {
	pr, err := (&Request{URL: "http://example.com", Body: io.NopCloser(strings.NewReader("x"))}).Prepare()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pr.ContentLength)
	_, err = pr.GetBody()
	require.NoError(t, err)
	_, err = pr.GetBody()
	assert.ErrorIs(t, err, http.ErrBodyReadAfterClose)
}
