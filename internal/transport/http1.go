package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/frankli0324/go-httpcore/internal/http"
	"github.com/frankli0324/go-httpcore/internal/transport/chunked"
)

const maxHeaderBytes = 1 << 20

var (
	errUnsolicited    = errors.New("http: response received without a pending request")
	errHeaderTooLarge = errors.New("http: response header too large")
)

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// http1 pipelines requests in order and parses responses as bytes arrive.
// A response is handed over once its body is complete.
type http1 struct {
	cfg      Config
	queue    []*http.PreparedRequest
	inflight []*http.PreparedRequest

	buf    bytes.Buffer
	resp   *http.Response // head parsed, body still incoming
	mode   bodyMode
	length int64
}

func newHTTP1(cfg Config) *http1 {
	return &http1{cfg: cfg}
}

func (t *http1) Protocol() string { return "http/1.1" }

func (t *http1) Send(req *http.PreparedRequest) {
	t.queue = append(t.queue, req)
}

func (t *http1) Inflight() int { return len(t.inflight) }

func (t *http1) Pending() []*http.PreparedRequest {
	out := make([]*http.PreparedRequest, 0, len(t.inflight)+len(t.queue))
	out = append(out, t.inflight...)
	return append(out, t.queue...)
}

func (t *http1) Consume(w *bytes.Buffer) error {
	for len(t.queue) > 0 && len(t.inflight) < t.cfg.MaxConcurrentRequests {
		req := t.queue[0]
		if err := t.write(w, req); err != nil {
			return err
		}
		t.queue = t.queue[1:]
		t.inflight = append(t.inflight, req)
	}
	return nil
}

func (t *http1) write(w *bytes.Buffer, r *http.PreparedRequest) error {
	body, err := r.GetBody() // can write body
	if err != nil {
		return err
	}
	defer body.Close() // request body is ALWAYS closed
	hasBody := body != http.NoBody

	chunk := hasBody && r.ContentLength == -1
	t.writeHeader(w, r, chunk)
	if !hasBody {
		return nil
	}
	if chunk {
		cw := chunked.NewChunkedWriter(w)
		if _, err := io.Copy(cw, body); err != nil {
			return err
		}
		return cw.CloseWithTrailer(nil)
	}
	_, err = io.Copy(w, body)
	return err
}

// writeHeader writes the status and header part of an http 1.1 request
// e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: www.google.com\r\n
//	X-Xx-Yy: cccccc\r\n
//	\r\n
func (t *http1) writeHeader(w *bytes.Buffer, r *http.PreparedRequest, chunk bool) {
	w.WriteString(r.Method)
	w.WriteByte(' ')
	w.WriteString(r.U.RequestURI())
	w.WriteString(" HTTP/1.1\r\n")

	w.WriteString("Host: ")
	w.WriteString(r.HeaderHost)
	w.WriteString("\r\n")
	if r.ContentLength != -1 {
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.FormatInt(r.ContentLength, 10))
		w.WriteString("\r\n")
	} else if chunk {
		w.WriteString("Transfer-Encoding: chunked\r\n")
	}
	for k, v := range r.Header {
		for _, v := range v {
			w.WriteString(k)
			w.WriteString(": ")
			w.WriteString(v)
			w.WriteString("\r\n")
		}
	}
	w.WriteString("\r\n")
}

func (t *http1) Feed(p []byte) error {
	t.buf.Write(p)
	return t.parse()
}

func (t *http1) parse() error {
	for {
		if t.resp == nil {
			if t.buf.Len() == 0 {
				return nil
			}
			if len(t.inflight) == 0 {
				return errUnsolicited
			}
			end := bytes.Index(t.buf.Bytes(), []byte("\r\n\r\n"))
			if end < 0 {
				if t.buf.Len() > maxHeaderBytes {
					return errHeaderTooLarge
				}
				return nil
			}
			resp, err := readHead(t.buf.Next(end + 4))
			if err != nil {
				return err
			}
			if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != 101 {
				continue // interim response
			}
			if err := t.readTransfer(t.inflight[0], resp); err != nil {
				return err
			}
			t.resp = resp
		}

		switch t.mode {
		case bodyNone:
			t.complete(nil)
		case bodyLength:
			if int64(t.buf.Len()) < t.length {
				return nil
			}
			t.complete(append([]byte(nil), t.buf.Next(int(t.length))...))
		case bodyChunked:
			data := t.buf.Bytes()
			src := bytes.NewReader(data)
			br := bufio.NewReader(src)
			body, err := io.ReadAll(chunked.NewChunkedReader(br))
			if err == io.ErrUnexpectedEOF {
				return nil // wait for the rest
			}
			if err != nil {
				return err
			}
			t.buf.Next(len(data) - br.Buffered() - src.Len())
			t.complete(body)
		case bodyUntilClose:
			return nil
		}
	}
}

func readHead(head []byte) (*http.Response, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	resp := &http.Response{}

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return nil, errors.New("malformed HTTP response")
	}
	resp.Proto = proto
	resp.Status = strings.TrimLeft(status, " ")

	statusCode, _, _ := strings.Cut(resp.Status, " ")
	if len(statusCode) != 3 {
		return nil, errors.New("malformed HTTP status code " + statusCode)
	}
	resp.StatusCode, err = strconv.Atoi(statusCode)
	if err != nil || resp.StatusCode < 0 {
		return nil, errors.New("malformed HTTP status code")
	}

	// Parse the response headers.
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	if hp, ok := mimeHeader["Pragma"]; ok && len(hp) > 0 && hp[0] == "no-cache" {
		if _, presentcc := mimeHeader["Cache-Control"]; !presentcc {
			mimeHeader["Cache-Control"] = []string{"no-cache"}
		}
	}
	resp.Header = http.Header(mimeHeader)
	return resp, nil
}

func (t *http1) readTransfer(req *http.PreparedRequest, resp *http.Response) error {
	contentLens := resp.Header["Content-Length"]

	// Hardening against HTTP request smuggling, taken from standard library
	if len(contentLens) > 1 {
		// Per RFC 7230 Section 3.3.2
		first := textproto.TrimString(contentLens[0])
		for _, ct := range contentLens[1:] {
			if first != textproto.TrimString(ct) {
				return fmt.Errorf("http: message cannot contain multiple Content-Length headers; got %q", contentLens)
			}
		}

		// deduplicate Content-Length
		resp.Header.Del("Content-Length")
		resp.Header.Add("Content-Length", first)

		contentLens = resp.Header["Content-Length"]
	}

	cl := int64(-1)
	if len(contentLens) > 0 {
		// Logic based on Content-Length
		n, err := strconv.ParseUint(textproto.TrimString(contentLens[0]), 10, 63)
		if err != nil {
			return fmt.Errorf("http: bad Content-Length %q", contentLens[0])
		}
		cl = int64(n)
	}

	switch {
	case req.Method == "HEAD" || resp.StatusCode == 204 || resp.StatusCode == 304:
		t.mode = bodyNone
		resp.ContentLength = cl
	case strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked"):
		resp.Header.Del("Content-Length")
		t.mode = bodyChunked
	case cl >= 0:
		t.mode, t.length = bodyLength, cl
	default:
		t.mode = bodyUntilClose
	}
	return nil
}

func (t *http1) complete(body []byte) {
	resp := t.resp
	if t.mode != bodyNone {
		resp.ContentLength = int64(len(body))
	}
	if len(body) == 0 {
		resp.Body = http.NoBody
	} else {
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	req := t.inflight[0]
	t.inflight = t.inflight[1:]
	t.resp, t.mode, t.length = nil, bodyNone, 0
	if t.cfg.Callbacks.Response != nil {
		t.cfg.Callbacks.Response(req, resp)
	}
}

// Close ends a body delimited by the connection closing. Any other partial
// response is an unexpected EOF.
func (t *http1) Close() error {
	if t.resp != nil && t.mode == bodyUntilClose {
		t.complete(append([]byte(nil), t.buf.Next(t.buf.Len())...))
		return nil
	}
	if t.resp != nil || t.buf.Len() > 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}
