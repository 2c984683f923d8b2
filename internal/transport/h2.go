package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	nhttp "net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/frankli0324/go-httpcore/internal/http"
)

const (
	frameHeaderLen = 9
	maxStreamID    = 1<<31 - 1
)

var (
	errPushDisabled  = errors.New("http2: PUSH_PROMISE received with push disabled")
	errDataBeforeHdr = errors.New("http2: DATA received before response headers")
	errStreamIDs     = errors.New("http2: stream ids exhausted")
)

// StreamError is a stream the server reset.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("http2: stream %d reset by server: %v", e.StreamID, e.Code)
}

// GoAwayError is returned when a GOAWAY leaves requests unanswered, or
// reports an error.
type GoAwayError struct {
	LastStreamID uint32
	Code         http2.ErrCode
	Debug        string
}

func (e *GoAwayError) Error() string {
	return fmt.Sprintf("http2: server sent GOAWAY, last stream %d, code %v, debug %q", e.LastStreamID, e.Code, e.Debug)
}

// connection-specific header fields are not allowed in HTTP/2
var connectionHeaders = map[string]bool{
	"connection":        true,
	"host":              true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

type h2stream struct {
	id      uint32
	req     *http.PreparedRequest
	body    []byte // not yet written
	sending bool   // END_STREAM not yet written
	window  int64
	resp    *http.Response
	data    bytes.Buffer
}

// h2 multiplexes requests as streams of one HTTP/2 connection. It never
// blocks: frames are written into a buffer drained by Consume, and Feed
// only parses frames that arrived whole.
type h2 struct {
	cfg      Config
	settings *peerSettings
	queue    []*http.PreparedRequest
	streams  []*h2stream // in send order
	nextID   uint32
	window   int64 // connection level send window
	started  bool
	goaway   *GoAwayError
	pings    uint64

	out    bytes.Buffer
	in     bytes.Buffer
	framer *http2.Framer

	enc  *hpack.Encoder
	hbuf bytes.Buffer
	dec  *hpack.Decoder

	// header block being received, HEADERS then CONTINUATIONs
	block       []byte
	blockStream uint32
	blockEnds   bool
}

func newH2(cfg Config) *h2 {
	t := &h2{cfg: cfg, settings: newPeerSettings(), nextID: 1, window: 65535}
	t.framer = http2.NewFramer(&t.out, &t.in)
	t.enc = hpack.NewEncoder(&t.hbuf)
	t.dec = hpack.NewDecoder(4096, nil)
	t.dec.SetMaxStringLength(maxHeaderBytes)

	t.settings.On(http2.SettingHeaderTableSize, func(value uint32) {
		t.enc.SetMaxDynamicTableSizeLimit(value)
	})
	t.settings.On(http2.SettingInitialWindowSize, func(value uint32) {
		delta := int64(value) - int64(t.settings.InitialWindowSize)
		for _, s := range t.streams {
			s.window += delta
		}
	})
	return t
}

func (t *h2) Protocol() string { return "h2" }

func (t *h2) Send(req *http.PreparedRequest) {
	t.queue = append(t.queue, req)
}

func (t *h2) Inflight() int { return len(t.streams) }

func (t *h2) Pending() []*http.PreparedRequest {
	out := make([]*http.PreparedRequest, 0, len(t.streams)+len(t.queue))
	for _, s := range t.streams {
		out = append(out, s.req)
	}
	return append(out, t.queue...)
}

// Ping asks the server for a PING ack, reported through Callbacks.Pong.
func (t *h2) Ping() error {
	t.pings++
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], t.pings)
	return t.framer.WritePing(false, data)
}

func (t *h2) Consume(w *bytes.Buffer) error {
	if !t.started {
		t.started = true
		t.out.WriteString(http2.ClientPreface)
		err := t.framer.WriteSettings(
			http2.Setting{ID: http2.SettingEnablePush, Val: 0},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderBytes},
		)
		if err != nil {
			return err
		}
	}
	for len(t.queue) > 0 && t.goaway == nil && uint32(len(t.streams)) < t.settings.MaxConcurrentStreams {
		req := t.queue[0]
		t.queue = t.queue[1:]
		if err := t.open(req); err != nil {
			return err
		}
	}
	for _, s := range t.streams {
		if err := t.writeBody(s); err != nil {
			return err
		}
	}
	w.Write(t.out.Bytes())
	t.out.Reset()
	return nil
}

func (t *h2) open(req *http.PreparedRequest) error {
	if t.nextID > maxStreamID {
		return errStreamIDs
	}
	rc, err := req.GetBody()
	if err != nil {
		return err
	}
	var body []byte
	if rc != http.NoBody {
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	s := &h2stream{id: t.nextID, req: req, body: body, sending: len(body) > 0, window: int64(t.settings.InitialWindowSize)}
	t.nextID += 2

	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":authority", Value: req.HeaderHost},
		{Name: ":scheme", Value: req.U.Scheme},
		{Name: ":path", Value: req.U.RequestURI()},
	}
	for k, vs := range req.Header {
		k = strings.ToLower(k)
		if connectionHeaders[k] {
			continue
		}
		for _, v := range vs {
			fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		}
	}
	if len(body) > 0 {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(body))})
	}
	var total uint32
	for _, f := range fields {
		total += f.Size()
	}
	if total > t.settings.MaxWriteHeaderListSize {
		return errors.New("http2: request header list larger than peer's advertised limit")
	}

	t.hbuf.Reset()
	for _, f := range fields {
		t.enc.WriteField(f)
	}
	block, size := t.hbuf.Bytes(), int(t.settings.MaxWriteFrameSize)
	for first := true; first || len(block) > 0; first = false {
		chunk := block
		if len(chunk) > size {
			chunk = chunk[:size]
		}
		block = block[len(chunk):]
		if first {
			err = t.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      s.id,
				BlockFragment: chunk,
				EndStream:     !s.sending,
				EndHeaders:    len(block) == 0,
			})
		} else {
			err = t.framer.WriteContinuation(s.id, len(block) == 0, chunk)
		}
		if err != nil {
			return err
		}
	}
	t.streams = append(t.streams, s)
	return nil
}

// writeBody writes as much of the request body as both windows allow.
func (t *h2) writeBody(s *h2stream) error {
	for s.sending {
		n := min(int64(len(s.body)), int64(t.settings.MaxWriteFrameSize), t.window, s.window)
		if n <= 0 {
			return nil
		}
		last := n == int64(len(s.body))
		if err := t.framer.WriteData(s.id, last, s.body[:n]); err != nil {
			return err
		}
		s.body = s.body[n:]
		t.window -= n
		s.window -= n
		s.sending = !last
	}
	return nil
}

func (t *h2) stream(id uint32) *h2stream {
	for _, s := range t.streams {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (t *h2) Feed(p []byte) error {
	t.in.Write(p)
	for t.in.Len() >= frameHeaderLen {
		b := t.in.Bytes()
		length := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		if t.in.Len() < frameHeaderLen+length {
			return nil
		}
		f, err := t.framer.ReadFrame()
		if err != nil {
			return err
		}
		if err := t.handle(f); err != nil {
			return err
		}
	}
	return nil
}

func (t *h2) handle(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		if err := t.settings.UpdateFrom(f); err != nil {
			return err
		}
		return t.framer.WriteSettingsAck()
	case *http2.PingFrame:
		if !f.IsAck() {
			return t.framer.WritePing(true, f.Data)
		}
		if t.cfg.Callbacks.Pong != nil {
			t.cfg.Callbacks.Pong()
		}
	case *http2.WindowUpdateFrame:
		inc := int64(f.Increment)
		if f.StreamID == 0 {
			if t.window+inc > maxWindow {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
			t.window += inc
		} else if s := t.stream(f.StreamID); s != nil {
			s.window += inc
		}
	case *http2.HeadersFrame:
		t.block = append(t.block[:0], f.HeaderBlockFragment()...)
		t.blockStream, t.blockEnds = f.StreamID, f.StreamEnded()
		if f.HeadersEnded() {
			return t.endHeaders()
		}
	case *http2.ContinuationFrame:
		t.block = append(t.block, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return t.endHeaders()
		}
	case *http2.DataFrame:
		return t.onData(f)
	case *http2.RSTStreamFrame:
		if t.stream(f.StreamID) != nil {
			return &StreamError{StreamID: f.StreamID, Code: f.ErrCode}
		}
	case *http2.GoAwayFrame:
		t.goaway = &GoAwayError{LastStreamID: f.LastStreamID, Code: f.ErrCode, Debug: string(f.DebugData())}
		if f.ErrCode != http2.ErrCodeNo {
			return t.goaway
		}
		for _, s := range t.streams {
			if s.id > f.LastStreamID {
				return t.goaway
			}
		}
	case *http2.PushPromiseFrame:
		return errPushDisabled
	}
	return nil
}

func (t *h2) endHeaders() error {
	fields, err := t.dec.DecodeFull(t.block)
	if err != nil {
		return err
	}
	s := t.stream(t.blockStream)
	if s == nil {
		return nil
	}
	if s.resp != nil {
		// trailers
		if t.blockEnds {
			t.complete(s)
		}
		return nil
	}
	resp := &http.Response{Proto: "HTTP/2.0", Header: http.Header{}, ContentLength: -1}
	status := ""
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if f.Name != ":status" {
				return fmt.Errorf("http2: invalid response pseudo header %q", f.Name)
			}
			status = f.Value
			continue
		}
		resp.Header.Add(f.Name, f.Value)
	}
	code, err := strconv.Atoi(status)
	if err != nil || code < 100 || code > 999 {
		return fmt.Errorf("http2: malformed :status %q", status)
	}
	if code < 200 {
		return nil // informational, the final response follows
	}
	resp.StatusCode = code
	resp.Status = status + " " + nhttp.StatusText(code)
	s.resp = resp
	if t.blockEnds {
		t.complete(s)
	}
	return nil
}

func (t *h2) onData(f *http2.DataFrame) error {
	// padding counts against flow control too
	if n := f.Header().Length; n > 0 {
		if err := t.framer.WriteWindowUpdate(0, n); err != nil {
			return err
		}
		if !f.StreamEnded() && t.stream(f.StreamID) != nil {
			if err := t.framer.WriteWindowUpdate(f.StreamID, n); err != nil {
				return err
			}
		}
	}
	s := t.stream(f.StreamID)
	if s == nil {
		return nil
	}
	if s.resp == nil {
		return errDataBeforeHdr
	}
	s.data.Write(f.Data())
	if f.StreamEnded() {
		t.complete(s)
	}
	return nil
}

func (t *h2) complete(s *h2stream) {
	for i, x := range t.streams {
		if x == s {
			t.streams = append(t.streams[:i], t.streams[i+1:]...)
			break
		}
	}
	if s.sending {
		// the server answered before reading the whole body
		t.framer.WriteRSTStream(s.id, http2.ErrCodeNo)
	}
	resp := s.resp
	if s.req.Method != "HEAD" {
		resp.ContentLength = int64(s.data.Len())
	} else if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		resp.ContentLength = cl
	}
	if s.data.Len() == 0 {
		resp.Body = http.NoBody
	} else {
		resp.Body = io.NopCloser(bytes.NewReader(s.data.Bytes()))
	}
	if t.cfg.Callbacks.Response != nil {
		t.cfg.Callbacks.Response(s.req, resp)
	}
}

// Close reports requests left without a response as an unexpected EOF.
func (t *h2) Close() error {
	if len(t.streams) > 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}
