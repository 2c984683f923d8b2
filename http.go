// Package httpcore is the transport core of an HTTP client: a non-blocking
// reactor that resolves, connects, tunnels and pools connections, then hands
// established byte streams to a protocol parser.
package httpcore

import (
	"github.com/frankli0324/go-httpcore/internal/events"
	"github.com/frankli0324/go-httpcore/internal/http"
)

type Header = http.Header
type Request = http.Request
type PreparedRequest = http.PreparedRequest
type Response = http.Response
type ErrorResponse = http.ErrorResponse

type Event = events.Event
type EventKind = events.Kind
type Observer = events.Observer
type ObserverFunc = events.ObserverFunc

const (
	EventOpen        = events.Open
	EventClose       = events.Close
	EventError       = events.Error
	EventUnreachable = events.Unreachable
	EventPong        = events.Pong
	EventResponse    = events.Response
)
