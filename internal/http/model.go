package http

import (
	"fmt"
	"io"
	"net/http"
)

type Request struct {
	Method string
	URL    string
	Body   interface{}
	Header http.Header
}

type Response struct {
	Proto      string
	Status     string
	StatusCode int
	Header     http.Header

	ContentLength int64
	Body          io.ReadCloser
}

// ErrorResponse is handed to a request in place of a real response when the
// transport failed before one could be read, e.g. a tunnel negotiation error.
// Retrying is left to whoever observes it.
type ErrorResponse struct {
	Request *PreparedRequest
	Err     error
}

func (e *ErrorResponse) Error() string {
	if e.Request == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %v", e.Request.Method, e.Request.U.Redacted(), e.Err)
}

func (e *ErrorResponse) Unwrap() error { return e.Err }
