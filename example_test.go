package httpcore

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
)

func ExampleNewPool() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.Resolver = "native"
	p, err := NewPool(opts)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer p.Close()

	u, _ := url.Parse(srv.URL)
	conn, err := p.Connection(u, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	req, err := (&Request{Method: "GET", URL: srv.URL + "/pool"}).Prepare()
	if err != nil {
		fmt.Println(err)
		return
	}

	done := false
	conn.On(EventResponse, ObserverFunc(func(e Event) {
		done = true
		if e.Err != nil {
			fmt.Println(e.Err)
			return
		}
		defer e.Response.Body.Close()
		b, _ := io.ReadAll(e.Response.Body)
		fmt.Println(e.Response.StatusCode, string(b))
	}))
	conn.Send(req)
	for !done {
		if err := p.Tick(); err != nil {
			fmt.Println(err)
			return
		}
	}
	// Output: 200 hello from /pool
}
