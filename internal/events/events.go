// Package events carries what a connection reports to the layers observing
// it: pooling, retries, instrumentation. Observers are called synchronously
// on the reactor goroutine in the order events happen.
package events

import (
	"github.com/frankli0324/go-httpcore/internal/http"
)

type Kind int

const (
	Open Kind = iota
	Close
	Error
	Unreachable
	Pong
	Response
)

func (k Kind) String() string {
	switch k {
	case Open:
		return "open"
	case Close:
		return "close"
	case Error:
		return "error"
	case Unreachable:
		return "unreachable"
	case Pong:
		return "pong"
	case Response:
		return "response"
	}
	return "unknown"
}

type Event struct {
	Kind Kind
	Err  error

	// set on Response events. Response is nil when Err is an
	// *http.ErrorResponse
	Request  *http.PreparedRequest
	Response *http.Response
}

type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type subscription struct {
	id   int
	kind Kind
	any  bool
	once bool
	obs  Observer
}

// Emitter keeps subscriptions in registration order. The zero value is ready
// to use.
type Emitter struct {
	subs   []subscription
	nextID int
}

// Subscription cancels a registration when called.
type Subscription func()

// Subscribe registers obs for every event.
func (e *Emitter) Subscribe(obs Observer) Subscription {
	return e.add(subscription{any: true, obs: obs})
}

// On registers obs for events of kind k.
func (e *Emitter) On(k Kind, obs Observer) Subscription {
	return e.add(subscription{kind: k, obs: obs})
}

// Once registers obs for the next event of kind k only.
func (e *Emitter) Once(k Kind, obs Observer) Subscription {
	return e.add(subscription{kind: k, once: true, obs: obs})
}

func (e *Emitter) add(s subscription) Subscription {
	e.nextID++
	s.id = e.nextID
	e.subs = append(e.subs, s)
	return func() { e.remove(s.id) }
}

func (e *Emitter) remove(id int) {
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to the observers registered at the time of the call.
func (e *Emitter) Emit(ev Event) {
	subs := append([]subscription(nil), e.subs...)
	for _, s := range subs {
		if !s.any && s.kind != ev.Kind {
			continue
		}
		if s.once {
			e.remove(s.id)
		}
		s.obs.Observe(ev)
	}
}

func (e *Emitter) Len() int { return len(e.subs) }
