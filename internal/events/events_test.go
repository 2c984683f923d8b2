package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterOrderAndFiltering(t *testing.T) {
	var e Emitter
	var got []string
	e.Subscribe(ObserverFunc(func(ev Event) { got = append(got, "all:"+ev.Kind.String()) }))
	e.On(Error, ObserverFunc(func(ev Event) { got = append(got, "err:"+ev.Err.Error()) }))
	e.Once(Open, ObserverFunc(func(ev Event) { got = append(got, "once") }))

	e.Emit(Event{Kind: Open})
	e.Emit(Event{Kind: Open})
	e.Emit(Event{Kind: Error, Err: errors.New("boom")})

	assert.Equal(t, []string{"all:open", "once", "all:open", "all:error", "err:boom"}, got)
	assert.Equal(t, 2, e.Len())
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	var e Emitter
	calls := 0
	var cancel Subscription
	cancel = e.Subscribe(ObserverFunc(func(Event) { calls++; cancel() }))
	e.Subscribe(ObserverFunc(func(Event) { calls++ }))
	e.Emit(Event{Kind: Close})
	e.Emit(Event{Kind: Close})
	assert.Equal(t, 3, calls)
}
