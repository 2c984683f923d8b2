package timers

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyGroup(t *testing.T) {
	g := NewGroup(clock.NewMock())
	_, ok := g.WaitInterval()
	assert.False(t, ok)
	assert.Zero(t, g.Fire())
}

func TestAfterFiresInDeadlineOrder(t *testing.T) {
	mock := clock.NewMock()
	g := NewGroup(mock)
	var got []string
	g.After(3*time.Second, func() { got = append(got, "c") })
	g.After(1*time.Second, func() { got = append(got, "a") })
	g.After(2*time.Second, func() { got = append(got, "b") })

	wait, ok := g.WaitInterval()
	require.True(t, ok)
	assert.Equal(t, time.Second, wait)

	mock.Add(2 * time.Second)
	assert.Equal(t, 2, g.Fire())
	assert.Equal(t, []string{"a", "b"}, got)

	mock.Add(5 * time.Second)
	wait, _ = g.WaitInterval()
	assert.Negative(t, int64(wait), "overdue deadlines report a negative wait")
	g.Fire()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, g.Len())
}

func TestCancel(t *testing.T) {
	mock := clock.NewMock()
	g := NewGroup(mock)
	fired := false
	tm := g.After(time.Second, func() { fired = true })
	other := g.After(2*time.Second, func() {})
	tm.Cancel()
	tm.Cancel()
	assert.False(t, tm.Active())
	assert.True(t, other.Active())

	mock.Add(time.Second)
	g.Fire()
	assert.False(t, fired)

	g.Cancel()
	assert.False(t, other.Active())
	_, ok := g.WaitInterval()
	assert.False(t, ok)
}

func TestEvery(t *testing.T) {
	mock := clock.NewMock()
	g := NewGroup(mock)
	n := 0
	tm := g.Every(time.Second, func() { n++ })
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		g.Fire()
	}
	assert.Equal(t, 3, n)
	assert.True(t, tm.Active())
	tm.Cancel()
	mock.Add(time.Second)
	g.Fire()
	assert.Equal(t, 3, n)
}
