// Package timers is the reactor's timer wheel: one-shot and periodic
// callbacks, fired from the reactor goroutine, ordered by deadline.
package timers

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"
)

type Timer struct {
	group    *Group
	at       time.Time
	interval time.Duration
	fn       func()
	index    int // -1 once no longer scheduled
}

// Cancel unschedules t. Cancelling a fired or cancelled timer is a no-op.
func (t *Timer) Cancel() {
	if t.index >= 0 {
		heap.Remove(&t.group.queue, t.index)
	}
}

func (t *Timer) Active() bool { return t.index >= 0 }

// Group is not safe for concurrent use, it belongs to a single reactor.
type Group struct {
	clock clock.Clock
	queue queue
}

func NewGroup(c clock.Clock) *Group {
	if c == nil {
		c = clock.New()
	}
	return &Group{clock: c}
}

func (g *Group) Clock() clock.Clock { return g.clock }

func (g *Group) Now() time.Time { return g.clock.Now() }

func (g *Group) Len() int { return len(g.queue) }

// After schedules fn to run once, d from now.
func (g *Group) After(d time.Duration, fn func()) *Timer {
	return g.schedule(d, 0, fn)
}

// Every schedules fn to run each d until cancelled.
func (g *Group) Every(d time.Duration, fn func()) *Timer {
	return g.schedule(d, d, fn)
}

func (g *Group) schedule(d, interval time.Duration, fn func()) *Timer {
	t := &Timer{group: g, at: g.clock.Now().Add(d), interval: interval, fn: fn}
	heap.Push(&g.queue, t)
	return t
}

// WaitInterval returns the time until the soonest deadline, negative when it
// is already overdue. ok is false when nothing is scheduled.
func (g *Group) WaitInterval() (wait time.Duration, ok bool) {
	if len(g.queue) == 0 {
		return 0, false
	}
	return g.queue[0].at.Sub(g.clock.Now()), true
}

// Fire runs every timer whose deadline passed and returns how many ran.
// Periodic timers are rescheduled relative to their previous deadline.
func (g *Group) Fire() int {
	now := g.clock.Now()
	fired := 0
	for len(g.queue) > 0 && !g.queue[0].at.After(now) {
		t := heap.Pop(&g.queue).(*Timer)
		if t.interval > 0 {
			t.at = t.at.Add(t.interval)
			if t.at.Before(now) {
				t.at = now.Add(t.interval)
			}
			heap.Push(&g.queue, t)
		}
		fired++
		t.fn()
	}
	return fired
}

// Cancel drops every pending timer.
func (g *Group) Cancel() {
	for _, t := range g.queue {
		t.index = -1
	}
	g.queue = g.queue[:0]
}

type queue []*Timer

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
