// Package endpoint implements the Event Loop Glue component (spec.md
// §4.8): a single-threaded cooperative dispatch loop that owns every
// session table, frame buffer, and bootstrap file handle touched while
// running. Other goroutines (a TCP accept loop, an admin HTTP server, a
// transport's own read goroutine) never mutate loop-owned state
// directly — they hand work in through Loop.Post.
package endpoint

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimerID identifies a scheduled callback so it can be cancelled.
type TimerID uint64

type timerEntry struct {
	id       TimerID
	due      time.Time
	period   time.Duration // zero for one-shot
	fn       func(now time.Time)
	index    int
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Loop is the single dispatch loop described in spec.md §5: it
// multiplexes posted callbacks and a timer heap through one select-based
// dispatch, and every frame/timeout callback runs to completion before
// the next is dispatched.
//
// Fd-driven work does not register directly with Loop; each transport
// (netio.RawPacket, netio.TcpTunnel, netio.Loopback) owns its own read
// goroutine and hands received frames to the loop via Post, which is
// the portable equivalent of the reference daemon's single-threaded
// dispatch and keeps every RadioConn variant, not just epoll-pollable
// ones, uniform under one glue layer.
type Loop struct {
	logger *slog.Logger

	mu       sync.Mutex
	timers   timerHeap
	nextID   TimerID
	posted   chan func()
	wake     chan struct{}
	closed   bool
}

// NewLoop creates an idle Loop. Call Run to start dispatching.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		posted: make(chan func(), 256),
		wake:   make(chan struct{}, 1),
	}
}

// Post enqueues fn to run on the loop goroutine at the next dispatch.
// This is the only supported way for another goroutine to touch
// loop-owned state (spec.md §5).
func (l *Loop) Post(fn func()) {
	l.posted <- fn
}

// AddTimer schedules fn to run after d, once if period is zero or
// repeatedly every period thereafter. fn is invoked on the loop
// goroutine like any other dispatched callback.
func (l *Loop) AddTimer(d time.Duration, period time.Duration, fn func(now time.Time)) TimerID {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	e := &timerEntry{id: id, due: time.Now().Add(d), period: period, fn: fn}
	heap.Push(&l.timers, e)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return id
}

// CancelTimer prevents a scheduled timer from firing again. It is safe
// to call even after the timer has already fired.
func (l *Loop) CancelTimer(id TimerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.timers {
		if e.id == id {
			e.cancelled = true
		}
	}
}

// Run blocks, dispatching posted callbacks and expired timers in
// arrival/due order until ctx is cancelled. No callback may block
// (spec.md §4.8); a callback that needs to suspend should hand off work
// to its own goroutine and Post the result back.
func (l *Loop) Run(ctx context.Context) error {
	for {
		wait := l.nextTimerWait()

		var timerC <-chan time.Time
		var t *time.Timer
		if wait >= 0 {
			t = time.NewTimer(wait)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case fn := <-l.posted:
			if t != nil {
				t.Stop()
			}
			fn()
		case <-l.wake:
			if t != nil {
				t.Stop()
			}
		case <-timerC:
			l.fireDueTimers()
		}
	}
}

// nextTimerWait returns how long until the next due timer, or -1 if
// there are none scheduled.
func (l *Loop) nextTimerWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.timers.Len() > 0 && l.timers[0].cancelled {
		heap.Pop(&l.timers)
	}
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].due)
	if d < 0 {
		d = 0
	}
	return d
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if l.timers.Len() == 0 || l.timers[0].due.After(now) {
			l.mu.Unlock()
			return
		}
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.cancelled {
			l.mu.Unlock()
			continue
		}
		if e.period > 0 {
			e.due = now.Add(e.period)
			heap.Push(&l.timers, e)
		}
		l.mu.Unlock()

		e.fn(now)
	}
}
