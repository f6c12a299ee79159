package endpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/ekmixon/dpp/internal/endpoint"
)

func TestLoopDispatchesPostedCallback(t *testing.T) {
	l := endpoint.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { l.Run(ctx) }()

	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted callback")
	}
}

func TestLoopFiresTimer(t *testing.T) {
	l := endpoint.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan time.Time, 1)
	go func() { l.Run(ctx) }()

	l.AddTimer(10*time.Millisecond, 0, func(now time.Time) { fired <- now })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timer")
	}
}

func TestLoopRepeatingTimerFiresMultipleTimes(t *testing.T) {
	l := endpoint.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count := make(chan struct{}, 8)
	go func() { l.Run(ctx) }()

	id := l.AddTimer(5*time.Millisecond, 5*time.Millisecond, func(time.Time) {
		select {
		case count <- struct{}{}:
		default:
		}
	})

	time.Sleep(40 * time.Millisecond)
	l.CancelTimer(id)

	if len(count) < 2 {
		t.Fatalf("expected repeating timer to fire multiple times, got %d", len(count))
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	l := endpoint.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop to stop")
	}
}
