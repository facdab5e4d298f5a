package common

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads and cancellable waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Sleep blocks for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepUntil blocks until t or until ctx is done.
func SleepUntil(ctx context.Context, clock Clock, t time.Time) error {
	return clock.Sleep(ctx, t.Sub(clock.Now()))
}
