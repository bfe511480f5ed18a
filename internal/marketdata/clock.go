package marketdata

import (
	"context"
	"time"
)

// Clock abstracts wall time so the limiter, cache, and snapshot ages are
// controllable in tests. Sleep must return early with the context error if
// ctx is done before the duration elapses.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// systemClock is the production clock
type systemClock struct{}

// SystemClock returns the real-time clock used outside tests
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
