package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// PacedLimiter enforces two constraints on outbound upstream calls: at most
// `limit` grants in any trailing `window`, and at least `spacing` between
// consecutive grants. Acquire blocks until both hold; there is no reject path.
// Callers are served first-come-first-served with starvation bounded by the
// spacing increment.
type PacedLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	spacing time.Duration
	clock   Clock

	grants []time.Time // grant timestamps, ascending, evicted as they age out
	last   time.Time   // most recent grant, zero before the first
}

// NewPacedLimiter validates the limiter parameters. Invalid parameters are a
// programming or config error, not a runtime condition, so this is the one
// place in the layer that returns a fatal error.
func NewPacedLimiter(limit int, window, spacing time.Duration, clock Clock) (*PacedLimiter, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limiter: window limit must be >= 1, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("limiter: window must be positive, got %v", window)
	}
	if spacing < 0 {
		return nil, fmt.Errorf("limiter: spacing must be >= 0, got %v", spacing)
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &PacedLimiter{
		limit:   limit,
		window:  window,
		spacing: spacing,
		clock:   clock,
	}, nil
}

// Acquire blocks until a grant is available, records it, and returns how long
// the caller waited. The only error is ctx expiring while waiting; the grant
// is not recorded in that case.
func (l *PacedLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.evict(now)
		next := l.nextEligible(now)
		if !next.After(now) {
			l.grants = append(l.grants, now)
			l.last = now
			occupancy := len(l.grants)
			l.mu.Unlock()

			observ.IncCounter("limiter_grants_total", nil)
			observ.Observe("limiter_wait_ms", float64(waited.Milliseconds()), nil)
			observ.SetGauge("limiter_window_occupancy", float64(occupancy), nil)
			return waited, nil
		}
		wait := next.Sub(now)
		l.mu.Unlock()

		// Another caller may consume the slot we are waiting for, so the
		// constraints are re-derived after every sleep.
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Occupancy reports how many grants currently sit inside the trailing window
func (l *PacedLimiter) Occupancy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.clock.Now())
	return len(l.grants)
}

// evict drops grants that have aged out of the trailing window.
// Caller holds l.mu.
func (l *PacedLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// nextEligible computes the earliest instant a new grant satisfies both the
// window occupancy rule and the spacing rule. Caller holds l.mu.
func (l *PacedLimiter) nextEligible(now time.Time) time.Time {
	next := now
	if len(l.grants) >= l.limit {
		// The window frees a slot when its (limit)-th most recent grant ages out.
		slotFree := l.grants[len(l.grants)-l.limit].Add(l.window)
		if slotFree.After(next) {
			next = slotFree
		}
	}
	if !l.last.IsZero() {
		if spaced := l.last.Add(l.spacing); spaced.After(next) {
			next = spaced
		}
	}
	return next
}
