package marketdata

import (
	"sync"
	"time"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// DailyBudget caps the number of upstream calls per UTC day. A cap of zero
// means unlimited; usage is still counted for telemetry. Exhaustion is not an
// error condition anywhere in the layer, the live stage simply reports it as
// a throttle and the orchestrator degrades.
type DailyBudget struct {
	mu    sync.Mutex
	cap   int
	used  int
	day   time.Time // UTC midnight of the day being counted
	clock Clock
}

// NewDailyBudget creates a budget with the given daily cap (0 = unlimited)
func NewDailyBudget(cap int, clock Clock) *DailyBudget {
	if clock == nil {
		clock = SystemClock()
	}
	b := &DailyBudget{cap: cap, clock: clock}
	b.day = midnightUTC(clock.Now())
	return b
}

// Spend records one upstream call if the budget allows it. Returns false when
// the cap for the current UTC day is exhausted.
func (b *DailyBudget) Spend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()
	if b.cap > 0 && b.used >= b.cap {
		observ.IncCounter("budget_exhausted_total", nil)
		return false
	}
	b.used++
	observ.SetGauge("budget_used", float64(b.used), nil)
	if b.cap > 0 {
		observ.SetGauge("budget_remaining", float64(b.cap-b.used), nil)
	}
	return true
}

// Usage reports calls used today and the cap (0 = unlimited)
func (b *DailyBudget) Usage() (used, cap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.used, b.cap
}

// roll resets the counter when the UTC day changes. Caller holds b.mu.
func (b *DailyBudget) roll() {
	today := midnightUTC(b.clock.Now())
	if today.After(b.day) {
		b.used = 0
		b.day = today
		observ.Log("budget_reset", map[string]any{"day": today.Format("2006-01-02")})
		observ.SetGauge("budget_used", 0, nil)
		if b.cap > 0 {
			observ.SetGauge("budget_remaining", float64(b.cap), nil)
		}
	}
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
