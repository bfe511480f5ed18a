package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacedLimiterValidation(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		window  time.Duration
		spacing time.Duration
		wantErr bool
	}{
		{"valid", 30, time.Minute, time.Second, false},
		{"zero limit", 0, time.Minute, time.Second, true},
		{"negative limit", -1, time.Minute, time.Second, true},
		{"zero window", 30, 0, time.Second, true},
		{"negative window", 30, -time.Minute, time.Second, true},
		{"negative spacing", 30, time.Minute, -time.Second, true},
		{"zero spacing ok", 30, time.Minute, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPacedLimiter(tt.limit, tt.window, tt.spacing, newManualClock(testEpoch))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPacedLimiterSpacing(t *testing.T) {
	clock := newManualClock(testEpoch)
	l, err := NewPacedLimiter(100, time.Minute, time.Second, clock)
	require.NoError(t, err)

	ctx := context.Background()

	waited, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.Zero(t, waited, "first grant is immediate")

	// Back-to-back call must wait out the spacing increment.
	waited, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Second, waited)
	assert.Equal(t, testEpoch.Add(time.Second), clock.Now())
}

func TestPacedLimiterWindowBound(t *testing.T) {
	clock := newManualClock(testEpoch)
	l, err := NewPacedLimiter(3, time.Minute, time.Second, clock)
	require.NoError(t, err)

	ctx := context.Background()
	var grants []time.Time
	for i := 0; i < 7; i++ {
		_, err := l.Acquire(ctx)
		require.NoError(t, err)
		grants = append(grants, clock.Now())
	}

	// No rolling window may hold more than the limit.
	for i := range grants {
		count := 0
		for j := range grants {
			d := grants[i].Sub(grants[j])
			if d >= 0 && d < time.Minute {
				count++
			}
		}
		assert.LessOrEqual(t, count, 3, "window ending at grant %d", i)
	}

	// Consecutive grants honor the spacing floor.
	for i := 1; i < len(grants); i++ {
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), time.Second)
	}

	// The 4th grant had to wait for the 1st to age out of the window.
	assert.Equal(t, testEpoch.Add(time.Minute), grants[3])
}

func TestPacedLimiterOccupancyEvicts(t *testing.T) {
	clock := newManualClock(testEpoch)
	l, err := NewPacedLimiter(10, time.Minute, 0, clock)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Acquire(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, l.Occupancy())

	clock.Advance(61 * time.Second)
	assert.Zero(t, l.Occupancy(), "grants age out of the trailing window")
}

func TestPacedLimiterAcquireCancelled(t *testing.T) {
	clock := newManualClock(testEpoch)
	l, err := NewPacedLimiter(1, time.Minute, time.Second, clock)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, l.Occupancy(), "aborted wait must not record a grant")
}
