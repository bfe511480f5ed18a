package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testHealthConfig() HealthConfig {
	return HealthConfig{
		DegradeAfter:  2,
		FailAfter:     5,
		RecoverAfter:  2,
		ProbeCooldown: 30 * time.Second,
	}
}

func TestUpstreamHealthHysteresis(t *testing.T) {
	h := NewUpstreamHealth(testHealthConfig(), newManualClock(testEpoch))
	assert.Equal(t, HealthHealthy, h.State())

	// One failure is a blip, not a transition.
	h.RecordFailure()
	assert.Equal(t, HealthHealthy, h.State())

	h.RecordFailure()
	assert.Equal(t, HealthDegraded, h.State())

	for i := 0; i < 3; i++ {
		h.RecordFailure()
	}
	assert.Equal(t, HealthFailed, h.State())

	// A single success does not recover; the streak must build.
	h.RecordSuccess()
	assert.Equal(t, HealthFailed, h.State())
	h.RecordSuccess()
	assert.Equal(t, HealthHealthy, h.State())
}

func TestUpstreamHealthSuccessResetsFailureStreak(t *testing.T) {
	h := NewUpstreamHealth(testHealthConfig(), newManualClock(testEpoch))

	for i := 0; i < 4; i++ {
		h.RecordFailure()
	}
	h.RecordSuccess()
	h.RecordFailure()
	assert.NotEqual(t, HealthFailed, h.State(), "streak restarted after success")
}

func TestUpstreamHealthProbeCooldown(t *testing.T) {
	clock := newManualClock(testEpoch)
	h := NewUpstreamHealth(testHealthConfig(), clock)

	for i := 0; i < 5; i++ {
		h.RecordFailure()
	}
	assert.Equal(t, HealthFailed, h.State())

	// First probe goes through, then the cooldown gates.
	assert.True(t, h.AllowLive())
	assert.False(t, h.AllowLive())

	clock.Advance(29 * time.Second)
	assert.False(t, h.AllowLive())

	clock.Advance(time.Second)
	assert.True(t, h.AllowLive(), "cooldown elapsed, one more probe allowed")
	assert.False(t, h.AllowLive())
}

func TestUpstreamHealthAllowsLiveWhileDegraded(t *testing.T) {
	h := NewUpstreamHealth(testHealthConfig(), newManualClock(testEpoch))

	h.RecordFailure()
	h.RecordFailure()
	assert.Equal(t, HealthDegraded, h.State())
	assert.True(t, h.AllowLive(), "degraded still attempts live calls")
}
