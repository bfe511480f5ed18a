package marketdata

import (
	"sync"
	"time"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// HealthState is the upstream provider's perceived condition
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
)

// HealthConfig tunes the hysteresis thresholds
type HealthConfig struct {
	DegradeAfter  int           // consecutive failures to enter degraded
	FailAfter     int           // consecutive failures to enter failed
	RecoverAfter  int           // consecutive successes to return to healthy
	ProbeCooldown time.Duration // minimum gap between live probes while failed
}

// UpstreamHealth tracks provider reliability with hysteresis so a single
// blip never flaps the state. While failed, the live stage is skipped
// entirely except for one probe per cooldown interval; a probe success
// counts toward recovery like any other.
type UpstreamHealth struct {
	mu           sync.Mutex
	cfg          HealthConfig
	state        HealthState
	consecFails  int
	consecOks    int
	lastProbe    time.Time
	lastChangeAt time.Time
	clock        Clock
}

// NewUpstreamHealth creates a tracker starting in the healthy state
func NewUpstreamHealth(cfg HealthConfig, clock Clock) *UpstreamHealth {
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 2
	}
	if cfg.FailAfter <= cfg.DegradeAfter {
		cfg.FailAfter = cfg.DegradeAfter + 3
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = 2
	}
	if cfg.ProbeCooldown <= 0 {
		cfg.ProbeCooldown = 30 * time.Second
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &UpstreamHealth{cfg: cfg, state: HealthHealthy, clock: clock}
}

// AllowLive reports whether the live stage should attempt an upstream call.
// Healthy and degraded always attempt; failed attempts only a single probe
// per cooldown interval.
func (h *UpstreamHealth) AllowLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != HealthFailed {
		return true
	}
	now := h.clock.Now()
	if now.Sub(h.lastProbe) >= h.cfg.ProbeCooldown {
		h.lastProbe = now
		observ.IncCounter("upstream_probes_total", nil)
		return true
	}
	observ.IncCounter("upstream_live_skipped_total", nil)
	return false
}

// RecordSuccess notes a successful upstream call
func (h *UpstreamHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecFails = 0
	h.consecOks++
	if h.state != HealthHealthy && h.consecOks >= h.cfg.RecoverAfter {
		h.transition(HealthHealthy)
	}
}

// RecordFailure notes a failed upstream call
func (h *UpstreamHealth) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecOks = 0
	h.consecFails++
	switch {
	case h.consecFails >= h.cfg.FailAfter && h.state != HealthFailed:
		h.transition(HealthFailed)
	case h.consecFails >= h.cfg.DegradeAfter && h.state == HealthHealthy:
		h.transition(HealthDegraded)
	}
}

// State returns the current health state
func (h *UpstreamHealth) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// transition flips state and emits telemetry. Caller holds h.mu.
func (h *UpstreamHealth) transition(to HealthState) {
	from := h.state
	h.state = to
	h.lastChangeAt = h.clock.Now()

	observ.IncCounter("upstream_health_transitions_total", map[string]string{
		"from": string(from), "to": string(to),
	})
	observ.SetGauge("upstream_health", h.stateGauge(), nil)
	observ.Log("upstream_health_changed", map[string]any{
		"from":              string(from),
		"to":                string(to),
		"consecutive_fails": h.consecFails,
		"consecutive_oks":   h.consecOks,
	})
}

// stateGauge maps state to a number: 2 healthy, 1 degraded, 0 failed.
// Caller holds h.mu.
func (h *UpstreamHealth) stateGauge() float64 {
	switch h.state {
	case HealthHealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
