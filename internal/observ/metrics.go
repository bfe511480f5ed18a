package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus is the readiness report for the gateway
type HealthStatus struct {
	Status    string        `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics summarizes the telemetry that matters for serving quality
type HealthMetrics struct {
	FetchRequests   int64            `json:"fetch_requests"`
	ProvenanceMix   map[string]int64 `json:"provenance_mix"`   // results by fallback tier
	LiveShare       float64          `json:"live_share"`       // live + cacheFresh over all results
	DegradedShare   float64          `json:"degraded_share"`   // stale + persistent + synthetic share
	CacheHitRate    float64          `json:"cache_hit_rate"`   // fresh hits over fresh lookups
	UpstreamHealth  string           `json:"upstream_health"`  // healthy | degraded | failed
	BudgetUsed      int              `json:"budget_used"`
	BudgetRemaining int              `json:"budget_remaining"` // -1 when unlimited
	SnapshotRecords int              `json:"snapshot_records"`
	LimiterWaitP95  int64            `json:"limiter_wait_p95_ms"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler returns a readiness endpoint summarizing gateway telemetry.
// Degraded serving (heavy reliance on fallback tiers) maps to 206, a failed
// upstream to 503, so probes see graceful degradation without paging on it.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		m := gatherGatewayMetrics()
		health := HealthStatus{
			Status:    overallStatus(m),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   m,
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent
		case "failed":
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// overallStatus derives the report status from upstream health and the share
// of traffic served below the fresh tiers.
func overallStatus(m HealthMetrics) string {
	if m.UpstreamHealth == "failed" {
		return "failed"
	}
	total := int64(0)
	for _, n := range m.ProvenanceMix {
		total += n
	}
	if m.UpstreamHealth == "degraded" {
		return "degraded"
	}
	if total >= 20 && m.DegradedShare > 0.5 {
		return "degraded"
	}
	return "healthy"
}

// gatherGatewayMetrics computes the summary from raw telemetry.
// Caller holds reg.mu.
func gatherGatewayMetrics() HealthMetrics {
	m := HealthMetrics{
		ProvenanceMix:   map[string]int64{},
		UpstreamHealth:  "healthy",
		BudgetRemaining: -1,
	}

	for _, count := range sumByLabel("fetch_requests_total") {
		m.FetchRequests += count
	}

	var total, fresh int64
	for labelKey, count := range reg.counters["fetch_results_total"] {
		prov := labelValue(labelKey, "provenance")
		m.ProvenanceMix[prov] += count
		total += count
		if prov == "live" || prov == "cacheFresh" {
			fresh += count
		}
	}
	if total > 0 {
		m.LiveShare = float64(fresh) / float64(total)
		m.DegradedShare = 1 - m.LiveShare
	}

	var hits, misses int64
	for labelKey, count := range reg.counters["cache_hits_total"] {
		if labelValue(labelKey, "tier") == "fresh" {
			hits += count
		}
	}
	for _, count := range reg.counters["cache_misses_total"] {
		misses += count
	}
	if hits+misses > 0 {
		m.CacheHitRate = float64(hits) / float64(hits+misses)
	}

	if g, ok := firstGauge("upstream_health"); ok {
		switch g {
		case 1:
			m.UpstreamHealth = "degraded"
		case 0:
			m.UpstreamHealth = "failed"
		}
	}
	if g, ok := firstGauge("budget_used"); ok {
		m.BudgetUsed = int(g)
	}
	if g, ok := firstGauge("budget_remaining"); ok {
		m.BudgetRemaining = int(g)
	}
	if g, ok := firstGauge("snapshot_records"); ok {
		m.SnapshotRecords = int(g)
	}

	for _, samples := range reg.hist["limiter_wait_ms"] {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		m.LimiterWaitP95 = int64(sorted[idx])
		break
	}

	return m
}

// sumByLabel returns the per-label counts for a counter. Caller holds reg.mu.
func sumByLabel(name string) map[string]int64 {
	out := map[string]int64{}
	for labelKey, count := range reg.counters[name] {
		out[labelKey] = count
	}
	return out
}

// labelValue extracts one label's value from a canonical labels key
func labelValue(labelKey, name string) string {
	for _, part := range strings.Split(labelKey, ",") {
		if kv := strings.SplitN(part, "=", 2); len(kv) == 2 && kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

// firstGauge returns any recorded value for a gauge. Caller holds reg.mu.
func firstGauge(name string) (float64, bool) {
	for _, v := range reg.gauges[name] {
		return v, true
	}
	return 0, false
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
