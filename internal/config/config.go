package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Upstream struct {
	Provider           string `yaml:"provider"` // yahoo | sim
	BaseURL            string `yaml:"base_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
	BackoffMaxMs       int    `yaml:"backoff_max_ms"`
}

type Limiter struct {
	WindowLimit   int `yaml:"window_limit"`
	WindowSeconds int `yaml:"window_seconds"`
	MinSpacingMs  int `yaml:"min_spacing_ms"`
}

type Budget struct {
	DailyCap int `yaml:"daily_cap"` // 0 = unlimited
}

type Health struct {
	DegradeAfter         int `yaml:"degrade_after"`
	FailAfter            int `yaml:"fail_after"`
	RecoverAfter         int `yaml:"recover_after"`
	ProbeCooldownSeconds int `yaml:"probe_cooldown_seconds"`
}

type Fallback struct {
	JitterPct      float64 `yaml:"jitter_pct"`
	BatchChunkSize int     `yaml:"batch_chunk_size"`
	SyntheticSeed  uint64  `yaml:"synthetic_seed"`
}

type Snapshot struct {
	Path                 string `yaml:"path"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"` // 0 disables the timer
}

type Watch struct {
	Symbols         []string `yaml:"symbols"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	DropAlertPct    float64  `yaml:"drop_alert_pct"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	Upstream Upstream `yaml:"upstream"`
	Limiter  Limiter  `yaml:"limiter"`
	Budget   Budget   `yaml:"budget"`
	Health   Health   `yaml:"health"`
	Fallback Fallback `yaml:"fallback"`
	Snapshot Snapshot `yaml:"snapshot"`
	Watch    Watch    `yaml:"watch"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Load reads the YAML config at path, fills zero values with defaults, and
// applies QUOTEGATE_* environment overrides. A missing file yields pure
// defaults so the sim provider works out of the box.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return c, err
		}
	} else if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	c.applyEnv()
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "sim"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://query1.finance.yahoo.com"
	}
	if c.Upstream.RateLimitPerMinute == 0 {
		c.Upstream.RateLimitPerMinute = 30
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 10000
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.BackoffBaseMs == 0 {
		c.Upstream.BackoffBaseMs = 500
	}
	if c.Upstream.BackoffMaxMs == 0 {
		c.Upstream.BackoffMaxMs = 5000
	}

	if c.Limiter.WindowLimit == 0 {
		c.Limiter.WindowLimit = 30
	}
	if c.Limiter.WindowSeconds == 0 {
		c.Limiter.WindowSeconds = 60
	}
	if c.Limiter.MinSpacingMs == 0 {
		c.Limiter.MinSpacingMs = 1000
	}

	if c.Health.DegradeAfter == 0 {
		c.Health.DegradeAfter = 2
	}
	if c.Health.FailAfter == 0 {
		c.Health.FailAfter = 5
	}
	if c.Health.RecoverAfter == 0 {
		c.Health.RecoverAfter = 2
	}
	if c.Health.ProbeCooldownSeconds == 0 {
		c.Health.ProbeCooldownSeconds = 30
	}

	if c.Fallback.JitterPct == 0 {
		c.Fallback.JitterPct = 0.01
	}
	if c.Fallback.BatchChunkSize == 0 {
		c.Fallback.BatchChunkSize = 5
	}
	if c.Fallback.SyntheticSeed == 0 {
		c.Fallback.SyntheticSeed = 1
	}

	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "data/snapshot.json"
	}
	if c.Snapshot.FlushIntervalSeconds == 0 {
		c.Snapshot.FlushIntervalSeconds = 300
	}

	if len(c.Watch.Symbols) == 0 {
		c.Watch.Symbols = []string{"AAPL", "GOOGL", "MSFT", "TSLA", "NVDA"}
	}
	if c.Watch.IntervalSeconds == 0 {
		c.Watch.IntervalSeconds = 30
	}
	if c.Watch.DropAlertPct == 0 {
		c.Watch.DropAlertPct = 5.0
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:8090"
	}
}

// applyEnv supports a small set of deployment overrides
func (c *Root) applyEnv() {
	if v := os.Getenv("QUOTEGATE_PROVIDER"); v != "" {
		c.Upstream.Provider = v
	}
	if v := os.Getenv("QUOTEGATE_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("QUOTEGATE_SNAPSHOT_PATH"); v != "" {
		c.Snapshot.Path = v
	}
	if v := os.Getenv("QUOTEGATE_DAILY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budget.DailyCap = n
		}
	}
	if v := os.Getenv("QUOTEGATE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate rejects parameter combinations that indicate a config mistake.
// This is the startup-fatal path; runtime conditions never land here.
func (c *Root) Validate() error {
	switch c.Upstream.Provider {
	case "yahoo", "sim":
	default:
		return fmt.Errorf("upstream.provider must be yahoo or sim, got %q", c.Upstream.Provider)
	}
	if c.Limiter.WindowLimit < 1 {
		return fmt.Errorf("limiter.window_limit must be >= 1, got %d", c.Limiter.WindowLimit)
	}
	if c.Limiter.WindowSeconds <= 0 {
		return fmt.Errorf("limiter.window_seconds must be positive, got %d", c.Limiter.WindowSeconds)
	}
	if c.Limiter.MinSpacingMs < 0 {
		return fmt.Errorf("limiter.min_spacing_ms must be >= 0, got %d", c.Limiter.MinSpacingMs)
	}
	if c.Budget.DailyCap < 0 {
		return fmt.Errorf("budget.daily_cap must be >= 0, got %d", c.Budget.DailyCap)
	}
	if c.Fallback.JitterPct < 0 || c.Fallback.JitterPct > 0.5 {
		return fmt.Errorf("fallback.jitter_pct must be in [0, 0.5], got %g", c.Fallback.JitterPct)
	}
	if c.Fallback.BatchChunkSize < 1 {
		return fmt.Errorf("fallback.batch_chunk_size must be >= 1, got %d", c.Fallback.BatchChunkSize)
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path must not be empty")
	}
	if c.Watch.IntervalSeconds < 1 {
		return fmt.Errorf("watch.interval_seconds must be >= 1, got %d", c.Watch.IntervalSeconds)
	}
	return nil
}

// Window returns the limiter window as a duration
func (l Limiter) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// MinSpacing returns the limiter spacing as a duration
func (l Limiter) MinSpacing() time.Duration {
	return time.Duration(l.MinSpacingMs) * time.Millisecond
}
