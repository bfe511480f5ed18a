package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yorhagengyue/quotegate/internal/config"
	"github.com/yorhagengyue/quotegate/internal/marketdata"
	"github.com/yorhagengyue/quotegate/internal/observ"
	"github.com/yorhagengyue/quotegate/internal/upstream"
)

// watcher polls the watchlist and raises drop alerts against the previously
// observed price. Synthetic results never alert; demo data moving is not news.
type watcher struct {
	svc          *marketdata.Service
	symbols      []string
	dropAlertPct float64

	mu        sync.Mutex
	lastPrice map[string]float64
}

func (w *watcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := w.svc.FetchBatch(ctx, marketdata.KindQuote, w.symbols, marketdata.Params{})
	if err != nil {
		observ.LogError("watch_poll_error", err, nil)
		return
	}

	for sym, res := range results {
		quote, ok := res.Payload.(*marketdata.Quote)
		if !ok {
			continue
		}
		observ.Log("watch_quote", map[string]any{
			"symbol":     sym,
			"price":      quote.Price,
			"change_pct": quote.ChangePct,
			"provenance": string(res.Provenance),
			"age_ms":     res.Age.Milliseconds(),
		})
		w.checkDrop(sym, quote.Price, res.Provenance)
	}
}

func (w *watcher) checkDrop(symbol string, price float64, prov marketdata.Provenance) {
	w.mu.Lock()
	prev, seen := w.lastPrice[symbol]
	if prov != marketdata.ProvenanceSynthetic {
		w.lastPrice[symbol] = price
	}
	w.mu.Unlock()

	if !seen || prev <= 0 || prov == marketdata.ProvenanceSynthetic {
		return
	}
	dropPct := (prev - price) / prev * 100
	if dropPct >= w.dropAlertPct {
		observ.IncCounter("price_drop_alerts_total", map[string]string{"symbol": symbol})
		observ.Log("price_drop_alert", map[string]any{
			"symbol":     symbol,
			"previous":   prev,
			"current":    price,
			"drop_pct":   dropPct,
			"provenance": string(prov),
		})
	}
}

func buildClient(cfg config.Root) (marketdata.UpstreamClient, error) {
	if cfg.Upstream.Provider == "sim" {
		return upstream.NewSimClient(cfg.Fallback.SyntheticSeed, 20*time.Millisecond), nil
	}
	return upstream.NewYahooClient(upstream.YahooConfig{
		BaseURL:            cfg.Upstream.BaseURL,
		APIKeyEnv:          cfg.Upstream.APIKeyEnv,
		RateLimitPerMinute: cfg.Upstream.RateLimitPerMinute,
		Timeout:            time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		MaxRetries:         cfg.Upstream.MaxRetries,
		BackoffBase:        time.Duration(cfg.Upstream.BackoffBaseMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Upstream.BackoffMaxMs) * time.Millisecond,
	})
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	client, err := buildClient(cfg)
	if err != nil {
		log.Fatalf("build upstream client: %v", err)
	}

	svc, err := marketdata.New(marketdata.Config{
		WindowLimit:     cfg.Limiter.WindowLimit,
		Window:          cfg.Limiter.Window(),
		MinSpacing:      cfg.Limiter.MinSpacing(),
		UpstreamTimeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		BatchChunkSize:  cfg.Fallback.BatchChunkSize,
		JitterPct:       cfg.Fallback.JitterPct,
		SyntheticSeed:   cfg.Fallback.SyntheticSeed,
		DailyCap:        cfg.Budget.DailyCap,
		SnapshotPath:    cfg.Snapshot.Path,
		FlushInterval:   time.Duration(cfg.Snapshot.FlushIntervalSeconds) * time.Second,
		Health: marketdata.HealthConfig{
			DegradeAfter:  cfg.Health.DegradeAfter,
			FailAfter:     cfg.Health.FailAfter,
			RecoverAfter:  cfg.Health.RecoverAfter,
			ProbeCooldown: time.Duration(cfg.Health.ProbeCooldownSeconds) * time.Second,
		},
	}, client)
	if err != nil {
		log.Fatalf("build marketdata service: %v", err)
	}
	svc.Initialize()

	observ.Log("startup", map[string]any{
		"provider":       cfg.Upstream.Provider,
		"watch_symbols":  cfg.Watch.Symbols,
		"watch_interval": cfg.Watch.IntervalSeconds,
		"daily_cap":      cfg.Budget.DailyCap,
		"snapshot_path":  cfg.Snapshot.Path,
	})

	w := &watcher{
		svc:          svc,
		symbols:      cfg.Watch.Symbols,
		dropAlertPct: cfg.Watch.DropAlertPct,
		lastPrice:    map[string]float64{},
	}

	sched := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", cfg.Watch.IntervalSeconds)
	if _, err := sched.AddFunc(spec, w.poll); err != nil {
		log.Fatalf("schedule watch poll: %v", err)
	}
	sched.Start()
	go w.poll() // first poll immediately rather than a full interval later

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	mux.Handle("/healthz", observ.HealthHandler())
	observ.Log("metrics_listen", map[string]any{"addr": cfg.Metrics.Addr})
	go func() { _ = http.ListenAndServe(cfg.Metrics.Addr, mux) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	observ.Log("shutdown_signal", nil)
	cronCtx := sched.Stop()
	<-cronCtx.Done()
	svc.Shutdown()
}
