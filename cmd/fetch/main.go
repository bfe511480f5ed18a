package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/yorhagengyue/quotegate/internal/config"
	"github.com/yorhagengyue/quotegate/internal/marketdata"
	"github.com/yorhagengyue/quotegate/internal/upstream"
)

// fetchLine is the one-JSON-object-per-result output shape
type fetchLine struct {
	Symbol     string          `json:"symbol"`
	Kind       string          `json:"kind"`
	Provenance string          `json:"provenance"`
	AgeMs      int64           `json:"age_ms,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func main() {
	var cfgPath, kindFlag, period string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&kindFlag, "kind", "quote", "data kind: quote | profile | history")
	flag.StringVar(&period, "period", "", "history period: 1d|5d|1mo|3mo|6mo|1y")
	flag.Parse()

	symbols := flag.Args()
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fetch [-config path] [-kind quote|profile|history] [-period 1mo] SYMBOL...")
		os.Exit(2)
	}

	kind := marketdata.Kind(kindFlag)
	if !kind.Valid() {
		log.Fatalf("unknown kind %q", kindFlag)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	var client marketdata.UpstreamClient
	if cfg.Upstream.Provider == "sim" {
		client = upstream.NewSimClient(cfg.Fallback.SyntheticSeed, 0)
	} else {
		client, err = upstream.NewYahooClient(upstream.YahooConfig{
			BaseURL:            cfg.Upstream.BaseURL,
			APIKeyEnv:          cfg.Upstream.APIKeyEnv,
			RateLimitPerMinute: cfg.Upstream.RateLimitPerMinute,
			Timeout:            time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
			MaxRetries:         cfg.Upstream.MaxRetries,
			BackoffBase:        time.Duration(cfg.Upstream.BackoffBaseMs) * time.Millisecond,
			BackoffMax:         time.Duration(cfg.Upstream.BackoffMaxMs) * time.Millisecond,
		})
		if err != nil {
			log.Fatalf("build upstream client: %v", err)
		}
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
	}, client)
	if err != nil {
		log.Fatalf("build marketdata service: %v", err)
	}
	svc.Initialize()
	defer svc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	results, err := svc.FetchBatch(ctx, kind, symbols, marketdata.Params{Period: period})
	if err != nil {
		log.Fatalf("fetch: %v", err)
	}

	for _, sym := range symbols {
		res, ok := results[marketdata.NormalizeSymbol(sym)]
		if !ok {
			continue
		}
		payload, err := json.Marshal(res.Payload)
		if err != nil {
			log.Fatalf("marshal payload for %s: %v", sym, err)
		}
		line, _ := json.Marshal(fetchLine{
			Symbol:     res.Key.Symbol,
			Kind:       string(res.Key.Kind),
			Provenance: string(res.Provenance),
			AgeMs:      res.Age.Milliseconds(),
			Payload:    payload,
		})
		fmt.Println(string(line))
	}
}
