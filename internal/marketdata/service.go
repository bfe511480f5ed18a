package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// UpstreamClient is the contract the service needs from a market-data
// provider. Every method returns either a normalized payload or a *DataError;
// a batch call returns whatever subset of symbols it could resolve.
type UpstreamClient interface {
	FetchQuote(ctx context.Context, symbol string) (*Quote, error)
	FetchQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error)
	FetchProfile(ctx context.Context, symbol string) (*Profile, error)
	FetchHistory(ctx context.Context, symbol, period string) (*History, error)
	Close() error
}

// Config holds the service's tunables. Zero values get defaults from the
// config package; the limiter fields are validated at construction.
type Config struct {
	WindowLimit     int           // max upstream calls per trailing window
	Window          time.Duration // trailing window size
	MinSpacing      time.Duration // minimum gap between upstream calls
	UpstreamTimeout time.Duration // per-call bound on the producer side
	BatchChunkSize  int           // max symbols per upstream batch call
	JitterPct       float64       // degraded-read price wobble, 0.01 = ±1%
	SyntheticSeed   uint64        // seed for the generator's rng
	DailyCap        int           // upstream calls per UTC day, 0 = unlimited
	SnapshotPath    string
	FlushInterval   time.Duration // periodic snapshot save, 0 disables
	Health          HealthConfig
}

// Service is the resilience layer callers fetch through. One instance is
// constructed at startup and injected into whatever serves requests; there
// are no package-level singletons.
type Service struct {
	cfg       Config
	client    UpstreamClient
	cache     *TieredCache
	snapshot  *SnapshotStore
	limiter   *PacedLimiter
	coalescer *Coalescer
	generator *Generator
	budget    *DailyBudget
	health    *UpstreamHealth
	clock     Clock
}

// Option customizes a Service at construction
type Option func(*Service)

// WithClock injects a clock, used by tests to control time
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// New validates cfg and wires the component graph. The returned error covers
// parameter validation only; it indicates a programming or config mistake and
// the caller should treat it as fatal.
func New(cfg Config, client UpstreamClient, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("marketdata: upstream client is required")
	}
	if cfg.BatchChunkSize <= 0 {
		cfg.BatchChunkSize = 5
	}
	if cfg.JitterPct <= 0 {
		cfg.JitterPct = 0.01
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 10 * time.Second
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = "data/snapshot.json"
	}

	s := &Service{cfg: cfg, client: client}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = SystemClock()
	}

	limiter, err := NewPacedLimiter(cfg.WindowLimit, cfg.Window, cfg.MinSpacing, s.clock)
	if err != nil {
		return nil, err
	}
	s.limiter = limiter
	s.cache = NewTieredCache(s.clock)
	s.snapshot = NewSnapshotStore(cfg.SnapshotPath, s.clock)
	s.coalescer = NewCoalescer()
	s.generator = NewGenerator(cfg.JitterPct, cfg.SyntheticSeed, s.clock)
	s.budget = NewDailyBudget(cfg.DailyCap, s.clock)
	s.health = NewUpstreamHealth(cfg.Health, s.clock)
	return s, nil
}

// Initialize loads the snapshot and starts the periodic flush loop. A load
// failure is logged and swallowed; the service starts with an empty snapshot
// and serves traffic regardless.
func (s *Service) Initialize() {
	if err := s.snapshot.Load(); err != nil {
		observ.LogError("snapshot_load_error", err, nil)
	}
	s.snapshot.StartFlushLoop(s.cfg.FlushInterval)

	observ.Log("marketdata_initialized", map[string]any{
		"snapshot_records": s.snapshot.Len(),
		"window_limit":     s.cfg.WindowLimit,
		"window":           s.cfg.Window.String(),
		"min_spacing":      s.cfg.MinSpacing.String(),
		"daily_cap":        s.cfg.DailyCap,
	})
}

// Shutdown stops the flush loop, writes the final snapshot, and closes the
// upstream client. Snapshot write failures are logged, never returned.
func (s *Service) Shutdown() {
	if err := s.snapshot.Stop(); err != nil {
		observ.LogError("snapshot_final_flush_error", err, nil)
	}
	if err := s.client.Close(); err != nil {
		observ.LogError("upstream_close_error", err, nil)
	}
	observ.Log("marketdata_shutdown", nil)
}

// Health exposes the upstream health state for readiness reporting
func (s *Service) Health() HealthState { return s.health.State() }

// BudgetUsage reports upstream calls used today and the configured cap
func (s *Service) BudgetUsage() (used, cap int) { return s.budget.Usage() }

// Fetch resolves one key through the fallback chain: fresh cache, rate-limited
// live fetch, stale cache, persisted snapshot, synthetic. The first tier that
// produces a value wins; no upstream condition ever surfaces as an error. The
// only error returned is the caller's own ctx expiring, and that abandons the
// wait without cancelling a coalesced in-flight call.
func (s *Service) Fetch(ctx context.Context, kind Kind, symbol string, params Params) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("marketdata: unknown kind %q", kind)
	}
	key := NewRequestKey(kind, symbol, params)
	if key.Symbol == "" {
		return Result{}, fmt.Errorf("marketdata: empty symbol")
	}
	observ.IncCounter("fetch_requests_total", map[string]string{"kind": string(kind)})

	if payload, age, fresh, ok := s.cache.Get(key); ok && fresh {
		return s.finish(key, payload.Clone(), ProvenanceCacheFresh, age), nil
	}

	payload, err := s.liveFetch(ctx, key)
	if err == nil {
		return s.finish(key, payload, ProvenanceLive, 0), nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return s.degrade(key, err), nil
}

// FetchBatch resolves many symbols of one kind. Fresh cache hits short-circuit
// per key; the rest go upstream in chunks through the same limiter/coalescer
// path, and any symbol a chunk cannot resolve degrades individually. The
// returned map has an entry for every requested symbol that normalizes to
// something non-empty; nothing is silently dropped.
func (s *Service) FetchBatch(ctx context.Context, kind Kind, symbols []string, params Params) (map[string]Result, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("marketdata: unknown kind %q", kind)
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(symbols))
	seen := make(map[string]bool, len(symbols))
	var missing []RequestKey

	for _, raw := range symbols {
		key := NewRequestKey(kind, raw, params)
		if key.Symbol == "" || seen[key.Symbol] {
			continue
		}
		seen[key.Symbol] = true
		observ.IncCounter("fetch_requests_total", map[string]string{"kind": string(kind)})

		if payload, age, fresh, ok := s.cache.Get(key); ok && fresh {
			results[key.Symbol] = s.finish(key, payload.Clone(), ProvenanceCacheFresh, age)
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if kind == KindQuote {
		for _, chunk := range chunkKeys(missing, s.cfg.BatchChunkSize) {
			chunk := chunk
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				chunkResults := s.fetchQuoteChunk(gctx, chunk)
				mu.Lock()
				for sym, res := range chunkResults {
					results[sym] = res
				}
				mu.Unlock()
				return gctx.Err()
			})
		}
	} else {
		// Profiles and history have no upstream batch form, fan out per key.
		for _, key := range missing {
			key := key
			g.Go(func() error {
				res, err := s.Fetch(gctx, key.Kind, key.Symbol, paramsFromKey(key))
				if err != nil {
					return err
				}
				mu.Lock()
				results[key.Symbol] = res
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// liveFetch runs the rate-limited upstream stage for one key, coalescing
// concurrent callers. The producer runs detached from any single caller's
// ctx so an abandoning caller does not starve the remaining waiters. Each
// waiter gets its own copy; the stored original must never alias a value a
// caller can mutate.
func (s *Service) liveFetch(ctx context.Context, key RequestKey) (Payload, error) {
	v, err := s.coalescer.RunOrJoin(ctx, key.String(), func() (any, error) {
		pctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout)
		defer cancel()
		return s.produce(pctx, key)
	})
	if err != nil {
		return nil, err
	}
	payload, ok := v.(Payload)
	if !ok {
		return nil, NewUpstreamMalformed(key.Symbol, "coalesced producer returned no payload", nil)
	}
	return payload.Clone(), nil
}

// produce is the single in-flight upstream call for a key: health gate,
// budget, limiter, then the client. On success the cache and snapshot are
// updated here so exactly one writer stamps fetchedAt.
func (s *Service) produce(ctx context.Context, key RequestKey) (Payload, error) {
	if !s.health.AllowLive() {
		return nil, NewUpstreamUnavailable(key.Symbol, "upstream marked failed, probe cooldown active", nil)
	}
	if !s.budget.Spend() {
		return nil, NewUpstreamRateLimited(key.Symbol, "daily request budget exhausted")
	}
	if _, err := s.limiter.Acquire(ctx); err != nil {
		return nil, NewUpstreamUnavailable(key.Symbol, "rate limiter wait aborted", err)
	}

	var payload Payload
	var err error
	switch key.Kind {
	case KindProfile:
		payload, err = s.client.FetchProfile(ctx, key.Symbol)
	case KindHistory:
		payload, err = s.client.FetchHistory(ctx, key.Symbol, periodFromParams(key.Params))
	default:
		payload, err = s.client.FetchQuote(ctx, key.Symbol)
	}
	if err != nil {
		s.health.RecordFailure()
		observ.IncCounter("upstream_errors_total", map[string]string{"type": string(TypeOf(err))})
		return nil, err
	}
	s.health.RecordSuccess()
	s.store(key, payload)
	return payload, nil
}

// fetchQuoteChunk issues one upstream batch call for a chunk of quote keys.
// The coalescing key is the chunk signature, so identical concurrent chunks
// share one call. Symbols the chunk could not resolve degrade per key.
func (s *Service) fetchQuoteChunk(ctx context.Context, chunk []RequestKey) map[string]Result {
	symbols := make([]string, len(chunk))
	for i, key := range chunk {
		symbols[i] = key.Symbol
	}
	sig := "batch|quote|" + strings.Join(symbols, ",")

	v, err := s.coalescer.RunOrJoin(ctx, sig, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout)
		defer cancel()

		if !s.health.AllowLive() {
			return nil, NewUpstreamUnavailable("", "upstream marked failed, probe cooldown active", nil)
		}
		if !s.budget.Spend() {
			return nil, NewUpstreamRateLimited("", "daily request budget exhausted")
		}
		if _, err := s.limiter.Acquire(pctx); err != nil {
			return nil, NewUpstreamUnavailable("", "rate limiter wait aborted", err)
		}
		quotes, err := s.client.FetchQuotes(pctx, symbols)
		if err != nil {
			s.health.RecordFailure()
			observ.IncCounter("upstream_errors_total", map[string]string{"type": string(TypeOf(err))})
			return nil, err
		}
		s.health.RecordSuccess()
		return quotes, nil
	})

	results := make(map[string]Result, len(chunk))
	var quotes map[string]*Quote
	if err == nil {
		quotes, _ = v.(map[string]*Quote)
	}
	for _, key := range chunk {
		if q, ok := quotes[key.Symbol]; ok && q != nil {
			s.store(key, q)
			results[key.Symbol] = s.finish(key, q.Clone(), ProvenanceLive, 0)
			continue
		}
		cause := err
		if cause == nil {
			cause = NewUpstreamMalformed(key.Symbol, "symbol missing from batch response", nil)
		}
		results[key.Symbol] = s.degrade(key, cause)
	}
	return results
}

// degrade walks the tail of the fallback chain: stale cache, snapshot,
// synthetic. It always produces a value; the synthetic tier is total.
func (s *Service) degrade(key RequestKey, cause error) Result {
	observ.IncCounter("fetch_degraded_total", map[string]string{
		"kind":  string(key.Kind),
		"cause": string(TypeOf(cause)),
	})

	if payload, age, ok := s.cache.GetStale(key); ok {
		return s.finish(key, s.generator.Jitter(payload), ProvenanceCacheStale, age)
	}
	if rec, ok := s.snapshot.Lookup(key); ok {
		age := s.clock.Now().Sub(rec.FetchedAt)
		return s.finish(key, s.generator.Jitter(rec.Payload), ProvenancePersistent, age)
	}
	return s.finish(key, s.generator.Generate(key), ProvenanceSynthetic, 0)
}

// store writes a successful fetch to the cache and mirrors it to the
// snapshot, keeping the snapshot a lagging copy of the cache.
func (s *Service) store(key RequestKey, payload Payload) {
	s.cache.Set(key, payload)
	s.snapshot.Update(key, payload, s.clock.Now())
}

// finish stamps the provenance telemetry and assembles the caller's result
func (s *Service) finish(key RequestKey, payload Payload, prov Provenance, age time.Duration) Result {
	observ.IncCounter("fetch_results_total", map[string]string{
		"kind":       string(key.Kind),
		"provenance": string(prov),
	})
	return Result{Key: key, Payload: payload, Provenance: prov, Age: age}
}

// chunkKeys splits keys into chunks of at most size, preserving a stable
// symbol order so equal requests produce equal chunk signatures.
func chunkKeys(keys []RequestKey, size int) [][]RequestKey {
	sorted := make([]RequestKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	var chunks [][]RequestKey
	for len(sorted) > 0 {
		n := size
		if len(sorted) < n {
			n = len(sorted)
		}
		chunks = append(chunks, sorted[:n])
		sorted = sorted[n:]
	}
	return chunks
}

func paramsFromKey(key RequestKey) Params {
	const prefix = "period="
	if strings.HasPrefix(key.Params, prefix) {
		return Params{Period: strings.TrimPrefix(key.Params, prefix)}
	}
	return Params{}
}
