package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/yorhagengyue/quotegate/internal/marketdata"
)

// SimMode controls how the sim provider behaves
type SimMode string

const (
	SimHealthy     SimMode = "healthy"
	SimRateLimited SimMode = "rate_limited"
	SimDown        SimMode = "down"
)

// SimClient is a deterministic in-process provider for demos and offline
// runs. It serves generator-derived payloads with a small configurable
// latency, and its failure mode can be flipped at runtime to exercise the
// fallback chain end to end.
type SimClient struct {
	mu      sync.RWMutex
	mode    SimMode
	latency time.Duration
	gen     *marketdata.Generator
}

// NewSimClient builds a sim provider seeded for reproducible payloads
func NewSimClient(seed uint64, latency time.Duration) *SimClient {
	return &SimClient{
		mode:    SimHealthy,
		latency: latency,
		gen:     marketdata.NewGenerator(0.005, seed, nil),
	}
}

// SetMode flips the provider's failure mode
func (s *SimClient) SetMode(mode SimMode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

// Mode reports the current failure mode
func (s *SimClient) Mode() SimMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *SimClient) FetchQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	if err := s.gate(ctx, symbol); err != nil {
		return nil, err
	}
	p := s.gen.Generate(marketdata.NewRequestKey(marketdata.KindQuote, symbol, marketdata.Params{}))
	return p.(*marketdata.Quote), nil
}

func (s *SimClient) FetchQuotes(ctx context.Context, symbols []string) (map[string]*marketdata.Quote, error) {
	if err := s.gate(ctx, ""); err != nil {
		return nil, err
	}
	quotes := make(map[string]*marketdata.Quote, len(symbols))
	for _, sym := range symbols {
		norm := marketdata.NormalizeSymbol(sym)
		p := s.gen.Generate(marketdata.NewRequestKey(marketdata.KindQuote, norm, marketdata.Params{}))
		quotes[norm] = p.(*marketdata.Quote)
	}
	return quotes, nil
}

func (s *SimClient) FetchProfile(ctx context.Context, symbol string) (*marketdata.Profile, error) {
	if err := s.gate(ctx, symbol); err != nil {
		return nil, err
	}
	p := s.gen.Generate(marketdata.NewRequestKey(marketdata.KindProfile, symbol, marketdata.Params{}))
	return p.(*marketdata.Profile), nil
}

func (s *SimClient) FetchHistory(ctx context.Context, symbol, period string) (*marketdata.History, error) {
	if err := s.gate(ctx, symbol); err != nil {
		return nil, err
	}
	p := s.gen.Generate(marketdata.NewRequestKey(marketdata.KindHistory, symbol, marketdata.Params{Period: period}))
	return p.(*marketdata.History), nil
}

func (s *SimClient) Close() error { return nil }

// gate applies the configured latency and failure mode
func (s *SimClient) gate(ctx context.Context, symbol string) error {
	s.mu.RLock()
	mode, latency := s.mode, s.latency
	s.mu.RUnlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return marketdata.NewUpstreamUnavailable(symbol, "sim call cancelled", ctx.Err())
		}
	}

	switch mode {
	case SimRateLimited:
		return marketdata.NewUpstreamRateLimited(symbol, "sim provider throttling")
	case SimDown:
		return marketdata.NewUpstreamUnavailable(symbol, "sim provider down", nil)
	}
	return nil
}
