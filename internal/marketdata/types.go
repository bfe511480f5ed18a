package marketdata

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a class of market data with its own freshness policy
type Kind string

const (
	KindQuote   Kind = "quote"
	KindProfile Kind = "profile"
	KindHistory Kind = "history"
)

// Per-kind freshness windows. These are properties of the data class, not of
// any particular cache instance, so they live here as constants.
const (
	TTLQuote   = 30 * time.Second
	TTLProfile = 300 * time.Second
	TTLHistory = 600 * time.Second
)

// Valid reports whether k is a known data kind
func (k Kind) Valid() bool {
	switch k {
	case KindQuote, KindProfile, KindHistory:
		return true
	}
	return false
}

// TTLFor returns the freshness window for a data kind
func TTLFor(k Kind) time.Duration {
	switch k {
	case KindProfile:
		return TTLProfile
	case KindHistory:
		return TTLHistory
	default:
		return TTLQuote
	}
}

// Provenance describes which fallback tier produced a returned value.
// It is computed at response time and never stored inside the value.
type Provenance string

const (
	ProvenanceLive       Provenance = "live"
	ProvenanceCacheFresh Provenance = "cacheFresh"
	ProvenanceCacheStale Provenance = "cacheStale"
	ProvenancePersistent Provenance = "persistent"
	ProvenanceSynthetic  Provenance = "synthetic"
)

// Params carries per-request modifiers that participate in the cache key.
// Only history uses one today (the lookback period).
type Params struct {
	Period string `json:"period,omitempty"` // "1d"|"5d"|"1mo"|"3mo"|"6mo"|"1y"
}

// canonical renders params in a stable order for keying
func (p Params) canonical() string {
	if p.Period == "" {
		return ""
	}
	return "period=" + p.Period
}

// RequestKey uniquely identifies a cacheable, coalesceable unit of data.
// All fields are normalized strings so the struct is directly usable as a map key.
type RequestKey struct {
	Kind   Kind   `json:"kind"`
	Symbol string `json:"symbol"`
	Params string `json:"params,omitempty"`
}

// NewRequestKey builds a normalized key for kind/symbol/params
func NewRequestKey(kind Kind, symbol string, params Params) RequestKey {
	return RequestKey{
		Kind:   kind,
		Symbol: NormalizeSymbol(symbol),
		Params: params.canonical(),
	}
}

// String renders the key in its canonical "kind|symbol|params" form
func (k RequestKey) String() string {
	if k.Params == "" {
		return string(k.Kind) + "|" + k.Symbol
	}
	return string(k.Kind) + "|" + k.Symbol + "|" + k.Params
}

// NormalizeSymbol canonicalizes a ticker for keying and upstream calls.
// Class shares ("BRK.B") and index symbols ("^GSPC") pass through unchanged.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Payload is the value side of a cache entry or response. Implementations are
// plain structs; Clone must return a copy deep enough that mutating the clone
// (price jitter) never touches the cached original.
type Payload interface {
	PayloadKind() Kind
	Clone() Payload
}

// Quote is a normalized point-in-time price for one symbol
type Quote struct {
	Symbol      string    `json:"symbol"`
	CompanyName string    `json:"company_name,omitempty"`
	Price       float64   `json:"price"`
	PrevClose   float64   `json:"prev_close,omitempty"`
	Change      float64   `json:"change"`
	ChangePct   float64   `json:"change_pct"`
	Volume      int64     `json:"volume"`
	Currency    string    `json:"currency,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (q *Quote) PayloadKind() Kind { return KindQuote }

func (q *Quote) Clone() Payload {
	c := *q
	return &c
}

// Profile is slow-moving company reference data
type Profile struct {
	Symbol        string  `json:"symbol"`
	CompanyName   string  `json:"company_name"`
	Sector        string  `json:"sector,omitempty"`
	Industry      string  `json:"industry,omitempty"`
	MarketCap     float64 `json:"market_cap,omitempty"`
	PERatio       float64 `json:"pe_ratio,omitempty"`
	DividendYield float64 `json:"dividend_yield,omitempty"`
	Week52High    float64 `json:"week_52_high,omitempty"`
	Week52Low     float64 `json:"week_52_low,omitempty"`
	Summary       string  `json:"summary,omitempty"`
}

func (p *Profile) PayloadKind() Kind { return KindProfile }

func (p *Profile) Clone() Payload {
	c := *p
	return &c
}

// Bar is one OHLCV interval in a history series
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// History is a bar series for one symbol over one period
type History struct {
	Symbol string `json:"symbol"`
	Period string `json:"period"`
	Bars   []Bar  `json:"bars"`
}

func (h *History) PayloadKind() Kind { return KindHistory }

func (h *History) Clone() Payload {
	c := *h
	c.Bars = make([]Bar, len(h.Bars))
	copy(c.Bars, h.Bars)
	return &c
}

// ValidateQuote performs fail-closed validation on an upstream quote
func ValidateQuote(q *Quote) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}

	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	if q.Price <= 0 {
		return fmt.Errorf("invalid price: %.4f", q.Price)
	}

	if q.Volume < 0 {
		return fmt.Errorf("negative volume: %d", q.Volume)
	}

	if !q.Timestamp.IsZero() && q.Timestamp.After(time.Now().Add(5*time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}

	return nil
}

// Result is what callers receive from every fetch: a payload plus the tier
// that produced it. Age is how old the backing entry was at response time;
// zero for live and synthetic responses.
type Result struct {
	Key        RequestKey    `json:"key"`
	Payload    Payload       `json:"payload"`
	Provenance Provenance    `json:"provenance"`
	Age        time.Duration `json:"age,omitempty"`
}

// Degraded reports whether the result came from anywhere below the live tier
func (r Result) Degraded() bool {
	return r.Provenance != ProvenanceLive && r.Provenance != ProvenanceCacheFresh
}
