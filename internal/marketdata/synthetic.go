package marketdata

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// baseline is the deterministic reference point the generator works from
type baseline struct {
	price  float64
	name   string
	change float64
}

// Reference values for commonly watched symbols and indices. Symbols outside
// this table get a stable hash-derived baseline so the generator is total.
var baselineTable = map[string]baseline{
	"AAPL":  {195.89, "Apple Inc.", 2.34},
	"GOOGL": {155.34, "Alphabet Inc.", -1.23},
	"MSFT":  {429.85, "Microsoft Corporation", 3.45},
	"TSLA":  {238.45, "Tesla, Inc.", -5.67},
	"AMZN":  {178.32, "Amazon.com, Inc.", 1.89},
	"META":  {520.48, "Meta Platforms, Inc.", 4.32},
	"NVDA":  {875.28, "NVIDIA Corporation", 12.45},
	"BRK.B": {412.56, "Berkshire Hathaway Inc.", -2.34},
	"JPM":   {198.45, "JPMorgan Chase & Co.", 1.23},
	"JNJ":   {158.72, "Johnson & Johnson", -0.89},
	"V":     {284.13, "Visa Inc.", 2.56},
	"PG":    {167.89, "Procter & Gamble Co.", 0.45},
	"UNH":   {524.67, "UnitedHealth Group Inc.", -3.21},
	"HD":    {385.23, "The Home Depot, Inc.", 2.89},
	"MA":    {476.89, "Mastercard Incorporated", 3.67},
	"DIS":   {96.75, "The Walt Disney Company", -1.45},
	"BABA":  {83.45, "Alibaba Group Holding Limited", 1.23},
	"CHA":   {51.23, "China Telecom Corp Ltd", -0.45},
	"PDD":   {112.67, "PDD Holdings Inc.", 4.56},
	"^GSPC": {5000.00, "S&P 500", -45.23},
	"^DJI":  {38000.00, "Dow Jones Industrial Average", -234.56},
	"^IXIC": {16000.00, "NASDAQ Composite", -123.45},
	"^VIX":  {15.00, "VIX Volatility Index", 0.34},
}

// tradingDaysFor maps a history period to a bar count
var tradingDaysFor = map[string]int{
	"1d":  1,
	"5d":  5,
	"1mo": 22,
	"3mo": 66,
	"6mo": 126,
	"1y":  252,
}

// Generator produces deterministic fallback values for any key and applies
// bounded jitter so repeated degraded reads are not byte-identical while
// staying inside a tight band of the baseline. The rng is injected and
// seeded, which makes the jitter sequence reproducible in tests.
type Generator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	jitterPct float64
	clock     Clock
}

// NewGenerator builds a generator with the given jitter bound (0.01 = ±1%)
func NewGenerator(jitterPct float64, seed uint64, clock Clock) *Generator {
	if jitterPct <= 0 {
		jitterPct = 0.01
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Generator{
		rng:       rand.New(rand.NewPCG(seed, seed)),
		jitterPct: jitterPct,
		clock:     clock,
	}
}

// Generate produces a synthetic payload for key. It never fails; every kind
// and every symbol has an answer.
func (g *Generator) Generate(key RequestKey) Payload {
	switch key.Kind {
	case KindProfile:
		return g.profile(key.Symbol)
	case KindHistory:
		return g.history(key.Symbol, periodFromParams(key.Params))
	default:
		return g.quote(key.Symbol)
	}
}

// Jitter returns a copy of p with bounded price perturbation applied.
// Only quotes carry a jitterable price; profiles and bar series are
// returned as unmodified copies since wobbling historical facts would
// misrepresent them.
func (g *Generator) Jitter(p Payload) Payload {
	q, ok := p.(*Quote)
	if !ok {
		return p.Clone()
	}
	c := q.Clone().(*Quote)
	c.Price = round2(c.Price * (1 + g.jitter()))
	if c.PrevClose > 0 {
		c.Change = round2(c.Price - c.PrevClose)
		c.ChangePct = round2(c.Change / c.PrevClose * 100)
	}
	return c
}

func (g *Generator) quote(symbol string) *Quote {
	b := baselineFor(symbol)
	prevClose := b.price - b.change

	price := round2(b.price * (1 + g.jitter()))
	change := round2(price - prevClose)
	changePct := 0.0
	if prevClose > 0 {
		changePct = round2(change / prevClose * 100)
	}

	h := symbolHash(symbol)
	return &Quote{
		Symbol:      symbol,
		CompanyName: b.name,
		Price:       price,
		PrevClose:   round2(prevClose),
		Change:      change,
		ChangePct:   changePct,
		Volume:      1_000_000 + int64(h%49_000_000),
		Currency:    "USD",
		Timestamp:   g.clock.Now(),
	}
}

func (g *Generator) profile(symbol string) *Profile {
	b := baselineFor(symbol)
	h := symbolHash(symbol)

	return &Profile{
		Symbol:        symbol,
		CompanyName:   b.name,
		MarketCap:     round2(b.price * float64(1+h%1000) * 1e9),
		PERatio:       round2(10 + float64(h%3000)/100),
		DividendYield: float64(h%500) / 10000,
		Week52High:    round2(b.price * 1.3),
		Week52Low:     round2(b.price * 0.7),
	}
}

func (g *Generator) history(symbol, period string) *History {
	b := baselineFor(symbol)
	h := symbolHash(symbol)
	days, ok := tradingDaysFor[period]
	if !ok {
		days = tradingDaysFor["1mo"]
	}

	// One jitter draw scales the whole series; the shape itself is a
	// deterministic wobble around the baseline.
	scale := 1 + g.jitter()
	today := g.clock.Now().Truncate(24 * time.Hour)

	bars := make([]Bar, days)
	for i := 0; i < days; i++ {
		age := days - 1 - i
		wobble := 0.02*math.Sin(float64(i)*0.7) + float64((h>>(uint(i)%24))%7)/1000
		mid := b.price * scale * (1 + wobble)
		spread := mid * 0.012

		bars[i] = Bar{
			Date:   today.AddDate(0, 0, -age),
			Open:   round2(mid - spread/3),
			High:   round2(mid + spread),
			Low:    round2(mid - spread),
			Close:  round2(mid + spread/4),
			Volume: 1_000_000 + int64((h+uint64(i)*2654435761)%40_000_000),
		}
	}

	return &History{Symbol: symbol, Period: period, Bars: bars}
}

func (g *Generator) jitter() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return (g.rng.Float64()*2 - 1) * g.jitterPct
}

// baselineFor resolves the reference values for a symbol. Unknown symbols get
// a stable derived baseline in the 50-500 band so the same symbol always
// starts from the same place.
func baselineFor(symbol string) baseline {
	if b, ok := baselineTable[symbol]; ok {
		return b
	}
	h := symbolHash(symbol)
	return baseline{
		price:  50 + float64(h%45000)/100,
		name:   symbol + " Corporation",
		change: float64(int64((h>>16)%1001)-500) / 100,
	}
}

func symbolHash(symbol string) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(symbol))
	return f.Sum64()
}

func periodFromParams(params string) string {
	const prefix = "period="
	if len(params) > len(prefix) && params[:len(prefix)] == prefix {
		return params[len(prefix):]
	}
	return "1mo"
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
