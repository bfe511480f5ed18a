package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuote(symbol string, price float64) *Quote {
	return &Quote{Symbol: symbol, Price: price, PrevClose: price - 1, Volume: 1000}
}

func TestTieredCacheFreshness(t *testing.T) {
	clock := newManualClock(testEpoch)
	c := NewTieredCache(clock)
	key := NewRequestKey(KindQuote, "AAPL", Params{})

	_, _, _, ok := c.Get(key)
	assert.False(t, ok, "empty cache has no entry")

	c.Set(key, testQuote("AAPL", 195.89))

	payload, age, fresh, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Zero(t, age)
	assert.Equal(t, 195.89, payload.(*Quote).Price)

	// Still fresh just inside the quote TTL, and the age says how close.
	clock.Advance(TTLQuote - time.Second)
	_, age, fresh, ok = c.Get(key)
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, TTLQuote-time.Second, age)

	// Expired for the fresh path, still served on the stale path.
	clock.Advance(2 * time.Second)
	_, _, fresh, ok = c.Get(key)
	require.True(t, ok)
	assert.False(t, fresh)

	payload, age, ok = c.GetStale(key)
	require.True(t, ok)
	assert.Equal(t, TTLQuote+time.Second, age)
	assert.Equal(t, 195.89, payload.(*Quote).Price)
}

func TestTieredCachePerKindTTL(t *testing.T) {
	clock := newManualClock(testEpoch)
	c := NewTieredCache(clock)

	quoteKey := NewRequestKey(KindQuote, "AAPL", Params{})
	profileKey := NewRequestKey(KindProfile, "AAPL", Params{})
	historyKey := NewRequestKey(KindHistory, "AAPL", Params{Period: "1mo"})

	c.Set(quoteKey, testQuote("AAPL", 195.89))
	c.Set(profileKey, &Profile{Symbol: "AAPL", CompanyName: "Apple Inc."})
	c.Set(historyKey, &History{Symbol: "AAPL", Period: "1mo"})

	// 60s: quote expired, profile and history still fresh.
	clock.Advance(60 * time.Second)
	_, _, fresh, _ := c.Get(quoteKey)
	assert.False(t, fresh)
	_, _, fresh, _ = c.Get(profileKey)
	assert.True(t, fresh)
	_, _, fresh, _ = c.Get(historyKey)
	assert.True(t, fresh)

	// 301s total: profile expired, history hangs on.
	clock.Advance(241 * time.Second)
	_, _, fresh, _ = c.Get(profileKey)
	assert.False(t, fresh)
	_, _, fresh, _ = c.Get(historyKey)
	assert.True(t, fresh)
}

func TestTieredCacheSetAlwaysOverwrites(t *testing.T) {
	clock := newManualClock(testEpoch)
	c := NewTieredCache(clock)
	key := NewRequestKey(KindQuote, "MSFT", Params{})

	c.Set(key, testQuote("MSFT", 400))
	clock.Advance(10 * time.Second)
	c.Set(key, testQuote("MSFT", 410))

	payload, _, fresh, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, 410.0, payload.(*Quote).Price)

	_, age, _ := c.GetStale(key)
	assert.Zero(t, age, "overwrite restamps fetchedAt")
}

func TestTieredCacheKeyIsolation(t *testing.T) {
	c := NewTieredCache(newManualClock(testEpoch))

	c.Set(NewRequestKey(KindHistory, "AAPL", Params{Period: "1d"}), &History{Symbol: "AAPL", Period: "1d"})

	// Same symbol, different period, is a different unit.
	_, _, _, ok := c.Get(NewRequestKey(KindHistory, "AAPL", Params{Period: "1y"}))
	assert.False(t, ok)

	payload, _, _, ok := c.Get(NewRequestKey(KindHistory, "aapl ", Params{Period: "1d"}))
	require.True(t, ok, "symbol normalization applies at keying")
	assert.Equal(t, "1d", payload.(*History).Period)

	assert.Equal(t, 1, c.Len())
}
