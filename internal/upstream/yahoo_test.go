package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorhagengyue/quotegate/internal/marketdata"
)

func testClient(t *testing.T, srv *httptest.Server) *YahooClient {
	t.Helper()
	c, err := NewYahooClient(YahooConfig{
		BaseURL:            srv.URL,
		RateLimitPerMinute: 60000, // keep the provider guard out of the way
		MaxRetries:         1,
		BackoffBase:        time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestYahooFetchQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7/finance/quote", r.URL.Path)
		assert.Equal(t, "AAPL,MSFT", r.URL.Query().Get("symbols"))
		w.Write([]byte(`{"quoteResponse":{"result":[
			{"symbol":"AAPL","longName":"Apple Inc.","regularMarketPrice":195.89,
			 "regularMarketPreviousClose":193.55,"regularMarketChange":2.34,
			 "regularMarketChangePercent":1.21,"regularMarketVolume":52000000,
			 "regularMarketTime":1717336200,"currency":"USD"},
			{"symbol":"MSFT","shortName":"Microsoft","regularMarketPrice":429.85,
			 "regularMarketPreviousClose":426.40,"regularMarketVolume":18000000,"currency":"USD"}
		],"error":null}}`))
	}))
	defer srv.Close()

	quotes, err := testClient(t, srv).FetchQuotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	aapl := quotes["AAPL"]
	assert.Equal(t, "Apple Inc.", aapl.CompanyName)
	assert.Equal(t, 195.89, aapl.Price)
	assert.Equal(t, 193.55, aapl.PrevClose)
	assert.Equal(t, int64(52000000), aapl.Volume)
	assert.Equal(t, time.Unix(1717336200, 0).UTC(), aapl.Timestamp)
	assert.Equal(t, "Microsoft", quotes["MSFT"].CompanyName, "shortName fills in when longName is absent")
}

func TestYahooFetchQuoteSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteResponse":{"result":[
			{"symbol":"TSLA","regularMarketPrice":238.45,"regularMarketVolume":1,"currency":"USD"}
		]}}`))
	}))
	defer srv.Close()

	q, err := testClient(t, srv).FetchQuote(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.Equal(t, 238.45, q.Price)
}

func TestYahooErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"throttle", http.StatusTooManyRequests, "", marketdata.IsRateLimited},
		{"server error", http.StatusInternalServerError, "", marketdata.IsUnavailable},
		{"bad gateway", http.StatusBadGateway, "", marketdata.IsUnavailable},
		{"client error", http.StatusNotFound, "not found", marketdata.IsMalformed},
		{"empty result", http.StatusOK, `{"quoteResponse":{"result":[]}}`, marketdata.IsMalformed},
		{"provider error object", http.StatusOK, `{"quoteResponse":{"result":[],"error":{"code":"Bad Request","description":"no symbol"}}}`, marketdata.IsMalformed},
		{"undecodable", http.StatusOK, `<html>maintenance</html>`, marketdata.IsMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := testClient(t, srv).FetchQuotes(context.Background(), []string{"AAPL"})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestYahooRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"quoteResponse":{"result":[
			{"symbol":"AAPL","regularMarketPrice":195.89,"regularMarketVolume":1,"currency":"USD"}
		]}}`))
	}))
	defer srv.Close()

	c, err := NewYahooClient(YahooConfig{
		BaseURL:            srv.URL,
		RateLimitPerMinute: 60000,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
	})
	require.NoError(t, err)

	q, err := c.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 195.89, q.Price)
	assert.Equal(t, int32(3), calls.Load())
}

func TestYahooDoesNotRetryMalformed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewYahooClient(YahooConfig{
		BaseURL:            srv.URL,
		RateLimitPerMinute: 60000,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.FetchQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, marketdata.IsMalformed(err))
	assert.Equal(t, int32(1), calls.Load(), "malformed responses are terminal")
}

func TestYahooFetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/finance/quoteSummary/AAPL", r.URL.Path)
		w.Write([]byte(`{"quoteSummary":{"result":[{
			"assetProfile":{"sector":"Technology","industry":"Consumer Electronics","longBusinessSummary":"Designs phones."},
			"summaryDetail":{"marketCap":{"raw":3000000000000,"fmt":"3T"},"trailingPE":{"raw":32.5},
				"dividendYield":{"raw":0.0045},"fiftyTwoWeekHigh":{"raw":237.23},"fiftyTwoWeekLow":{"raw":164.08}},
			"price":{"longName":"Apple Inc."}
		}]}}`))
	}))
	defer srv.Close()

	p, err := testClient(t, srv).FetchProfile(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "Apple Inc.", p.CompanyName)
	assert.Equal(t, "Technology", p.Sector)
	assert.Equal(t, 3e12, p.MarketCap)
	assert.Equal(t, 32.5, p.PERatio)
	assert.Equal(t, 237.23, p.Week52High)
}

func TestYahooFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		assert.Equal(t, "5d", r.URL.Query().Get("range"))
		w.Write([]byte(`{"chart":{"result":[{
			"timestamp":[1717336200,1717422600],
			"indicators":{"quote":[{
				"open":[194.1,195.2],"high":[196.4,197.0],"low":[193.8,194.9],
				"close":[195.89,196.45],"volume":[52000000,48000000]
			}]}
		}]}}`))
	}))
	defer srv.Close()

	h, err := testClient(t, srv).FetchHistory(context.Background(), "AAPL", "5d")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", h.Symbol)
	assert.Equal(t, "5d", h.Period)
	require.Len(t, h.Bars, 2)
	assert.Equal(t, 195.89, h.Bars[0].Close)
	assert.Equal(t, int64(48000000), h.Bars[1].Volume)
	assert.Equal(t, time.Unix(1717336200, 0).UTC(), h.Bars[0].Date)
}

func TestYahooAPIKeyEnv(t *testing.T) {
	t.Setenv("TEST_YAHOO_KEY", "secret")
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		w.Write([]byte(`{"quoteResponse":{"result":[
			{"symbol":"AAPL","regularMarketPrice":1,"regularMarketVolume":1,"currency":"USD"}
		]}}`))
	}))
	defer srv.Close()

	c, err := NewYahooClient(YahooConfig{
		BaseURL:            srv.URL,
		APIKeyEnv:          "TEST_YAHOO_KEY",
		RateLimitPerMinute: 60000,
	})
	require.NoError(t, err)

	_, err = c.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)

	t.Setenv("TEST_YAHOO_KEY", "")
	_, err = NewYahooClient(YahooConfig{APIKeyEnv: "TEST_YAHOO_KEY"})
	assert.Error(t, err, "a named but empty key env is a config mistake")
}

func TestSimClientModes(t *testing.T) {
	sim := NewSimClient(7, 0)
	ctx := context.Background()

	q, err := sim.FetchQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Positive(t, q.Price)

	sim.SetMode(SimRateLimited)
	_, err = sim.FetchQuote(ctx, "AAPL")
	assert.True(t, marketdata.IsRateLimited(err))

	sim.SetMode(SimDown)
	_, err = sim.FetchQuotes(ctx, []string{"AAPL"})
	assert.True(t, marketdata.IsUnavailable(err))

	sim.SetMode(SimHealthy)
	assert.Equal(t, SimHealthy, sim.Mode())
	h, err := sim.FetchHistory(ctx, "AAPL", "5d")
	require.NoError(t, err)
	assert.Len(t, h.Bars, 5)
}

func TestSimClientLatencyHonorsContext(t *testing.T) {
	sim := NewSimClient(7, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.FetchQuote(ctx, "AAPL")
	assert.True(t, marketdata.IsUnavailable(err))
}
