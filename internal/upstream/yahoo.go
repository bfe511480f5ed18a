package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yorhagengyue/quotegate/internal/marketdata"
)

// YahooConfig holds configuration for the Yahoo-style HTTP client
type YahooConfig struct {
	BaseURL            string
	APIKeyEnv          string // env var holding an optional API key header value
	RateLimitPerMinute int    // provider-side guard, independent of the domain limiter
	Timeout            time.Duration
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
}

// YahooClient fetches quotes, profiles, and history from Yahoo-style JSON
// endpoints. Every failure is normalized to a *marketdata.DataError: 429 maps
// to rate-limited, transport errors and 5xx to unavailable, and anything
// empty or undecodable to malformed. Transient failures retry with
// exponential backoff and jitter.
type YahooClient struct {
	cfg        YahooConfig
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewYahooClient applies defaults and builds the client
func NewYahooClient(cfg YahooConfig) (*YahooClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("upstream: API key env %s is set in config but empty", cfg.APIKeyEnv)
		}
	}

	return &YahooClient{
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
	}, nil
}

// FetchQuote fetches a single symbol through the multi-symbol endpoint
func (y *YahooClient) FetchQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	quotes, err := y.FetchQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, marketdata.NewUpstreamMalformed(symbol, "no quote in response", nil)
	}
	return q, nil
}

// FetchQuotes fetches up to a provider batch of symbols in one call
func (y *YahooClient) FetchQuotes(ctx context.Context, symbols []string) (map[string]*marketdata.Quote, error) {
	joined := strings.Join(symbols, ",")
	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", y.cfg.BaseURL, url.QueryEscape(joined))

	var resp struct {
		QuoteResponse struct {
			Result []yahooQuote `json:"result"`
			Error  *yahooError  `json:"error"`
		} `json:"quoteResponse"`
	}
	if err := y.getJSON(ctx, joined, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.QuoteResponse.Error != nil {
		return nil, marketdata.NewUpstreamMalformed(joined, resp.QuoteResponse.Error.Description, nil)
	}
	if len(resp.QuoteResponse.Result) == 0 {
		return nil, marketdata.NewUpstreamMalformed(joined, "empty quote result", nil)
	}

	quotes := make(map[string]*marketdata.Quote, len(resp.QuoteResponse.Result))
	for _, r := range resp.QuoteResponse.Result {
		q := r.toQuote()
		if err := marketdata.ValidateQuote(q); err != nil {
			continue
		}
		quotes[q.Symbol] = q
	}
	if len(quotes) == 0 {
		return nil, marketdata.NewUpstreamMalformed(joined, "no valid quotes in result", nil)
	}
	return quotes, nil
}

// FetchProfile fetches company reference data for one symbol
func (y *YahooClient) FetchProfile(ctx context.Context, symbol string) (*marketdata.Profile, error) {
	endpoint := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=assetProfile,summaryDetail,price",
		y.cfg.BaseURL, url.PathEscape(symbol))

	var resp struct {
		QuoteSummary struct {
			Result []struct {
				AssetProfile struct {
					Sector              string `json:"sector"`
					Industry            string `json:"industry"`
					LongBusinessSummary string `json:"longBusinessSummary"`
				} `json:"assetProfile"`
				SummaryDetail struct {
					MarketCap        rawValue `json:"marketCap"`
					TrailingPE       rawValue `json:"trailingPE"`
					DividendYield    rawValue `json:"dividendYield"`
					FiftyTwoWeekHigh rawValue `json:"fiftyTwoWeekHigh"`
					FiftyTwoWeekLow  rawValue `json:"fiftyTwoWeekLow"`
				} `json:"summaryDetail"`
				Price struct {
					LongName string `json:"longName"`
				} `json:"price"`
			} `json:"result"`
			Error *yahooError `json:"error"`
		} `json:"quoteSummary"`
	}
	if err := y.getJSON(ctx, symbol, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.QuoteSummary.Error != nil {
		return nil, marketdata.NewUpstreamMalformed(symbol, resp.QuoteSummary.Error.Description, nil)
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return nil, marketdata.NewUpstreamMalformed(symbol, "empty quoteSummary result", nil)
	}

	r := resp.QuoteSummary.Result[0]
	name := r.Price.LongName
	if name == "" {
		name = symbol
	}
	return &marketdata.Profile{
		Symbol:        marketdata.NormalizeSymbol(symbol),
		CompanyName:   name,
		Sector:        r.AssetProfile.Sector,
		Industry:      r.AssetProfile.Industry,
		Summary:       r.AssetProfile.LongBusinessSummary,
		MarketCap:     r.SummaryDetail.MarketCap.Raw,
		PERatio:       r.SummaryDetail.TrailingPE.Raw,
		DividendYield: r.SummaryDetail.DividendYield.Raw,
		Week52High:    r.SummaryDetail.FiftyTwoWeekHigh.Raw,
		Week52Low:     r.SummaryDetail.FiftyTwoWeekLow.Raw,
	}, nil
}

// FetchHistory fetches a daily bar series for one symbol over period
func (y *YahooClient) FetchHistory(ctx context.Context, symbol, period string) (*marketdata.History, error) {
	if period == "" {
		period = "1mo"
	}
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=1d",
		y.cfg.BaseURL, url.PathEscape(symbol), url.QueryEscape(period))

	var resp struct {
		Chart struct {
			Result []struct {
				Timestamp  []int64 `json:"timestamp"`
				Indicators struct {
					Quote []struct {
						Open   []float64 `json:"open"`
						High   []float64 `json:"high"`
						Low    []float64 `json:"low"`
						Close  []float64 `json:"close"`
						Volume []int64   `json:"volume"`
					} `json:"quote"`
				} `json:"indicators"`
			} `json:"result"`
			Error *yahooError `json:"error"`
		} `json:"chart"`
	}
	if err := y.getJSON(ctx, symbol, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, marketdata.NewUpstreamMalformed(symbol, resp.Chart.Error.Description, nil)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, marketdata.NewUpstreamMalformed(symbol, "empty chart result", nil)
	}

	r := resp.Chart.Result[0]
	ohlcv := r.Indicators.Quote[0]
	bars := make([]marketdata.Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		if i >= len(ohlcv.Close) {
			break
		}
		bars = append(bars, marketdata.Bar{
			Date:   time.Unix(ts, 0).UTC(),
			Open:   at(ohlcv.Open, i),
			High:   at(ohlcv.High, i),
			Low:    at(ohlcv.Low, i),
			Close:  at(ohlcv.Close, i),
			Volume: atInt(ohlcv.Volume, i),
		})
	}
	if len(bars) == 0 {
		return nil, marketdata.NewUpstreamMalformed(symbol, "chart result has no bars", nil)
	}
	return &marketdata.History{
		Symbol: marketdata.NormalizeSymbol(symbol),
		Period: period,
		Bars:   bars,
	}, nil
}

// Close releases idle connections
func (y *YahooClient) Close() error {
	y.httpClient.CloseIdleConnections()
	return nil
}

// getJSON performs one logical GET with the provider guard, retrying
// transient failures with capped exponential backoff plus jitter.
func (y *YahooClient) getJSON(ctx context.Context, symbol, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt < y.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := y.cfg.BackoffBase << (attempt - 1)
			if backoff > y.cfg.BackoffMax {
				backoff = y.cfg.BackoffMax
			}
			jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return marketdata.NewUpstreamUnavailable(symbol, "retry wait cancelled", ctx.Err())
			}
		}

		if err := y.limiter.Wait(ctx); err != nil {
			return marketdata.NewUpstreamUnavailable(symbol, "provider guard wait cancelled", err)
		}

		lastErr = y.doOnce(ctx, symbol, endpoint, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (y *YahooClient) doOnce(ctx context.Context, symbol, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return marketdata.NewUpstreamUnavailable(symbol, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "quotegate/1.0")
	if y.apiKey != "" {
		req.Header.Set("X-API-KEY", y.apiKey)
	}

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return marketdata.NewUpstreamUnavailable(symbol, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return marketdata.NewUpstreamRateLimited(symbol, "provider returned 429")
	case resp.StatusCode >= 500:
		return marketdata.NewUpstreamUnavailable(symbol, fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return marketdata.NewUpstreamMalformed(symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return marketdata.NewUpstreamMalformed(symbol, "decode response", err)
	}
	return nil
}

// retryable reports whether another attempt could help: throttles and
// transport-level failures, never malformed payloads.
func retryable(err error) bool {
	return marketdata.IsRateLimited(err) || marketdata.IsUnavailable(err)
}

// yahooQuote is the provider's wire shape for one quote result
type yahooQuote struct {
	Symbol                     string  `json:"symbol"`
	ShortName                  string  `json:"shortName"`
	LongName                   string  `json:"longName"`
	RegularMarketPrice         float64 `json:"regularMarketPrice"`
	RegularMarketPreviousClose float64 `json:"regularMarketPreviousClose"`
	RegularMarketChange        float64 `json:"regularMarketChange"`
	RegularMarketChangePercent float64 `json:"regularMarketChangePercent"`
	RegularMarketVolume        int64   `json:"regularMarketVolume"`
	RegularMarketTime          int64   `json:"regularMarketTime"`
	Currency                   string  `json:"currency"`
}

func (r yahooQuote) toQuote() *marketdata.Quote {
	name := r.LongName
	if name == "" {
		name = r.ShortName
	}
	var ts time.Time
	if r.RegularMarketTime > 0 {
		ts = time.Unix(r.RegularMarketTime, 0).UTC()
	}
	return &marketdata.Quote{
		Symbol:      r.Symbol,
		CompanyName: name,
		Price:       r.RegularMarketPrice,
		PrevClose:   r.RegularMarketPreviousClose,
		Change:      r.RegularMarketChange,
		ChangePct:   r.RegularMarketChangePercent,
		Volume:      r.RegularMarketVolume,
		Currency:    r.Currency,
		Timestamp:   ts,
	}
}

type yahooError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// rawValue unwraps Yahoo's {raw, fmt} number envelope
type rawValue struct {
	Raw float64 `json:"raw"`
}

func at(s []float64, i int) float64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

func atInt(s []int64, i int) int64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}
