package quotes

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jmallard/swingbot/internal/observ"
)

// HTTPProvider fetches intraday data over HTTP. Calls are rate limited and
// run through a circuit breaker; any transport failure, non-2xx response, or
// open breaker surfaces as ErrUnavailable so decisions fail safe.
type HTTPProvider struct {
	client  *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

type HTTPConfig struct {
	BaseURL            string
	APIKey             string
	TimeoutMs          int
	RateLimitPerMinute int
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	st := gobreaker.Settings{Name: "quotes"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &HTTPProvider{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

type barsResponse struct {
	Bars []struct {
		Timestamp time.Time `json:"t"`
		Close     float64   `json:"c"`
		High      float64   `json:"h"`
		Low       float64   `json:"l"`
		Volume    int64     `json:"v"`
	} `json:"bars"`
}

func (p *HTTPProvider) IntradayBars(ctx context.Context, symbol string) ([]Bar, error) {
	out, err := p.do(ctx, func() (any, error) {
		var body barsResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParam("resolution", "1m").
			SetResult(&body).
			Get("/v1/bars/" + symbol)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("bars %s: status %d", symbol, resp.StatusCode())
		}
		bars := make([]Bar, 0, len(body.Bars))
		for _, b := range body.Bars {
			bars = append(bars, Bar{Timestamp: b.Timestamp, Close: b.Close, High: b.High, Low: b.Low, Volume: b.Volume})
		}
		return bars, nil
	})
	if err != nil {
		observ.IncCounter("quote_fetch_failures_total", map[string]string{"kind": "bars"})
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.([]Bar), nil
}

type lastResponse struct {
	Price float64 `json:"price"`
}

func (p *HTTPProvider) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	out, err := p.do(ctx, func() (any, error) {
		var body lastResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetResult(&body).
			Get("/v1/last/" + symbol)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("last %s: status %d", symbol, resp.StatusCode())
		}
		if body.Price <= 0 {
			return nil, fmt.Errorf("last %s: invalid price %f", symbol, body.Price)
		}
		return body.Price, nil
	})
	if err != nil {
		observ.IncCounter("quote_fetch_failures_total", map[string]string{"kind": "last"})
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.(float64), nil
}

func (p *HTTPProvider) do(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.breaker.Execute(fn)
}
