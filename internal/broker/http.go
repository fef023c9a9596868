package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jmallard/swingbot/internal/observ"
)

// HTTPClient talks to an Alpaca-style brokerage REST API. Reads go through a
// circuit breaker; order placement does not, so a rejection comes back
// verbatim instead of as a breaker artifact.
type HTTPClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

type HTTPConfig struct {
	BaseURL            string
	APIKey             string
	APISecret          string
	TimeoutMs          int
	RateLimitPerMinute int
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret)

	st := gobreaker.Settings{Name: "broker"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &HTTPClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

func (c *HTTPClient) FetchAccount(ctx context.Context) (Account, error) {
	out, err := c.read(ctx, func() (any, error) {
		var acct Account
		resp, err := c.client.R().SetContext(ctx).SetResult(&acct).Get("/v2/account")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("account: status %d", resp.StatusCode())
		}
		return acct, nil
	})
	if err != nil {
		observ.IncCounter("broker_fetch_failures_total", map[string]string{"kind": "account"})
		return Account{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.(Account), nil
}

func (c *HTTPClient) FetchPositions(ctx context.Context) ([]Position, error) {
	out, err := c.read(ctx, func() (any, error) {
		var positions []Position
		resp, err := c.client.R().SetContext(ctx).SetResult(&positions).Get("/v2/positions")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("positions: status %d", resp.StatusCode())
		}
		return positions, nil
	})
	if err != nil {
		observ.IncCounter("broker_fetch_failures_total", map[string]string{"kind": "positions"})
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.([]Position), nil
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, order Order) (OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}
	var result OrderResult
	resp, err := c.client.R().SetContext(ctx).SetBody(order).SetResult(&result).Post("/v2/orders")
	if err != nil {
		return OrderResult{}, fmt.Errorf("place order %s: %w", order.Symbol, err)
	}
	if resp.IsError() {
		// Rejection reason surfaces verbatim; the next cycle re-evaluates.
		return OrderResult{}, fmt.Errorf("order %s rejected: %s", order.Symbol, resp.String())
	}
	observ.IncCounter("broker_orders_total", map[string]string{"side": order.Side})
	return result, nil
}

func (c *HTTPClient) read(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.breaker.Execute(fn)
}
