package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jmallard/swingbot/internal/quotes"
)

// HTTPSource pulls ticker scores from the external scoring service. Scoring
// is an upstream concern; this adapter only shapes its output into Tickers.
type HTTPSource struct {
	client *resty.Client
}

type HTTPSourceConfig struct {
	BaseURL   string
	APIKey    string
	TimeoutMs int
}

func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	return &HTTPSource{
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond).
			SetHeader("Authorization", "Bearer "+cfg.APIKey),
	}
}

type scoresResponse struct {
	Tickers []scoredTicker `json:"tickers"`
}

type scoredTicker struct {
	Symbol       string  `json:"symbol"`
	Score        float64 `json:"score"`
	Price        float64 `json:"price"`
	ChangePct    float64 `json:"change_pct"`
	MACD         string  `json:"macd"`
	VolumeStatus string  `json:"volume_status"`
}

func (s *HTTPSource) Tickers(ctx context.Context) ([]Ticker, error) {
	var body scoresResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/v1/scores")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quotes.ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: scores status %d", quotes.ErrUnavailable, resp.StatusCode())
	}
	return toTickers(body.Tickers), nil
}

// FileSource reads scores from a JSON file. Used for paper runs and replays
// where the scoring service is a fixture on disk.
type FileSource struct {
	Path string
}

func (s FileSource) Tickers(context.Context) ([]Ticker, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quotes.ErrUnavailable, err)
	}
	var body scoresResponse
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", quotes.ErrUnavailable, s.Path, err)
	}
	return toTickers(body.Tickers), nil
}

func toTickers(in []scoredTicker) []Ticker {
	out := make([]Ticker, 0, len(in))
	for _, t := range in {
		out = append(out, Ticker{
			Symbol:       t.Symbol,
			Score:        t.Score,
			Price:        t.Price,
			ChangePct:    t.ChangePct,
			MACD:         MACDTrend(t.MACD),
			VolumeStatus: t.VolumeStatus,
		})
	}
	return out
}
