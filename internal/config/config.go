package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds maps ticker scores to buy/sell actions.
type Thresholds struct {
	Buy                  float64 `yaml:"buy"`                    // min score when benchmark negative
	BuySpyPositive       float64 `yaml:"buy_spy_positive"`       // min score when benchmark positive
	Sell                 float64 `yaml:"sell"`                   // max score to trigger a sell
	ExtremeBuy           float64 `yaml:"extreme_buy"`            // bypasses normal buy gating
	ExtremeSell          float64 `yaml:"extreme_sell"`           // forces an unconditional sell
	TechnicalOverride    float64 `yaml:"technical_override"`     // sells even a protected position
	ProtectedPositionPct float64 `yaml:"protected_position_pct"` // P/L% that activates momentum protection
}

// Limits holds position caps and the anti-churn guard windows.
type Limits struct {
	MaxTotalPositions       int     `yaml:"max_total_positions"`
	MaxPositionPct          float64 `yaml:"max_position_pct"` // fraction of equity per new position
	CooldownMinutes         int     `yaml:"cooldown_minutes"`
	MinHoldPeriodDays       int     `yaml:"min_hold_period_days"`
	WashSaleWindowDays      int     `yaml:"wash_sale_window_days"`
	RepeatLoserCooldownDays int     `yaml:"repeat_loser_cooldown_days"`
	MaxRotationsPerWeek     int     `yaml:"max_rotations_per_week"`
	DailyDrawdownPct        float64 `yaml:"daily_drawdown_pct"`
}

// Direction tunes the benchmark direction filter.
type Direction struct {
	HardBlockPct      float64 `yaml:"hard_block_pct"`      // daily change below this is an unconditional block
	WeightedAvgMinPct float64 `yaml:"weighted_avg_min_pct"`
	RangePositionMin  float64 `yaml:"range_position_min"`
	RolloverPct       float64 `yaml:"rollover_pct"` // 5m/10m both below this blocks a green day
}

// Queue configures the delayed buy confirmation window.
type Queue struct {
	DelayMinutes int `yaml:"delay_minutes"`
}

// Observation configures the post-open entry window.
type Observation struct {
	Targets               []string `yaml:"targets"`
	SampleIntervalSeconds int      `yaml:"sample_interval_seconds"`
}

// Broker configures the brokerage HTTP client. PaperStartingCash seeds the
// simulated account when trading_mode is paper.
type Broker struct {
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	APISecret          string  `yaml:"api_secret"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
	PaperStartingCash  float64 `yaml:"paper_starting_cash"`
}

// Scores configures where ticker scores come from: an HTTP scoring service
// or a local JSON file for paper runs.
type Scores struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
	FilePath  string `yaml:"file_path"`
}

// Quotes configures the intraday bar provider and its caches.
type Quotes struct {
	BaseURL              string `yaml:"base_url"`
	APIKey               string `yaml:"api_key"`
	TimeoutMs            int    `yaml:"timeout_ms"`
	RateLimitPerMinute   int    `yaml:"rate_limit_per_minute"`
	BarCacheTTLSeconds   int    `yaml:"bar_cache_ttl_seconds"`
	PriceCacheTTLSeconds int    `yaml:"price_cache_ttl_seconds"`
}

type Root struct {
	TradingMode      string            `yaml:"trading_mode"` // paper | live
	ExchangeTimezone string            `yaml:"exchange_timezone"`
	BenchmarkSymbol  string            `yaml:"benchmark_symbol"`
	DefensiveSymbols []string          `yaml:"defensive_symbols"` // inverse/short instruments exempt from direction gating
	Blacklist        []string          `yaml:"blacklist"`
	Sectors          map[string]string `yaml:"sectors"` // symbol -> sector tag
	Thresholds       Thresholds        `yaml:"thresholds"`
	Limits           Limits            `yaml:"limits"`
	Direction        Direction         `yaml:"direction"`
	Queue            Queue             `yaml:"queue"`
	Observation      Observation       `yaml:"observation"`
	Broker           Broker            `yaml:"broker"`
	Quotes           Quotes            `yaml:"quotes"`
	Scores           Scores            `yaml:"scores"`
	TradeLogPath     string            `yaml:"trade_log_path"`
	LogLevel         string            `yaml:"log_level"`
}

// Load reads and validates configuration from a YAML file, applying the
// documented defaults for anything unset.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Root) ApplyDefaults() {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.ExchangeTimezone == "" {
		c.ExchangeTimezone = "America/New_York"
	}
	if c.BenchmarkSymbol == "" {
		c.BenchmarkSymbol = "SPY"
	}
	if c.Thresholds.Buy == 0 {
		c.Thresholds.Buy = 8.0
	}
	if c.Thresholds.BuySpyPositive == 0 {
		c.Thresholds.BuySpyPositive = 7.1
	}
	if c.Thresholds.Sell == 0 {
		c.Thresholds.Sell = 4.5
	}
	if c.Thresholds.ExtremeBuy == 0 {
		c.Thresholds.ExtremeBuy = 9.0
	}
	if c.Thresholds.ExtremeSell == 0 {
		c.Thresholds.ExtremeSell = 1.5
	}
	if c.Thresholds.TechnicalOverride == 0 {
		c.Thresholds.TechnicalOverride = 2.7
	}
	if c.Thresholds.ProtectedPositionPct == 0 {
		c.Thresholds.ProtectedPositionPct = 8.0
	}
	if c.Limits.MaxTotalPositions == 0 {
		c.Limits.MaxTotalPositions = 3
	}
	if c.Limits.MaxPositionPct == 0 {
		c.Limits.MaxPositionPct = 0.30
	}
	if c.Limits.CooldownMinutes == 0 {
		c.Limits.CooldownMinutes = 30
	}
	if c.Limits.MinHoldPeriodDays == 0 {
		c.Limits.MinHoldPeriodDays = 3
	}
	if c.Limits.WashSaleWindowDays == 0 {
		c.Limits.WashSaleWindowDays = 30
	}
	if c.Limits.RepeatLoserCooldownDays == 0 {
		c.Limits.RepeatLoserCooldownDays = 90
	}
	if c.Limits.MaxRotationsPerWeek == 0 {
		c.Limits.MaxRotationsPerWeek = 4
	}
	if c.Limits.DailyDrawdownPct == 0 {
		c.Limits.DailyDrawdownPct = 3.0
	}
	if c.Direction.HardBlockPct == 0 {
		c.Direction.HardBlockPct = -0.3
	}
	if c.Direction.WeightedAvgMinPct == 0 {
		c.Direction.WeightedAvgMinPct = 0.15
	}
	if c.Direction.RangePositionMin == 0 {
		c.Direction.RangePositionMin = 0.6
	}
	if c.Direction.RolloverPct == 0 {
		c.Direction.RolloverPct = -0.15
	}
	if c.Queue.DelayMinutes == 0 {
		c.Queue.DelayMinutes = 5
	}
	if c.Observation.SampleIntervalSeconds == 0 {
		c.Observation.SampleIntervalSeconds = 10
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 10000
	}
	if c.Broker.RateLimitPerMinute == 0 {
		c.Broker.RateLimitPerMinute = 200
	}
	if c.Broker.PaperStartingCash == 0 {
		c.Broker.PaperStartingCash = 100000
	}
	if c.Scores.TimeoutMs == 0 {
		c.Scores.TimeoutMs = 10000
	}
	if c.Quotes.TimeoutMs == 0 {
		c.Quotes.TimeoutMs = 10000
	}
	if c.Quotes.RateLimitPerMinute == 0 {
		c.Quotes.RateLimitPerMinute = 200
	}
	if c.Quotes.BarCacheTTLSeconds == 0 {
		c.Quotes.BarCacheTTLSeconds = 120
	}
	if c.Quotes.PriceCacheTTLSeconds == 0 {
		c.Quotes.PriceCacheTTLSeconds = 8
	}
	if c.TradeLogPath == "" {
		c.TradeLogPath = "data/trades.jsonl"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations that would make the decision rules
// contradictory. A cycle must not run on an invalid config.
func (c *Root) Validate() error {
	if c.TradingMode != "paper" && c.TradingMode != "live" {
		return fmt.Errorf("invalid trading_mode %q: must be paper or live", c.TradingMode)
	}
	t := c.Thresholds
	if t.ExtremeSell >= t.Sell {
		return fmt.Errorf("extreme_sell (%.1f) must be below sell (%.1f)", t.ExtremeSell, t.Sell)
	}
	if t.TechnicalOverride >= t.Sell {
		return fmt.Errorf("technical_override (%.1f) must be below sell (%.1f)", t.TechnicalOverride, t.Sell)
	}
	if t.Sell >= t.BuySpyPositive {
		return fmt.Errorf("sell (%.1f) must be below buy_spy_positive (%.1f)", t.Sell, t.BuySpyPositive)
	}
	if t.BuySpyPositive > t.Buy {
		return fmt.Errorf("buy_spy_positive (%.1f) must not exceed buy (%.1f)", t.BuySpyPositive, t.Buy)
	}
	if t.ExtremeBuy < t.Buy {
		return fmt.Errorf("extreme_buy (%.1f) must not be below buy (%.1f)", t.ExtremeBuy, t.Buy)
	}
	if c.Limits.MaxTotalPositions < 1 {
		return fmt.Errorf("max_total_positions must be at least 1")
	}
	if c.Limits.MaxPositionPct <= 0 || c.Limits.MaxPositionPct > 1 {
		return fmt.Errorf("max_position_pct must be in (0, 1], got %.2f", c.Limits.MaxPositionPct)
	}
	if c.Limits.DailyDrawdownPct <= 0 {
		return fmt.Errorf("daily_drawdown_pct must be positive")
	}
	if c.Direction.HardBlockPct >= 0 {
		return fmt.Errorf("direction hard_block_pct must be negative, got %.2f", c.Direction.HardBlockPct)
	}
	return nil
}

// IsDefensive reports whether symbol is on the inverse/short allow-list.
func (c *Root) IsDefensive(symbol string) bool {
	for _, s := range c.DefensiveSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether symbol is excluded from buys entirely.
func (c *Root) IsBlacklisted(symbol string) bool {
	for _, s := range c.Blacklist {
		if s == symbol {
			return true
		}
	}
	return false
}
