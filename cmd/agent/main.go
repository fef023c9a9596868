package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmallard/swingbot/internal/broker"
	"github.com/jmallard/swingbot/internal/clock"
	"github.com/jmallard/swingbot/internal/config"
	"github.com/jmallard/swingbot/internal/engine"
	"github.com/jmallard/swingbot/internal/observ"
	"github.com/jmallard/swingbot/internal/orderqueue"
	"github.com/jmallard/swingbot/internal/quotes"
	"github.com/jmallard/swingbot/internal/risk"
	sig "github.com/jmallard/swingbot/internal/signal"
	"github.com/jmallard/swingbot/internal/tradelog"
	"github.com/jmallard/swingbot/internal/window"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "swingbot",
		Short:         "Single-account swing trading agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config/config.yaml", "path to YAML config")
	root.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "human-readable console logs")
	root.AddCommand(newRunCmd(flags), newOnceCmd(flags), newStatusCmd(flags))
	return root
}

// app is the wired process: every collaborator built once, shared across
// cycles.
type app struct {
	cfg    config.Root
	clock  *clock.MarketClock
	broker broker.Client
	store  tradelog.Store
	coord  *engine.Coordinator
}

func buildApp(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	observ.Init(cfg.LogLevel, flags.pretty)

	mc, err := clock.New(cfg.ExchangeTimezone)
	if err != nil {
		return nil, err
	}

	var provider quotes.Provider
	if cfg.Quotes.BaseURL != "" {
		provider = quotes.NewHTTPProvider(quotes.HTTPConfig{
			BaseURL:            cfg.Quotes.BaseURL,
			APIKey:             cfg.Quotes.APIKey,
			TimeoutMs:          cfg.Quotes.TimeoutMs,
			RateLimitPerMinute: cfg.Quotes.RateLimitPerMinute,
		})
	} else {
		// No provider configured: decisions fail safe on missing data.
		provider = quotes.NewMockProvider()
	}
	cached := quotes.NewCachedProvider(provider,
		time.Duration(cfg.Quotes.BarCacheTTLSeconds)*time.Second,
		time.Duration(cfg.Quotes.PriceCacheTTLSeconds)*time.Second)

	var brk broker.Client
	if cfg.TradingMode == "live" {
		brk = broker.NewHTTPClient(broker.HTTPConfig{
			BaseURL:            cfg.Broker.BaseURL,
			APIKey:             cfg.Broker.APIKey,
			APISecret:          cfg.Broker.APISecret,
			TimeoutMs:          cfg.Broker.TimeoutMs,
			RateLimitPerMinute: cfg.Broker.RateLimitPerMinute,
		})
	} else {
		brk = broker.NewPaperClient(cfg.Broker.PaperStartingCash, func(symbol string) float64 {
			p, err := cached.LatestPrice(context.Background(), symbol)
			if err != nil {
				return 0
			}
			return p
		})
	}

	store, err := tradelog.NewFileStore(cfg.TradeLogPath)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}

	var scores engine.ScoreSource
	if cfg.Scores.FilePath != "" {
		scores = sig.FileSource{Path: cfg.Scores.FilePath}
	} else {
		scores = sig.NewHTTPSource(sig.HTTPSourceConfig{
			BaseURL:   cfg.Scores.BaseURL,
			APIKey:    cfg.Scores.APIKey,
			TimeoutMs: cfg.Scores.TimeoutMs,
		})
	}

	sampler := window.NewSampler(cfg.Observation.Targets,
		time.Duration(cfg.Observation.SampleIntervalSeconds)*time.Second,
		cached.LatestPrice)

	// Thresholds, limits, and direction tuning reload from disk every
	// cycle; process-level wiring (mode, endpoints, timezone, store path)
	// still needs a restart.
	coord := engine.New(engine.Deps{
		Config: func() (config.Root, error) { return config.Load(flags.configPath) },
		Clock:  mc,
		Quotes: cached,
		Broker: brk,
		Risk:   risk.NewEngine(store, cfg.Limits, cfg.Sectors),
		Queue:  orderqueue.New(time.Duration(cfg.Queue.DelayMinutes)*time.Minute, cfg.IsDefensive),
		Window: sampler,
		Store:  store,
		Scores: scores,
	})

	return &app{cfg: cfg, clock: mc, broker: brk, store: store, coord: coord}, nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run evaluation cycles on the exchange schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if listen != "" {
				go serveMetrics(ctx, listen)
			}
			return a.runLoop(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address for /metrics and /healthz (disabled when empty)")
	return cmd
}

func (a *app) runLoop(ctx context.Context) error {
	observ.Log("agent_started", map[string]any{
		"mode":      a.cfg.TradingMode,
		"benchmark": a.cfg.BenchmarkSymbol,
	})
	for {
		now := time.Now()
		res, err := a.coord.RunCycle(ctx, now, engine.CycleOptions{})
		if err != nil {
			observ.Logger().Error().Err(err).Msg("cycle failed")
		} else {
			observ.Logger().Info().
				Str("phase", string(res.Phase)).
				Strs("sold", res.Sold).
				Strs("bought", res.Bought).
				Strs("queued", res.Queued).
				Msg("cycle complete")
		}

		wait := nextWake(a.clock, time.Now())
		select {
		case <-ctx.Done():
			observ.Log("agent_stopped", nil)
			return nil
		case <-time.After(wait):
		}
	}
}

// nextWake returns how long the run loop sleeps before the next cycle.
// Cycles follow the 10-minute evaluation slots, except around the
// observation window: the loop always wakes for the window start so
// sampling begins at minute 5 rather than the next slot, and runs
// one-minute cycles inside the window so triggers land near the minute
// they fire.
func nextWake(mc *clock.MarketClock, now time.Time) time.Duration {
	wait := mc.NextEvaluationSlot(now).Sub(now)
	open, _ := mc.IsOpen(now)
	if !open {
		return wait
	}
	m := mc.MinutesSinceOpen(now)
	if window.InWindow(m) {
		return time.Minute
	}
	if m < window.StartMinute {
		if d := mc.SessionOpen(now).Add(window.StartMinute * time.Minute).Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}

func newOnceCmd(flags *rootFlags) *cobra.Command {
	var immediate bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single evaluation cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			res, err := a.coord.RunCycle(cmd.Context(), time.Now(), engine.CycleOptions{ImmediateBuys: immediate})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "place buys directly, skipping the confirmation delay")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show market state, account, positions, and recent trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags)
			if err != nil {
				return err
			}
			now := time.Now()
			open, reason := a.clock.IsOpen(now)
			fmt.Printf("mode:      %s\n", a.cfg.TradingMode)
			fmt.Printf("market:    open=%t (%s)\n", open, reason)
			fmt.Printf("next slot: %s\n", a.clock.NextEvaluationSlot(now).Format(time.RFC3339))

			acct, err := a.broker.FetchAccount(cmd.Context())
			if err != nil {
				fmt.Printf("account:   unavailable (%v)\n", err)
			} else {
				fmt.Printf("account:   equity %.2f, buying power %.2f\n", acct.Equity, acct.BuyingPower)
			}

			positions, err := a.broker.FetchPositions(cmd.Context())
			if err != nil {
				fmt.Printf("positions: unavailable (%v)\n", err)
			} else {
				fmt.Printf("positions: %d\n", len(positions))
				for _, p := range positions {
					fmt.Printf("  %-6s qty %g avg %.2f P/L %.1f%%\n", p.Symbol, p.Quantity, p.AvgEntryPrice, p.UnrealizedPLPct)
				}
			}

			recs, err := a.store.All()
			if err != nil {
				return err
			}
			n := 10
			if len(recs) < n {
				n = len(recs)
			}
			fmt.Printf("trades:    %d total, last %d:\n", len(recs), n)
			for _, r := range recs[len(recs)-n:] {
				fmt.Printf("  %s %-4s %-6s qty %g @ %.2f (%s)\n",
					r.Timestamp.Format("2006-01-02 15:04"), r.Side, r.Symbol, r.Quantity, r.Price, r.Reason)
			}
			return nil
		},
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		observ.Logger().Error().Err(err).Msg("metrics server failed")
	}
}
