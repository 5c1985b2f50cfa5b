// gridbot runs a static price-grid limit-order reconciliation engine: it
// places resting limit orders at a fixed ladder of prices around a symbol
// and keeps them reconciled against whatever the venue reports, replacing
// fills a tick after they are detected and converging to whatever bounds
// and zone configuration an operator has set.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires engine, waits for SIGINT/SIGTERM
//	internal/engine            — the reconciliation loop: one goroutine, one tick at a time
//	internal/geometry          — grid level and zone math (arithmetic/geometric spacing)
//	internal/quantizer         — per-venue minimum size/notional/tick rules
//	internal/exchange          — venue adapters: signed-REST, library-backed, and a GBM simulator
//	internal/orchestrator      — life-cycle guards and config-diff classification for the operator surface
//	internal/store             — in-memory runtime state plus its pub/sub fanout
//	internal/audit             — durable action log, order/trade mirrors, config history
//	internal/pnl               — realized/unrealized PnL tracking
//	internal/api               — HTTP/WebSocket operator surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gridbot/internal/api"
	"gridbot/internal/audit"
	"gridbot/internal/config"
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/orchestrator"
	"gridbot/internal/pnl"
	"gridbot/internal/quantizer"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx := context.Background()

	adapter, err := newAdapter(*cfg, logger)
	if err != nil {
		logger.Error("failed to create venue adapter", "error", err)
		os.Exit(1)
	}

	qtable := quantizer.NewTable()
	markets, err := adapter.LoadMarkets(ctx)
	if err != nil {
		logger.Error("failed to load market minimums", "error", err)
		os.Exit(1)
	}
	if info, ok := markets[cfg.Grid.Symbol]; ok {
		qtable.Set(types.Venue(cfg.Grid.Venue), cfg.Grid.Symbol, quantizer.Rule{
			MinSize:     info.MinSize,
			MinNotional: info.MinNotional,
			SizeStep:    info.SizeStep,
			PriceTick:   info.PriceTick,
		})
	}

	auditStore, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		logger.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}

	st := store.New(logger)
	pnlTracker := pnl.New()

	eng := engine.New(cfg.Grid.ToDomain(), adapter, qtable, st, pnlTracker, auditStore, cfg.Store.DataDir, cfg.Engine, logger)
	if err := eng.Init(); err != nil {
		logger.Error("failed to initialize grid", "error", err)
		os.Exit(1)
	}

	if adopted, err := store.LoadManualSync(cfg.Store.DataDir); err != nil {
		logger.Warn("failed to load manual sync file", "error", err)
	} else if len(adopted) > 0 {
		if err := eng.AdoptExternal(ctx, adopted); err != nil {
			logger.Warn("failed to adopt persisted manual sync orders", "error", err)
		}
	}

	orch := orchestrator.New(eng, *cfg, st, auditStore, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, orch, st, cfg.Engine.TickInterval, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if res := orch.Start(ctx, true); !res.Success {
		logger.Error("failed to start engine", "message", res.Message)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("dry_run is set; it does not change adapter selection or order placement")
	}

	logger.Info("grid bot started",
		"venue", cfg.Grid.Venue,
		"symbol", cfg.Grid.Symbol,
		"n_levels", cfg.Grid.NLevels,
		"mode", cfg.Grid.Mode,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	drainTimeout := cfg.Engine.StopDrainTimeout
	if res := orch.Stop(true, drainTimeout); !res.Success {
		logger.Error("failed to stop engine cleanly", "message", res.Message)
	}
}

// newAdapter selects the venue adapter for the configured mode. Simulated
// mode always uses the GBM random-walk venue regardless of grid.venue, so
// operators can rehearse a grid's geometry before risking real orders.
func newAdapter(cfg config.Config, logger *slog.Logger) (exchange.Adapter, error) {
	if types.Mode(cfg.Grid.Mode) == types.ModeSimulated {
		return exchange.NewSimulator(cfg.Simulator, cfg.Grid.Symbol, logger), nil
	}

	switch types.Venue(cfg.Grid.Venue) {
	case types.VenueA:
		return exchange.NewVenueA(cfg.VenueA, logger), nil
	case types.VenueB:
		return exchange.NewVenueB(cfg.VenueB, logger), nil
	default:
		return nil, fmt.Errorf("unknown venue %q for live mode", cfg.Grid.Venue)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
