package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/pnl"
	"gridbot/internal/quantizer"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGridConfig() config.GridConfig {
	return config.GridConfig{
		Lower: 100, Upper: 200, NLevels: 5, Spacing: "arithmetic",
		SizePerLevel: 1, Mode: "simulated", Venue: "simulator", Symbol: "BASE_QUOTE",
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	gridCfg := testGridConfig()
	sim := exchange.NewSimulator(config.SimulatorConfig{Seed: 1, Volatility: 0.01, StartPrice: 150}, gridCfg.Symbol, quietLogger())
	t.Cleanup(func() { _ = sim.Close() })

	st := store.New(quietLogger())
	eng := engine.New(gridCfg.ToDomain(), sim, quantizer.NewTable(), st, pnl.New(), nil, t.TempDir(),
		config.EngineConfig{TickInterval: time.Hour, MaxBackoff: time.Minute, RateLimitBackoff: time.Second},
		quietLogger())
	if err := eng.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cfg := config.Config{Grid: gridCfg, Store: config.StoreConfig{DataDir: t.TempDir()}}
	return New(eng, cfg, st, nil, quietLogger())
}

func TestStartRequiresConfirm(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	res := o.Start(context.Background(), false)
	if res.Success {
		t.Fatal("expected Start without confirm to fail")
	}
}

func TestStartTwiceIsIllegalState(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	if res := o.Start(context.Background(), true); !res.Success {
		t.Fatalf("first start failed: %+v", res)
	}
	t.Cleanup(func() { o.Stop(true, time.Second) })

	res := o.Start(context.Background(), true)
	if res.Success {
		t.Fatal("expected second start to be rejected as illegal state")
	}
}

func TestStopRequiresConfirmAndRunningState(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	if res := o.Stop(true, time.Second); res.Success {
		t.Fatal("expected stop on a non-running engine to fail")
	}

	if res := o.Start(context.Background(), true); !res.Success {
		t.Fatalf("start failed: %+v", res)
	}
	if res := o.Stop(false, time.Second); res.Success {
		t.Fatal("expected stop without confirm to fail")
	}
	if res := o.Stop(true, time.Second); !res.Success {
		t.Fatalf("stop failed: %+v", res)
	}
}

func TestUpdateConfigRequiresRestartOnCriticalChange(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	if res := o.Start(context.Background(), true); !res.Success {
		t.Fatalf("start failed: %+v", res)
	}
	t.Cleanup(func() { o.Stop(true, time.Second) })

	newCfg := testGridConfig()
	newCfg.NLevels = 9 // critical: level count changed

	res := o.UpdateConfig(newCfg)
	if !res.Success || !res.RestartRequired {
		t.Fatalf("expected restart_required=true for level count change, got %+v", res)
	}
}

func TestUpdateConfigHotAppliesZonesWhileRunning(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	if res := o.Start(context.Background(), true); !res.Success {
		t.Fatalf("start failed: %+v", res)
	}
	t.Cleanup(func() { o.Stop(true, time.Second) })

	newCfg := testGridConfig()
	newCfg.Zones = []config.ZoneCfg{{ID: 1, StartIdx: 0, EndIdx: 4, Enabled: false}}

	res := o.UpdateConfig(newCfg)
	if !res.Success || res.RestartRequired {
		t.Fatalf("expected zone change to hot-apply without restart, got %+v", res)
	}
}

func TestStatusReflectsRuntimeState(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	res := o.Status()
	if !res.Success {
		t.Fatalf("status should always succeed, got %+v", res)
	}
}

func TestCancelByIDNotFound(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	if res := o.Start(context.Background(), true); !res.Success {
		t.Fatalf("start failed: %+v", res)
	}
	t.Cleanup(func() { o.Stop(true, time.Second) })

	res := o.CancelByID(context.Background(), "no-such-order")
	if res.Success {
		t.Fatal("expected cancel of unknown order id to fail")
	}
}

func TestSyncManualAdoptsAndPersists(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	orders := []types.ExternalOrder{
		{ID: "ext-1", Side: types.Buy, Price: decimal.NewFromInt(125), Amount: decimal.NewFromInt(1), Timestamp: time.Now()},
	}
	res := o.SyncManual(context.Background(), orders)
	if !res.Success {
		t.Fatalf("sync manual failed: %+v", res)
	}

	loaded, err := store.LoadManualSync(o.dataDir)
	if err != nil {
		t.Fatalf("LoadManualSync: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "ext-1" {
		t.Fatalf("expected persisted manual sync to round-trip, got %+v", loaded)
	}
}
