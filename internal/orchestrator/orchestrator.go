// Package orchestrator wraps a reconciliation engine with life-cycle
// guards, operator confirmation requirements, and config-diff
// classification, exposing the same {success, message, data} result shape
// the operator surface (HTTP/WebSocket) serializes directly. It serializes
// every life-cycle call through a single mutex, mirroring BotService's
// single-instance-per-process model.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gridbot/internal/audit"
	"gridbot/internal/config"
	"gridbot/internal/engine"
	"gridbot/internal/quantizer"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

// Result is the uniform shape every orchestrator call returns.
type Result struct {
	Success         bool        `json:"success"`
	Message         string      `json:"message"`
	Data            interface{} `json:"data,omitempty"`
	RestartRequired bool        `json:"restart_required,omitempty"`
}

func ok(msg string, data interface{}) Result { return Result{Success: true, Message: msg, Data: data} }
func fail(msg string) Result                 { return Result{Success: false, Message: msg} }

// Orchestrator owns one Engine instance end-to-end, guarding start/stop/
// reset/config-update legality the way the operator-facing API requires.
type Orchestrator struct {
	mu sync.Mutex

	eng        *engine.Engine
	cfg        config.Config
	store      *store.Store
	auditStore *audit.Store
	dataDir    string
	logger     *slog.Logger

	running bool
}

// New wraps an already-constructed, already-Init'd Engine.
func New(eng *engine.Engine, cfg config.Config, st *store.Store, auditStore *audit.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		eng:        eng,
		cfg:        cfg,
		store:      st,
		auditStore: auditStore,
		dataDir:    cfg.Store.DataDir,
		logger:     logger.With("component", "orchestrator"),
	}
}

func (o *Orchestrator) logAction(action, detail string, confirmed bool) {
	if o.auditStore == nil {
		return
	}
	if err := o.auditStore.LogAction(action, detail, confirmed); err != nil {
		o.logger.Warn("failed to write action log", "action", action, "error", err)
	}
}

// Start begins the engine's reconciliation loop. Requires confirm=true and
// rejects the call if the engine is already running.
func (o *Orchestrator) Start(ctx context.Context, confirm bool) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !confirm {
		return fail("confirmation required")
	}
	if o.running {
		return fail("illegal state: already running")
	}

	if err := o.eng.Start(ctx); err != nil {
		return fail(fmt.Sprintf("failed to start: %v", err))
	}
	o.running = true
	o.logAction("START", fmt.Sprintf("mode=%s venue=%s", o.cfg.Grid.Mode, o.cfg.Grid.Venue), true)
	return ok("bot started successfully", nil)
}

// Stop drains the reconciliation loop and runs a final cancel-all.
func (o *Orchestrator) Stop(confirm bool, drainTimeout time.Duration) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !confirm {
		return fail("confirmation required")
	}
	if !o.running {
		return fail("illegal state: not running")
	}

	if err := o.eng.Stop(drainTimeout); err != nil {
		return fail(fmt.Sprintf("failed to stop: %v", err))
	}
	o.running = false
	o.logAction("STOP", "", true)
	return ok("bot stopped successfully", nil)
}

// Reset cancels all tracked orders and optionally clears PnL/inventory
// accounting. It does not require the engine to be stopped first.
func (o *Orchestrator) Reset(ctx context.Context, confirm, clearPositions, cancelOnly bool) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !confirm {
		return fail("confirmation required")
	}

	if err := o.eng.Reset(ctx, cancelOnly, clearPositions); err != nil {
		return fail(fmt.Sprintf("failed to reset: %v", err))
	}
	o.logAction("RESET", fmt.Sprintf("clear_positions=%v cancel_only=%v", clearPositions, cancelOnly), true)
	return ok("bot reset successfully", nil)
}

// criticalChanged reports whether bounds, level count, venue, or mode
// differ between two configs — these require a restart to take effect
// while the engine is running; everything else hot-applies.
func criticalChanged(old, new config.GridConfig) bool {
	return old.Upper != new.Upper ||
		old.Lower != new.Lower ||
		old.NLevels != new.NLevels ||
		old.Mode != new.Mode ||
		old.Venue != new.Venue
}

// UpdateConfig replaces the orchestrator's copy of the grid configuration.
// Bounds, level count, venue, and mode changes require a restart while
// running. Otherwise, while running, each zone's enabled flag is pushed to
// the engine for the next tick; zones the engine does not already know,
// changed zone index ranges, and a changed per-level size are not applied
// to the running engine.
func (o *Orchestrator) UpdateConfig(newCfg config.GridConfig) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.cfg.Grid
	o.cfg.Grid = newCfg
	restartRequired := o.running && criticalChanged(old, newCfg)

	if blob, err := json.Marshal(newCfg); err == nil && o.auditStore != nil {
		_ = o.auditStore.RecordConfigChange(string(blob), restartRequired)
	}
	o.logAction("CONFIG_CHANGED", "", true)

	if restartRequired {
		return Result{Success: true, Message: "configuration updated, restart required for changes to take effect", RestartRequired: true}
	}

	if o.running {
		// Hot-apply: push the new zone set through the same command channel
		// toggle_zone uses, one zone at a time.
		for _, z := range newCfg.Zones {
			if err := o.eng.ToggleZone(context.Background(), z.ID, z.Enabled); err != nil {
				o.logger.Warn("failed to hot-apply zone change", "zone_id", z.ID, "error", err)
			}
		}
	}
	return ok("configuration updated", nil)
}

// Status returns the current RuntimeState plus a config echo.
func (o *Orchestrator) Status() Result {
	snap := o.store.Snapshot()
	return ok("", map[string]interface{}{
		"state":     snap.BotState,
		"pnl":       map[string]interface{}{"realized": snap.PnLRealized, "unrealized": snap.PnLUnrealized},
		"inventory": snap.Inventory,
		"last_error": snap.LastError,
		"grid":      o.cfg.Grid,
	})
}

// Levels returns the read-model for every grid level.
func (o *Orchestrator) Levels() Result {
	return ok("", o.eng.LevelViews())
}

// ToggleZone enables or disables a zone.
func (o *Orchestrator) ToggleZone(ctx context.Context, zoneID int, enabled bool) Result {
	if err := o.eng.ToggleZone(ctx, zoneID, enabled); err != nil {
		return fail(fmt.Sprintf("failed to toggle zone: %v", err))
	}
	action := "disabled"
	if enabled {
		action = "enabled"
	}
	o.logAction("ZONE_TOGGLED", fmt.Sprintf("zone_id=%d enabled=%v", zoneID, enabled), true)
	return ok(fmt.Sprintf("zone %d %s", zoneID, action), nil)
}

// CancelLevelOrder cancels the order at a level and holds it empty.
func (o *Orchestrator) CancelLevelOrder(ctx context.Context, levelIndex int) Result {
	if err := o.eng.CancelLevel(ctx, levelIndex); err != nil {
		return fail(fmt.Sprintf("failed to cancel level %d: %v", levelIndex, err))
	}
	o.logAction("CANCEL_ORDER", fmt.Sprintf("level_index=%d", levelIndex), true)
	return ok(fmt.Sprintf("order at level %d cancelled", levelIndex), nil)
}

// EnableLevelOrder clears a manual cancel hold on a level.
func (o *Orchestrator) EnableLevelOrder(ctx context.Context, levelIndex int) Result {
	if err := o.eng.EnableLevel(ctx, levelIndex); err != nil {
		return fail(fmt.Sprintf("failed to enable level %d: %v", levelIndex, err))
	}
	o.logAction("ENABLE_ORDER", fmt.Sprintf("level_index=%d", levelIndex), true)
	return ok(fmt.Sprintf("order at level %d enabled", levelIndex), nil)
}

// CancelByID cancels a single tracked order by its venue order ID.
func (o *Orchestrator) CancelByID(ctx context.Context, venueOrderID string) Result {
	if err := o.eng.CancelByID(ctx, venueOrderID); err != nil {
		if err == types.ErrNotFound {
			return fail("order not found")
		}
		return fail(fmt.Sprintf("failed to cancel order %s: %v", venueOrderID, err))
	}
	o.logAction("CANCEL_ORDER_BY_ID", venueOrderID, true)
	return ok(fmt.Sprintf("order %s cancelled", venueOrderID), nil)
}

// SyncManual adopts externally-placed orders into the engine's tracking and
// persists the set to the manual-sync sidecar file for restart recovery.
func (o *Orchestrator) SyncManual(ctx context.Context, orders []types.ExternalOrder) Result {
	if err := o.eng.AdoptExternal(ctx, orders); err != nil {
		return fail(fmt.Sprintf("failed to sync manual orders: %v", err))
	}
	if err := store.SaveManualSync(o.dataDir, orders); err != nil {
		o.logger.Warn("failed to persist manual sync file", "error", err)
	}
	o.logAction("SYNC_MANUAL", fmt.Sprintf("count=%d", len(orders)), true)
	return ok(fmt.Sprintf("adopted %d external orders", len(orders)), nil)
}

// ActiveOrders returns every order the engine currently tracks.
func (o *Orchestrator) ActiveOrders() Result {
	return ok("", o.eng.ActiveOrders())
}

// MinimumRequirements returns the quantization rule for the current venue
// and symbol, if known.
func (o *Orchestrator) MinimumRequirements() Result {
	rule, known := o.eng.MinimumRequirements()
	if !known {
		return ok("no published minimums for this venue/symbol", quantizer.Rule{})
	}
	return ok("", rule)
}
