// Package engine implements the reconciliation engine: the state machine
// that owns the mapping from static grid levels to live exchange orders and
// drives it toward the desired configuration tick by tick. A single
// dedicated goroutine (Run) owns all mutable engine state; operator
// mutations arrive on a command channel and are serviced between ticks, so
// they never race a tick in progress — the same cooperative single-writer
// pattern the venue adapters' own reconnect loops follow.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/audit"
	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/geometry"
	"gridbot/internal/pnl"
	"gridbot/internal/quantizer"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

type commandKind int

const (
	cmdToggleZone commandKind = iota
	cmdCancelLevel
	cmdEnableLevel
	cmdAdoptExternal
	cmdReset
	cmdCancelByID
)

type command struct {
	kind           commandKind
	zoneID         int
	enabled        bool
	levelIndex     int
	orders         []types.ExternalOrder
	cancelOnly     bool
	clearPositions bool
	venueOrderID   string
	resp           chan error
}

// Engine reconciles one GridConfig's levels against one venue adapter.
type Engine struct {
	cfg     types.GridConfig
	adapter exchange.Adapter
	qtable  *quantizer.Table

	activeOrders     map[int]types.LiveOrder // level index -> tracked order
	pendingReplace   []int                   // levels whose fill was detected last tick
	manuallyDisabled map[int]bool            // levels held empty by an operator cancel_level

	store      *store.Store
	pnlTracker *pnl.Tracker
	auditStore *audit.Store
	dataDir    string

	logger *slog.Logger

	tickInterval      time.Duration
	polarityTolerance decimal.Decimal
	maxBackoff        time.Duration
	rateLimitBackoff  time.Duration

	mu     sync.Mutex // guards state read by LevelViews from other goroutines
	cmdCh  chan command
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New constructs an Engine. Call Init before Start.
func New(
	cfg types.GridConfig,
	adapter exchange.Adapter,
	qtable *quantizer.Table,
	st *store.Store,
	pnlTracker *pnl.Tracker,
	auditStore *audit.Store,
	dataDir string,
	engineCfg config.EngineConfig,
	logger *slog.Logger,
) *Engine {
	tol := decimal.NewFromFloat(engineCfg.PolarityTolerance)
	if tol.IsZero() {
		tol = decimal.NewFromFloat(0.00001)
	}
	return &Engine{
		cfg:               cfg,
		adapter:           adapter,
		qtable:            qtable,
		activeOrders:      make(map[int]types.LiveOrder),
		manuallyDisabled:  make(map[int]bool),
		store:             st,
		pnlTracker:        pnlTracker,
		auditStore:        auditStore,
		dataDir:           dataDir,
		logger:            logger.With("component", "engine"),
		tickInterval:      engineCfg.TickInterval,
		polarityTolerance: tol,
		maxBackoff:        engineCfg.MaxBackoff,
		rateLimitBackoff:  engineCfg.RateLimitBackoff,
		cmdCh:             make(chan command),
		doneCh:            make(chan struct{}),
	}
}

// Init computes the grid's price levels and zone map from bounds/spacing.
func (e *Engine) Init() error {
	levels, err := geometry.Compute(e.cfg.Lower, e.cfg.Upper, e.cfg.NLevels, e.cfg.Spacing)
	if err != nil {
		return err
	}
	e.cfg.Levels = levels
	e.cfg.ZoneOf = geometry.BuildZoneMap(e.cfg.NLevels, e.cfg.Zones)
	return nil
}

// deriveLevelState is the pure function mapping a level's tracked order and
// zone membership to its displayed state. It is never persisted — every
// caller recomputes it from activeOrders and the zone map.
func deriveLevelState(order *types.LiveOrder, zoneEnabled bool) types.LevelState {
	if !zoneEnabled {
		return types.LevelDisabled
	}
	if order == nil {
		return types.LevelEmpty
	}
	switch order.Status {
	case types.StatusIntended:
		return types.LevelPlacing
	case types.StatusOpen:
		return types.LevelOpen
	case types.StatusFilled:
		return types.LevelFilled
	default:
		return types.LevelEmpty
	}
}

// Start runs one reconciliation pass against current open orders (merging
// any manual-sync side channel first), then launches the dedicated Run
// goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.store.Update(store.EventStateChange, func(st *types.RuntimeState) {
		st.BotState = types.StateStarting
	})

	external, err := store.LoadManualSync(e.dataDir)
	if err != nil {
		e.logger.Warn("failed to load manual sync file, continuing without it", "error", err)
	} else if len(external) > 0 {
		e.adoptExternal(external)
	}

	if err := e.tick(ctx); err != nil {
		e.logger.Warn("startup reconciliation tick failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.Run(runCtx)

	e.store.Update(store.EventStateChange, func(st *types.RuntimeState) {
		if e.cfg.Mode == types.ModeSimulated {
			st.BotState = types.StateSimRunning
		} else {
			st.BotState = types.StateRunning
		}
	})
	return nil
}

// Run is the engine's single writer goroutine: it owns every tick and every
// operator mutation, servicing them from one select loop so they never
// interleave mid-tick.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case cmd := <-e.cmdCh:
			err := e.handleCommand(ctx, cmd)
			if cmd.resp != nil {
				cmd.resp <- err
			}
		case <-ticker.C:
			if err := e.safeTick(ctx); err != nil {
				if stop := e.handleTickError(err, ticker); stop {
					return
				}
			} else {
				ticker.Reset(e.tickInterval)
			}
		}
	}
}

// safeTick runs one tick with a panic guard, so a bug in reconciliation
// logic degrades to an ERROR state instead of taking the process down.
func (e *Engine) safeTick(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		tickDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tick panicked: %v", types.ErrAdapterPermanent, r)
		}
	}()
	return e.tick(ctx)
}

func (e *Engine) handleTickError(err error, ticker *time.Ticker) (stop bool) {
	class := exchange.ClassifyError(err)
	tickErrors.WithLabelValues(errorClassLabel(class)).Inc()
	switch class {
	case exchange.ClassTransient:
		backoff := e.tickInterval * 2
		if backoff > e.maxBackoff {
			backoff = e.maxBackoff
		}
		e.logger.Warn("transient tick error, backing off", "error", err, "backoff", backoff)
		ticker.Reset(backoff)
		return false
	case exchange.ClassRateLimited:
		wait := e.rateLimitBackoff
		if wait <= 0 {
			wait = 2 * time.Second
		}
		e.logger.Warn("rate limited, backing off", "error", err, "backoff", wait)
		ticker.Reset(wait)
		return false
	default:
		e.logger.Error("permanent/auth tick error, stopping engine", "error", err)
		e.store.SetError(err)
		return true
	}
}

func errorClassLabel(c exchange.ErrorClass) string {
	switch c {
	case exchange.ClassTransient:
		return "transient"
	case exchange.ClassRateLimited:
		return "rate_limited"
	case exchange.ClassAuth:
		return "auth"
	case exchange.ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Stop cancels the Run goroutine, which performs a best-effort cancel-all
// safety net before exiting, and waits up to drainTimeout for it to finish.
func (e *Engine) Stop(drainTimeout time.Duration) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	select {
	case <-e.doneCh:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("engine did not stop within %s", drainTimeout)
	}
}

func (e *Engine) shutdown() {
	e.store.Update(store.EventStateChange, func(st *types.RuntimeState) {
		st.BotState = types.StateStopping
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.mu.Lock()
	err := e.cancelAll(ctx)
	e.mu.Unlock()
	if err != nil {
		e.logger.Warn("cancel-all safety net failed during shutdown", "error", err)
	}

	e.store.Update(store.EventStateChange, func(st *types.RuntimeState) {
		st.BotState = types.StateStopped
	})
}

// send dispatches a command to the Run goroutine and blocks for its result.
func (e *Engine) send(ctx context.Context, cmd command) error {
	cmd.resp = make(chan error, 1)
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleZone enables or disables a zone; the next tick observes the new
// zone map and either starts placing (enabled) or cancels Open orders
// (disabled) within it.
func (e *Engine) ToggleZone(ctx context.Context, zoneID int, enabled bool) error {
	return e.send(ctx, command{kind: cmdToggleZone, zoneID: zoneID, enabled: enabled})
}

// CancelLevel cancels the order at level i (if any) and holds the level
// empty until EnableLevel is called.
func (e *Engine) CancelLevel(ctx context.Context, i int) error {
	return e.send(ctx, command{kind: cmdCancelLevel, levelIndex: i})
}

// EnableLevel clears a manual cancel_level hold, letting the next tick
// place an order at that level again.
func (e *Engine) EnableLevel(ctx context.Context, i int) error {
	return e.send(ctx, command{kind: cmdEnableLevel, levelIndex: i})
}

// AdoptExternal merges operator-supplied external orders into active_orders.
// While the Run goroutine is active the merge is serialized through it;
// before Start, or after Run has exited, it is applied directly.
func (e *Engine) AdoptExternal(ctx context.Context, orders []types.ExternalOrder) error {
	running := e.cancel != nil
	if running {
		select {
		case <-e.doneCh:
			running = false
		default:
		}
	}
	if !running {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.adoptExternal(orders)
		return nil
	}
	return e.send(ctx, command{kind: cmdAdoptExternal, orders: orders})
}

// Reset runs cancel-all, then resets the State Store (clearing its active
// levels and last error; PnL and inventory are kept). If clearPositions is
// set it also zeroes the PnL tracker's position. cancelOnly does not change
// what Reset does.
func (e *Engine) Reset(ctx context.Context, cancelOnly, clearPositions bool) error {
	return e.send(ctx, command{kind: cmdReset, cancelOnly: cancelOnly, clearPositions: clearPositions})
}

// CancelByID cancels a single tracked order addressed by its venue order ID,
// regardless of which level it occupies.
func (e *Engine) CancelByID(ctx context.Context, venueOrderID string) error {
	return e.send(ctx, command{kind: cmdCancelByID, venueOrderID: venueOrderID})
}

// Config returns a copy of the grid configuration currently in effect.
func (e *Engine) Config() types.GridConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// MinimumRequirements returns the quantization rule for this engine's venue
// and symbol, if the quantizer table has one.
func (e *Engine) MinimumRequirements() (quantizer.Rule, bool) {
	return e.qtable.Lookup(e.cfg.Venue, e.cfg.Symbol)
}

// ActiveOrders returns a copy of every currently tracked order, keyed by
// level index.
func (e *Engine) ActiveOrders() map[int]types.LiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]types.LiveOrder, len(e.activeOrders))
	for k, v := range e.activeOrders {
		out[k] = v
	}
	return out
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch cmd.kind {
	case cmdToggleZone:
		for i, z := range e.cfg.Zones {
			if z.ID == cmd.zoneID {
				e.cfg.Zones[i].Enabled = cmd.enabled
			}
		}
		e.cfg.ZoneOf = geometry.BuildZoneMap(e.cfg.NLevels, e.cfg.Zones)
		return nil

	case cmdCancelLevel:
		e.manuallyDisabled[cmd.levelIndex] = true
		if lo, ok := e.activeOrders[cmd.levelIndex]; ok && lo.Status == types.StatusOpen {
			if err := e.adapter.Cancel(ctx, lo.VenueOrderID, e.cfg.Symbol); err != nil && exchange.ClassifyError(err) != exchange.ClassPermanent {
				return err
			}
			ordersCancelled.Inc()
			delete(e.activeOrders, cmd.levelIndex)
		}
		return nil

	case cmdEnableLevel:
		delete(e.manuallyDisabled, cmd.levelIndex)
		return nil

	case cmdAdoptExternal:
		e.adoptExternal(cmd.orders)
		return nil

	case cmdReset:
		if err := e.cancelAll(ctx); err != nil {
			return err
		}
		e.store.Reset()
		if cmd.clearPositions {
			e.pnlTracker.SetPosition(pnl.Position{})
		}
		return nil

	case cmdCancelByID:
		for idx, lo := range e.activeOrders {
			if lo.VenueOrderID != cmd.venueOrderID {
				continue
			}
			if lo.Status == types.StatusOpen {
				if err := e.adapter.Cancel(ctx, lo.VenueOrderID, e.cfg.Symbol); err != nil {
					return err
				}
				ordersCancelled.Inc()
			}
			delete(e.activeOrders, idx)
			e.publishLevels()
			return nil
		}
		return types.ErrNotFound

	default:
		return fmt.Errorf("unknown command kind %d", cmd.kind)
	}
}

// adoptExternal snaps each external order to its nearest level by absolute
// price distance and tracks it if that level has no Open entry yet.
func (e *Engine) adoptExternal(orders []types.ExternalOrder) {
	for _, o := range orders {
		idx := geometry.SnapToLevel(e.cfg.Levels, o.Price)
		if existing, ok := e.activeOrders[idx]; ok && existing.Status == types.StatusOpen {
			continue
		}
		zb := e.cfg.ZoneOf[idx]
		e.activeOrders[idx] = types.LiveOrder{
			LevelIndex:   idx,
			ZoneID:       zb.ZoneID,
			Side:         o.Side,
			Price:        o.Price,
			Size:         o.Amount,
			VenueOrderID: o.ID,
			Status:       types.StatusOpen,
			PlacedAt:     o.Timestamp,
		}
	}
}

// tick executes the seven-step reconciliation algorithm once.
func (e *Engine) tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: snapshot open orders.
	openOrders, err := e.adapter.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}

	// Step 2: API-outage guard.
	if len(openOrders) == 0 && len(e.activeOrders) > 0 {
		e.logger.Warn("api outage guard tripped, skipping tick", "active_orders", len(e.activeOrders))
		return nil
	}

	openByID := make(map[string]types.ExternalOrder, len(openOrders))
	for _, o := range openOrders {
		openByID[o.ID] = o
	}

	// Step 3: fill detection. Fills found this tick are excluded from this
	// tick's convergence (step 5) and staged for the next tick instead.
	filledThisTick := make(map[int]bool)
	for idx, lo := range e.activeOrders {
		if lo.Status != types.StatusOpen {
			continue
		}
		if _, stillOpen := openByID[lo.VenueOrderID]; !stillOpen {
			lo.Status = types.StatusFilled
			e.activeOrders[idx] = lo
			filledThisTick[idx] = true
			fillsDetected.Inc()
			e.recordFill(lo)
		}
	}

	// Step 4: adoption of untracked open orders.
	tracked := make(map[string]bool, len(e.activeOrders))
	for _, lo := range e.activeOrders {
		if lo.VenueOrderID != "" {
			tracked[lo.VenueOrderID] = true
		}
	}
	for _, o := range openOrders {
		if tracked[o.ID] {
			continue
		}
		idx := geometry.SnapToLevel(e.cfg.Levels, o.Price)
		if existing, ok := e.activeOrders[idx]; ok && existing.Status == types.StatusOpen {
			e.logger.Warn("duplicate order observed at occupied level", "level", idx, "order_id", o.ID)
			continue
		}
		zb := e.cfg.ZoneOf[idx]
		e.activeOrders[idx] = types.LiveOrder{
			LevelIndex:   idx,
			ZoneID:       zb.ZoneID,
			Side:         o.Side,
			Price:        o.Price,
			Size:         o.Remaining,
			VenueOrderID: o.ID,
			Status:       types.StatusOpen,
			PlacedAt:     o.Timestamp,
		}
	}

	// Step 5: drain last tick's staged replacements first, then converge
	// every other eligible level.
	ticker, tickerErr := e.adapter.FetchTicker(ctx, e.cfg.Symbol)
	if tickerErr != nil {
		return tickerErr
	}
	mid := ticker.Mid()

	ordered := append([]int{}, e.pendingReplace...)
	for i := 0; i < e.cfg.NLevels; i++ {
		already := false
		for _, idx := range ordered {
			if idx == i {
				already = true
				break
			}
		}
		if !already {
			ordered = append(ordered, i)
		}
	}
	e.pendingReplace = nil

	for _, idx := range ordered {
		if filledThisTick[idx] || e.manuallyDisabled[idx] {
			continue
		}
		zb := e.cfg.ZoneOf[idx]
		if !zb.Enabled {
			continue
		}
		if lo, ok := e.activeOrders[idx]; ok && lo.Status == types.StatusOpen {
			continue
		}

		price := e.cfg.Levels[idx]
		side := geometry.DetermineSide(price, mid, e.polarityTolerance)
		if side == types.Skip {
			continue
		}

		roundedSize, roundedPrice := quantizer.Quantize(e.qtable, e.cfg.Venue, e.cfg.Symbol, e.cfg.SizePerLevel, price)
		if known, verr := quantizer.Validate(e.qtable, e.cfg.Venue, e.cfg.Symbol, roundedSize, roundedPrice); verr != nil && known {
			e.logger.Debug("level skipped by validator", "level", idx, "error", verr)
			continue
		}

		e.activeOrders[idx] = types.LiveOrder{
			LevelIndex: idx, ZoneID: zb.ZoneID, Side: side,
			Price: roundedPrice, Size: roundedSize, Status: types.StatusIntended,
		}

		result, placeErr := e.adapter.PlaceLimit(ctx, e.cfg.Symbol, side, roundedPrice, roundedSize)
		if placeErr != nil {
			delete(e.activeOrders, idx)
			e.logger.Warn("place_limit failed", "level", idx, "error", placeErr)
			continue
		}

		lo := e.activeOrders[idx]
		lo.VenueOrderID = result.VenueOrderID
		lo.Status = result.Status
		lo.PlacedAt = time.Now()
		e.activeOrders[idx] = lo
		ordersPlaced.WithLabelValues(string(side)).Inc()
		if e.auditStore != nil {
			_ = e.auditStore.RecordOrder(lo)
		}
	}

	// Next tick must replace this tick's fills, not before.
	for idx := range filledThisTick {
		e.pendingReplace = append(e.pendingReplace, idx)
	}

	// Step 6: zone disables cancel any Open order in a now-disabled zone.
	for idx, lo := range e.activeOrders {
		zb := e.cfg.ZoneOf[idx]
		if zb.Enabled || lo.Status != types.StatusOpen {
			continue
		}
		if cancelErr := e.adapter.Cancel(ctx, lo.VenueOrderID, e.cfg.Symbol); cancelErr != nil {
			e.logger.Warn("zone-disable cancel failed", "level", idx, "error", cancelErr)
			continue
		}
		ordersCancelled.Inc()
		delete(e.activeOrders, idx)
	}

	// Step 7: publish active levels to the State Store.
	e.publishLevels()
	e.pnlTracker.UpdateMarkToMarket(mid)
	return nil
}

func (e *Engine) recordFill(lo types.LiveOrder) {
	before := e.pnlTracker.Snapshot()
	e.pnlTracker.OnFill(pnl.Fill{Side: lo.Side, Price: lo.Price, Size: lo.Size, Timestamp: time.Now()})
	after := e.pnlTracker.Snapshot()

	e.store.Update(store.EventPnLUpdate, func(st *types.RuntimeState) {
		st.PnLRealized = after.RealizedPnL
		st.PnLUnrealized = after.UnrealizedPnL
		if st.Inventory == nil {
			st.Inventory = make(map[string]decimal.Decimal)
		}
		st.Inventory["base"] = after.BaseQty
	})

	if e.auditStore != nil {
		delta := after.RealizedPnL.Sub(before.RealizedPnL)
		_ = e.auditStore.RecordTrade(lo.LevelIndex, lo.Side, lo.Price, lo.Size, delta, time.Now())
	}
}

func (e *Engine) publishLevels() {
	active := make(map[int]struct{})
	for idx, lo := range e.activeOrders {
		if lo.Status == types.StatusOpen {
			active[idx] = struct{}{}
		}
	}
	e.store.Update(store.EventLevelsUpdate, func(st *types.RuntimeState) {
		st.ActiveLevels = active
	})
}

// cancelAll implements the two-phase fetch-then-cancel-then-sweep-untracked
// cancel-all used by both Reset(cancel_only=true) and the shutdown safety net.
func (e *Engine) cancelAll(ctx context.Context) error {
	open, err := e.adapter.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(open))
	for _, o := range open {
		seen[o.ID] = true
		if cancelErr := e.adapter.Cancel(ctx, o.ID, e.cfg.Symbol); cancelErr != nil && exchange.ClassifyError(cancelErr) != exchange.ClassPermanent {
			e.logger.Warn("cancel-all: cancel failed", "order_id", o.ID, "error", cancelErr)
		}
	}

	for idx, lo := range e.activeOrders {
		if lo.Status != types.StatusOpen || seen[lo.VenueOrderID] {
			continue
		}
		if cancelErr := e.adapter.Cancel(ctx, lo.VenueOrderID, e.cfg.Symbol); cancelErr != nil {
			lo.Status = types.StatusUnknown
			e.activeOrders[idx] = lo
		}
	}

	e.activeOrders = make(map[int]types.LiveOrder)
	e.publishLevels()
	return nil
}

// LevelViews returns the read-model for every level, for the API surface.
func (e *Engine) LevelViews() []types.LevelView {
	e.mu.Lock()
	defer e.mu.Unlock()

	views := make([]types.LevelView, e.cfg.NLevels)
	for i := 0; i < e.cfg.NLevels; i++ {
		zb := e.cfg.ZoneOf[i]
		var order *types.LiveOrder
		if lo, ok := e.activeOrders[i]; ok {
			lo := lo
			order = &lo
		}
		views[i] = types.LevelView{
			Index:  i,
			Price:  e.cfg.Levels[i],
			ZoneID: zb.ZoneID,
			Active: order != nil && order.Status == types.StatusOpen,
			Side:   sideOf(order),
		}
	}
	return views
}

func sideOf(o *types.LiveOrder) types.Side {
	if o == nil {
		return types.Mid
	}
	return o.Side
}
