package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/audit"
	"gridbot/internal/config"
	"gridbot/internal/pnl"
	"gridbot/internal/quantizer"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// mockAdapter is a fully in-memory exchange.Adapter used to drive the
// reconciliation loop deterministically, one tick at a time.
type mockAdapter struct {
	mu       sync.Mutex
	mid      decimal.Decimal
	orders   map[string]types.ExternalOrder
	seq      int
	openErr  []error // consumed in order, one per FetchOpenOrders call; nil means no error
	cancelErrOnce error
}

func newMockAdapter(mid decimal.Decimal) *mockAdapter {
	return &mockAdapter{mid: mid, orders: make(map[string]types.ExternalOrder)}
}

func (m *mockAdapter) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	return map[string]types.MarketInfo{}, nil
}

func (m *mockAdapter) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.Ticker{Bid: m.mid, Ask: m.mid, Last: m.mid}, nil
}

func (m *mockAdapter) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal) (types.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("mock-%d", m.seq)
	m.orders[id] = types.ExternalOrder{ID: id, Side: side, Price: price, Amount: size, Remaining: size, Timestamp: time.Now()}
	return types.PlaceResult{VenueOrderID: id, Status: types.StatusOpen}, nil
}

func (m *mockAdapter) Cancel(ctx context.Context, venueOrderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErrOnce != nil {
		err := m.cancelErrOnce
		m.cancelErrOnce = nil
		return err
	}
	delete(m.orders, venueOrderID)
	return nil
}

func (m *mockAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]types.ExternalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.openErr) > 0 {
		err := m.openErr[0]
		m.openErr = m.openErr[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]types.ExternalOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, nil
}

func (m *mockAdapter) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	return map[string]types.Balance{}, nil
}

func (m *mockAdapter) FetchOrder(ctx context.Context, venueOrderID, symbol string) (types.ExternalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[venueOrderID]
	if !ok {
		return types.ExternalOrder{}, errors.New("not found")
	}
	return o, nil
}

func (m *mockAdapter) Close() error { return nil }

func (m *mockAdapter) fail(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

func (m *mockAdapter) setMid(mid decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mid = mid
}

func testEngineConfig(zones []types.Zone) types.GridConfig {
	return types.GridConfig{
		Lower:        dec("100"),
		Upper:        dec("200"),
		NLevels:      5,
		Spacing:      types.SpacingArithmetic,
		SizePerLevel: dec("1"),
		Zones:        zones,
		Mode:         types.ModeSimulated,
		Venue:        types.VenueSimulator,
		Symbol:       "BASE_QUOTE",
	}
}

func newTestEngine(t *testing.T, adapter *mockAdapter, zones []types.Zone) (*Engine, *store.Store) {
	t.Helper()
	st := store.New(quietLogger())
	qtable := quantizer.NewTable()
	eng := New(testEngineConfig(zones), adapter, qtable, st, pnl.New(), nil, t.TempDir(),
		config.EngineConfig{TickInterval: time.Hour, MaxBackoff: time.Minute, RateLimitBackoff: time.Second},
		quietLogger())
	if err := eng.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return eng, st
}

// S1: arithmetic levels and polarity around mid=150.
func TestComputeAndPolarityS1(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)

	want := []string{"100", "125", "150", "175", "200"}
	for i, w := range want {
		if !eng.cfg.Levels[i].Equal(dec(w)) {
			t.Fatalf("level %d = %s, want %s", i, eng.cfg.Levels[i], w)
		}
	}

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	wantSide := []types.Side{types.Buy, types.Buy, types.Skip, types.Sell, types.Sell}
	for i, lo := range eng.activeOrders {
		if lo.Side != wantSide[i] {
			t.Errorf("level %d side = %s, want %s", i, lo.Side, wantSide[i])
		}
	}
	if _, ok := eng.activeOrders[2]; ok {
		t.Error("level 2 (skip) should have no tracked order")
	}
}

// S3: a fill detected this tick is replaced on the next tick, not this one.
func TestFillReplacedNextTickS3(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	level1 := eng.activeOrders[1]
	if level1.Status != types.StatusOpen {
		t.Fatalf("expected level 1 open after first tick, got %+v", level1)
	}

	adapter.fail(level1.VenueOrderID) // simulate disappearance (fill) from open-orders

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if eng.activeOrders[1].Status != types.StatusFilled {
		t.Fatalf("expected level 1 filled after tick 2, got %+v", eng.activeOrders[1])
	}
	if len(eng.pendingReplace) != 1 || eng.pendingReplace[0] != 1 {
		t.Fatalf("expected pendingReplace=[1], got %v", eng.pendingReplace)
	}

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if eng.activeOrders[1].Status != types.StatusOpen {
		t.Fatalf("expected level 1 replaced by tick 3, got %+v", eng.activeOrders[1])
	}
}

// S4: disabling a zone cancels its Open orders by the end of the next tick.
func TestZoneDisableCancelsS4(t *testing.T) {
	t.Parallel()
	zones := []types.Zone{
		{ID: 1, StartIdx: 0, EndIdx: 1, Enabled: true},
		{ID: 2, StartIdx: 2, EndIdx: 4, Enabled: true},
	}
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, zones)

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	ctx := context.Background()
	// Drive the toggle through handleCommand directly to avoid depending on
	// the Run goroutine's channel timing in a unit test.
	if err := eng.handleCommand(ctx, command{kind: cmdToggleZone, zoneID: 1, enabled: false}); err != nil {
		t.Fatalf("toggle zone: %v", err)
	}

	if err := eng.tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	for idx, lo := range eng.activeOrders {
		if (idx == 0 || idx == 1) && lo.Status == types.StatusOpen {
			t.Errorf("level %d should be cancelled after zone disable, got %+v", idx, lo)
		}
	}
	if lo, ok := eng.activeOrders[3]; !ok || lo.Status != types.StatusOpen {
		t.Errorf("level 3 should remain open, got %+v", lo)
	}
}

// S5: an outage tick (empty open-orders while orders are tracked) is
// skipped entirely; no replacement is placed.
func TestOutageGuardSkipsTickS5(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	before := len(eng.activeOrders)
	if before == 0 {
		t.Fatal("expected some tracked orders after tick 1")
	}

	adapter.mu.Lock()
	realOrders := adapter.orders
	adapter.orders = make(map[string]types.ExternalOrder)
	adapter.mu.Unlock()

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 2 (outage): %v", err)
	}
	if len(eng.activeOrders) != before {
		t.Errorf("outage tick mutated tracked orders: before=%d after=%d", before, len(eng.activeOrders))
	}

	adapter.mu.Lock()
	adapter.orders = realOrders
	adapter.mu.Unlock()

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick 3 (recovery): %v", err)
	}
	if len(eng.activeOrders) != before {
		t.Errorf("expected recovery tick to preserve the same order count, got %d want %d", len(eng.activeOrders), before)
	}
}

// Property 4 (cancel-all idempotence): two consecutive cancel-all sweeps leave
// activeOrders empty and the venue with no open orders, whether or not the
// second sweep has anything left to do.
func TestCancelAllIsIdempotent(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)
	ctx := context.Background()

	if err := eng.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(eng.activeOrders) == 0 {
		t.Fatal("expected some tracked orders after tick")
	}

	eng.mu.Lock()
	err := eng.cancelAll(ctx)
	eng.mu.Unlock()
	if err != nil {
		t.Fatalf("cancelAll (first): %v", err)
	}
	if len(eng.activeOrders) != 0 {
		t.Fatalf("expected no tracked orders after cancelAll, got %d", len(eng.activeOrders))
	}
	open, err := adapter.FetchOpenOrders(ctx, eng.cfg.Symbol)
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected venue to have no open orders after cancelAll, got %d", len(open))
	}

	eng.mu.Lock()
	err = eng.cancelAll(ctx)
	eng.mu.Unlock()
	if err != nil {
		t.Fatalf("cancelAll (second): %v", err)
	}
	if len(eng.activeOrders) != 0 {
		t.Fatalf("second cancelAll should leave activeOrders empty, got %d", len(eng.activeOrders))
	}
}

func TestCancelLevelHoldsEmptyUntilEnabled(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)
	ctx := context.Background()

	if err := eng.tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if err := eng.handleCommand(ctx, command{kind: cmdCancelLevel, levelIndex: 1}); err != nil {
		t.Fatalf("cancel level: %v", err)
	}
	if _, ok := eng.activeOrders[1]; ok {
		t.Error("level 1 should be untracked after cancel_level")
	}

	if err := eng.tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if _, ok := eng.activeOrders[1]; ok {
		t.Error("level 1 should stay empty while manually disabled")
	}

	if err := eng.handleCommand(ctx, command{kind: cmdEnableLevel, levelIndex: 1}); err != nil {
		t.Fatalf("enable level: %v", err)
	}
	if err := eng.tick(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if lo, ok := eng.activeOrders[1]; !ok || lo.Status != types.StatusOpen {
		t.Errorf("expected level 1 reopened, got %+v", lo)
	}
}

func TestAdoptExternalSkipsOccupiedLevel(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	occupied := eng.activeOrders[1]

	eng.adoptExternal([]types.ExternalOrder{
		{ID: "ext-1", Side: types.Buy, Price: dec("125"), Amount: dec("5"), Timestamp: time.Now()},
	})

	if eng.activeOrders[1].VenueOrderID != occupied.VenueOrderID {
		t.Errorf("expected occupied level untouched by adoption, got %+v", eng.activeOrders[1])
	}
}

// Property 5 (adoption idempotence): adopting the identical external order set twice is a
// no-op the second time, not a duplicate or a refresh of the tracked order.
func TestAdoptExternalTwiceNoDuplicate(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, _ := newTestEngine(t, adapter, nil)

	external := []types.ExternalOrder{
		{ID: "ext-1", Side: types.Buy, Price: dec("125"), Amount: dec("5"), Timestamp: time.Now()},
	}

	eng.adoptExternal(external)
	first, ok := eng.activeOrders[1]
	if !ok || first.VenueOrderID != "ext-1" {
		t.Fatalf("expected level 1 adopted as ext-1, got %+v (ok=%v)", first, ok)
	}

	eng.adoptExternal(external)
	second := eng.activeOrders[1]
	if second != first {
		t.Errorf("adopting the same external order twice changed the tracked order: before=%+v after=%+v", first, second)
	}
	if len(eng.activeOrders) != 1 {
		t.Errorf("expected exactly one tracked order after adopting the same slice twice, got %d", len(eng.activeOrders))
	}
}

func TestDeriveLevelStateMatrix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		order   *types.LiveOrder
		enabled bool
		want    types.LevelState
	}{
		{"disabled zone wins", &types.LiveOrder{Status: types.StatusOpen}, false, types.LevelDisabled},
		{"empty", nil, true, types.LevelEmpty},
		{"placing", &types.LiveOrder{Status: types.StatusIntended}, true, types.LevelPlacing},
		{"open", &types.LiveOrder{Status: types.StatusOpen}, true, types.LevelOpen},
		{"filled", &types.LiveOrder{Status: types.StatusFilled}, true, types.LevelFilled},
	}
	for _, c := range cases {
		if got := deriveLevelState(c.order, c.enabled); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestHandleTickErrorClassifiesBackoff(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, st := newTestEngine(t, adapter, nil)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	if stop := eng.handleTickError(types.ErrAdapterTransient, ticker); stop {
		t.Error("transient error should not stop the engine")
	}
	if stop := eng.handleTickError(types.ErrAdapterRateLimited, ticker); stop {
		t.Error("rate-limited error should not stop the engine")
	}
	if stop := eng.handleTickError(types.ErrAdapterPermanent, ticker); !stop {
		t.Error("permanent error should stop the engine")
	}
	if st.Snapshot().BotState != types.StateError {
		t.Errorf("expected state ERROR after permanent failure, got %s", st.Snapshot().BotState)
	}
}

func TestStartAndStopLifecycle(t *testing.T) {
	t.Parallel()
	adapter := newMockAdapter(dec("150"))
	eng, st := newTestEngine(t, adapter, nil)
	eng.tickInterval = 10 * time.Millisecond

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Snapshot().BotState != types.StateSimRunning {
		t.Fatalf("expected SIM_RUNNING, got %s", st.Snapshot().BotState)
	}

	if err := eng.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st.Snapshot().BotState != types.StateStopped {
		t.Fatalf("expected STOPPED, got %s", st.Snapshot().BotState)
	}
}

func TestAuditStoreHasNoTradesBeforeAnyFill(t *testing.T) {
	t.Parallel()
	as, err := audit.Open(config.AuditConfig{Driver: "sqlite", DSN: t.TempDir() + "/audit.db"}, quietLogger())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = as.Close() })

	st := store.New(quietLogger())
	adapter := newMockAdapter(dec("150"))
	qtable := quantizer.NewTable()
	eng := New(testEngineConfig(nil), adapter, qtable, st, pnl.New(), as, t.TempDir(),
		config.EngineConfig{TickInterval: time.Hour, MaxBackoff: time.Minute, RateLimitBackoff: time.Second},
		quietLogger())
	if err := eng.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	trades, err := as.RecentTrades(10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("no fills yet, expected zero trade records, got %d", len(trades))
	}
}
