package exchange

import (
	"context"
	"testing"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

func newTestSimulator(seed int64, startPrice, volatility float64) *Simulator {
	cfg := config.SimulatorConfig{Seed: seed, Volatility: volatility, StartPrice: startPrice}
	s := NewSimulator(cfg, "BASE_QUOTE", quietLogger())
	_ = s.Close() // stop the background ticker; tests drive Step() manually
	return s
}

func TestSimulatorSameSeedProducesSamePath(t *testing.T) {
	t.Parallel()

	a := newTestSimulator(42, 100, 0.01)
	b := newTestSimulator(42, 100, 0.01)

	for i := 0; i < 10; i++ {
		a.Step()
		b.Step()
	}

	if !a.CurrentPrice().Equal(b.CurrentPrice()) {
		t.Errorf("same seed diverged: a=%s b=%s", a.CurrentPrice(), b.CurrentPrice())
	}
}

func TestSimulatorBuyFillsWhenPriceCrossesDown(t *testing.T) {
	t.Parallel()

	s := newTestSimulator(1, 100, 0)
	ctx := context.Background()

	res, err := s.PlaceLimit(ctx, "BASE_QUOTE", types.Buy, dec("150"), dec("1"))
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	s.mu.Lock()
	s.currentPrice = 100
	s.mu.Unlock()
	s.step()

	order, err := s.FetchOrder(ctx, res.VenueOrderID, "BASE_QUOTE")
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if order.Remaining.Sign() != 0 {
		t.Errorf("expected buy order to fill when price <= limit, remaining=%s", order.Remaining)
	}
}

func TestSimulatorSellFillsWhenPriceCrossesUp(t *testing.T) {
	t.Parallel()

	s := newTestSimulator(1, 100, 0)
	ctx := context.Background()

	res, err := s.PlaceLimit(ctx, "BASE_QUOTE", types.Sell, dec("80"), dec("0.1"))
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	s.mu.Lock()
	s.currentPrice = 100
	s.mu.Unlock()
	s.step()

	order, err := s.FetchOrder(ctx, res.VenueOrderID, "BASE_QUOTE")
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if order.Remaining.Sign() != 0 {
		t.Errorf("expected sell order to fill when price >= limit, remaining=%s", order.Remaining)
	}
}

func TestSimulatorCancelOpenOrder(t *testing.T) {
	t.Parallel()

	s := newTestSimulator(1, 100, 0)
	ctx := context.Background()

	res, err := s.PlaceLimit(ctx, "BASE_QUOTE", types.Buy, dec("50"), dec("1"))
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	if err := s.Cancel(ctx, res.VenueOrderID, "BASE_QUOTE"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	open, err := s.FetchOpenOrders(ctx, "BASE_QUOTE")
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open orders after cancel, got %d", len(open))
	}
}

func TestSimulatorCancelUnknownOrderFails(t *testing.T) {
	t.Parallel()

	s := newTestSimulator(1, 100, 0)
	if err := s.Cancel(context.Background(), "nonexistent", "BASE_QUOTE"); err == nil {
		t.Error("expected error cancelling unknown order")
	}
}
