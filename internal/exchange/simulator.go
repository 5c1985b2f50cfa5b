// simulator.go implements a deterministic GBM random-walk venue for
// hermetic tests and dry-run evaluation: no network calls, a private
// *rand.Rand seeded from configuration, and price-crossing fill matching on
// a fixed tick period.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

type simOrder struct {
	id        string
	symbol    string
	side      types.Side
	price     decimal.Decimal
	amount    decimal.Decimal
	remaining decimal.Decimal
	status    types.OrderStatus
	placedAt  time.Time
}

// Simulator is a self-contained venue: a GBM random walk drives the mid
// price on a fixed tick, and resting orders fill when the walk crosses them
// and the simulated balances cover the trade; an order the balances do not
// cover stays open.
type Simulator struct {
	mu           sync.Mutex
	rng          *rand.Rand
	currentPrice float64
	volatility   float64
	symbol       string

	orders      map[string]*simOrder
	orderSeq    int
	balances    map[string]decimal.Decimal

	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSimulator seeds the walk from cfg.Seed so repeated runs with the same
// seed reproduce identical fills.
func NewSimulator(cfg config.SimulatorConfig, symbol string, logger *slog.Logger) *Simulator {
	src := rand.NewSource(cfg.Seed)
	s := &Simulator{
		rng:          rand.New(src),
		currentPrice: cfg.StartPrice,
		volatility:   cfg.Volatility,
		symbol:       symbol,
		orders:       make(map[string]*simOrder),
		balances: map[string]decimal.Decimal{
			"QUOTE": decimal.NewFromInt(10000),
			"BASE":  decimal.NewFromFloat(0.1),
		},
		logger: logger.With("component", "simulator"),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	tickPeriod := cfg.TickPeriod
	if tickPeriod <= 0 {
		tickPeriod = time.Second
	}
	go s.runWalk(ctx, tickPeriod)
	return s
}

func (s *Simulator) runWalk(ctx context.Context, period time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// step advances the random walk one tick and matches resting orders against
// the new price, mirroring the bounded geometric-Brownian update and
// crossing-based fill logic.
func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	change := s.rng.NormFloat64() * s.volatility
	s.currentPrice *= 1 + change
	if s.currentPrice < 1 {
		s.currentPrice = 1
	}

	for _, o := range s.orders {
		if o.status != types.StatusOpen {
			continue
		}
		price, _ := o.price.Float64()
		matched := (o.side == types.Buy && s.currentPrice <= price) ||
			(o.side == types.Sell && s.currentPrice >= price)
		if !matched {
			continue
		}
		s.fill(o)
	}
}

func (s *Simulator) fill(o *simOrder) {
	base, quote := splitSymbol(o.symbol)
	if o.side == types.Buy {
		cost := o.amount.Mul(o.price)
		if s.balances[quote].LessThan(cost) {
			return
		}
		s.balances[quote] = s.balances[quote].Sub(cost)
		s.balances[base] = s.balances[base].Add(o.amount)
	} else {
		if s.balances[base].LessThan(o.amount) {
			return
		}
		s.balances[base] = s.balances[base].Sub(o.amount)
		s.balances[quote] = s.balances[quote].Add(o.amount.Mul(o.price))
	}
	o.status = types.StatusFilled
	o.remaining = decimal.Zero
	s.logger.Info("simulated fill", "side", o.side, "amount", o.amount, "price", o.price)
}

func splitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) != 2 {
		return symbol, symbol
	}
	return parts[0], parts[1]
}

func (s *Simulator) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	return map[string]types.MarketInfo{
		s.symbol: {
			Symbol:      s.symbol,
			MinSize:     decimal.NewFromFloat(0.00001),
			MinNotional: decimal.NewFromInt(1),
			SizeStep:    decimal.NewFromFloat(0.00001),
			PriceTick:   decimal.NewFromFloat(0.01),
		},
	}, nil
}

func (s *Simulator) FetchTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spread := s.currentPrice * 0.001
	return types.Ticker{
		Bid:       decimal.NewFromFloat(s.currentPrice - spread),
		Ask:       decimal.NewFromFloat(s.currentPrice + spread),
		Last:      decimal.NewFromFloat(s.currentPrice),
		Timestamp: time.Now(),
	}, nil
}

func (s *Simulator) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal) (types.PlaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderSeq++
	id := fmt.Sprintf("sim_%d", s.orderSeq)
	s.orders[id] = &simOrder{
		id:        id,
		symbol:    symbol,
		side:      side,
		price:     price,
		amount:    size,
		remaining: size,
		status:    types.StatusOpen,
		placedAt:  time.Now(),
	}
	return types.PlaceResult{VenueOrderID: id, Status: types.StatusOpen}, nil
}

func (s *Simulator) Cancel(ctx context.Context, venueOrderID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("%w: order %s", types.ErrNotFound, venueOrderID)
	}
	if o.status != types.StatusOpen {
		return fmt.Errorf("%w: order %s is %s, not open", types.ErrIllegalState, venueOrderID, o.status)
	}
	o.status = types.StatusCancelled
	return nil
}

func (s *Simulator) FetchOpenOrders(ctx context.Context, symbol string) ([]types.ExternalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.ExternalOrder
	for _, o := range s.orders {
		if o.symbol != symbol || o.status != types.StatusOpen {
			continue
		}
		out = append(out, types.ExternalOrder{
			ID:        o.id,
			Side:      o.side,
			Price:     o.price,
			Amount:    o.amount,
			Remaining: o.remaining,
			Timestamp: o.placedAt,
		})
	}
	return out, nil
}

func (s *Simulator) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.Balance, len(s.balances))
	for asset, total := range s.balances {
		out[asset] = types.Balance{Free: total, Used: decimal.Zero, Total: total}
	}
	return out, nil
}

func (s *Simulator) FetchOrder(ctx context.Context, venueOrderID, symbol string) (types.ExternalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[venueOrderID]
	if !ok {
		return types.ExternalOrder{}, fmt.Errorf("%w: order %s", types.ErrNotFound, venueOrderID)
	}
	return types.ExternalOrder{
		ID:        o.id,
		Side:      o.side,
		Price:     o.price,
		Amount:    o.amount,
		Remaining: o.remaining,
		Timestamp: o.placedAt,
	}, nil
}

func (s *Simulator) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Step advances the simulated walk once synchronously, for use by tests that
// need deterministic single-tick control instead of the background ticker.
func (s *Simulator) Step() {
	s.step()
}

// CurrentPrice returns the simulator's current mid price.
func (s *Simulator) CurrentPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decimal.NewFromFloat(s.currentPrice)
}
