// Package pnl tracks a best-effort, non-authoritative running position and
// profit/loss estimate for the single symbol a grid trades. It is fed by
// fill events the reconciliation engine detects; the venue's own balance
// and trade history remain the source of truth on disagreement.
package pnl

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// Fill is a single detected execution against a grid level.
type Fill struct {
	Timestamp time.Time
	Side      types.Side
	Price     decimal.Decimal
	Size      decimal.Decimal
}

// Position is the current base-asset holding, average entry price, and
// accumulated realized/unrealized PnL in quote-currency terms.
type Position struct {
	BaseQty       decimal.Decimal `json:"base_qty"`
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// Tracker accumulates Position for one symbol. Safe for concurrent use.
type Tracker struct {
	mu  sync.RWMutex
	pos Position
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{pos: Position{
		BaseQty:     decimal.Zero,
		AvgEntry:    decimal.Zero,
		RealizedPnL: decimal.Zero,
	}}
}

// OnFill applies a fill: a buy increases base inventory and rolls the
// average entry price forward; a sell reduces inventory and realizes PnL
// against the current average entry.
func (t *Tracker) OnFill(f Fill) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.Side == types.Buy {
		totalCost := t.pos.AvgEntry.Mul(t.pos.BaseQty).Add(f.Price.Mul(f.Size))
		t.pos.BaseQty = t.pos.BaseQty.Add(f.Size)
		if t.pos.BaseQty.IsPositive() {
			t.pos.AvgEntry = totalCost.Div(t.pos.BaseQty)
		}
	} else {
		if t.pos.BaseQty.IsPositive() {
			sellQty := decimal.Min(f.Size, t.pos.BaseQty)
			t.pos.RealizedPnL = t.pos.RealizedPnL.Add(f.Price.Sub(t.pos.AvgEntry).Mul(sellQty))
		}
		t.pos.BaseQty = t.pos.BaseQty.Sub(f.Size)
		if !t.pos.BaseQty.IsPositive() {
			t.pos.BaseQty = decimal.Zero
			t.pos.AvgEntry = decimal.Zero
		}
	}
	t.pos.LastUpdated = time.Now()
}

// UpdateMarkToMarket recomputes UnrealizedPnL against the supplied mid price.
func (t *Tracker) UpdateMarkToMarket(mid decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos.UnrealizedPnL = t.pos.BaseQty.Mul(mid.Sub(t.pos.AvgEntry))
}

// Snapshot returns a copy of the current position.
func (t *Tracker) Snapshot() Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

// SetPosition replaces the tracked position; the engine's Reset passes an
// empty Position to clear it.
func (t *Tracker) SetPosition(pos Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = pos
}
