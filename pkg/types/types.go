// Package types defines the shared vocabulary for the grid reconciliation
// engine: sides, order lifecycle, venue identifiers, and the runtime state
// machine. It has no dependencies on internal packages so it can be
// imported by every layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
	Skip Side = "skip" // level sits within tolerance of mid — no order placed
	Mid  Side = "mid"  // cosmetic label used only by the read API, never by the engine
)

// Spacing selects how grid levels are distributed between lower and upper.
type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic"
	SpacingGeometric  Spacing = "geometric"
)

// Mode selects whether the engine drives a live venue or the deterministic simulator.
type Mode string

const (
	ModeLive      Mode = "live"
	ModeSimulated Mode = "simulated"
)

// Venue identifies which concrete adapter backs a GridConfig.
type Venue string

const (
	VenueA         Venue = "venue_a"
	VenueB         Venue = "venue_b"
	VenueSimulator Venue = "simulator"
)

// OrderStatus is the lifecycle of a single LiveOrder.
type OrderStatus string

const (
	StatusIntended  OrderStatus = "intended"
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusUnknown   OrderStatus = "unknown"
)

// BotState is the coarse-grained state of the reconciliation engine.
type BotState string

const (
	StateStopped    BotState = "STOPPED"
	StateStarting   BotState = "STARTING"
	StateRunning    BotState = "RUNNING"
	StateStopping   BotState = "STOPPING"
	StateError      BotState = "ERROR"
	StateSimRunning BotState = "SIM_RUNNING"
)

// LevelState is the derived, never-persisted state of a single grid level.
type LevelState string

const (
	LevelDisabled   LevelState = "Disabled"
	LevelEmpty      LevelState = "Empty"
	LevelPlacing    LevelState = "Placing"
	LevelOpen       LevelState = "Open"
	LevelFilled     LevelState = "Filled"
	LevelCancelling LevelState = "Cancelling"
)

// Zone is an operator-defined, contiguous inclusive range of level indices
// that can be enabled/disabled as a unit.
type Zone struct {
	ID       int  `json:"id"`
	StartIdx int  `json:"start_idx"`
	EndIdx   int  `json:"end_idx"`
	Enabled  bool `json:"enabled"`
}

// ZoneBinding is the result of mapping a level index to its owning zone.
type ZoneBinding struct {
	ZoneID  int  `json:"zone_id"`
	Enabled bool `json:"enabled"`
}

// GridConfig is immutable once accepted by the orchestrator. Levels and
// ZoneOf are derived, cached fields recomputed by geometry.Compute and
// geometry.BuildZoneMap whenever the config changes.
type GridConfig struct {
	Lower        decimal.Decimal `json:"lower"`
	Upper        decimal.Decimal `json:"upper"`
	NLevels      int             `json:"n_levels"`
	Spacing      Spacing         `json:"spacing"`
	SizePerLevel decimal.Decimal `json:"size_per_level"`
	Zones        []Zone          `json:"zones"`
	Mode         Mode            `json:"mode"`
	Venue        Venue           `json:"venue"`
	Symbol       string          `json:"symbol"`

	Levels []decimal.Decimal   `json:"levels,omitempty"`
	ZoneOf map[int]ZoneBinding `json:"-"`
}

// LiveOrder is the per-level slot tracked by the reconciliation engine.
type LiveOrder struct {
	LevelIndex   int             `json:"level_index"`
	ZoneID       int             `json:"zone_id"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	VenueOrderID string          `json:"venue_order_id"`
	Status       OrderStatus     `json:"status"`
	PlacedAt     time.Time       `json:"placed_at"`
}

// RuntimeState is the single mutable record the State Store guards. It
// persists across starts; reset clears ActiveLevels and LastError.
type RuntimeState struct {
	BotState      BotState                   `json:"bot_state"`
	ActiveLevels  map[int]struct{}           `json:"-"`
	PnLRealized   decimal.Decimal            `json:"pnl_realized"`
	PnLUnrealized decimal.Decimal            `json:"pnl_unrealized"`
	Inventory     map[string]decimal.Decimal `json:"inventory"`
	LastError     string                     `json:"last_error,omitempty"`
}

// Clone returns a deep copy suitable for handing to an observer.
func (s RuntimeState) Clone() RuntimeState {
	out := s
	out.ActiveLevels = make(map[int]struct{}, len(s.ActiveLevels))
	for k, v := range s.ActiveLevels {
		out.ActiveLevels[k] = v
	}
	out.Inventory = make(map[string]decimal.Decimal, len(s.Inventory))
	for k, v := range s.Inventory {
		out.Inventory[k] = v
	}
	return out
}

// LevelView is the read-model returned by the engine's `levels` operation.
type LevelView struct {
	Index  int             `json:"index"`
	Price  decimal.Decimal `json:"price"`
	ZoneID int             `json:"zone_id"`
	Active bool            `json:"active"`
	Side   Side            `json:"side"`
}

// ExternalOrder is an order reported by a venue or supplied by an operator
// through the manual-sync side channel, not yet mapped to a grid level.
type ExternalOrder struct {
	ID        string          `json:"id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarketInfo describes one tradeable symbol as reported by load_markets.
type MarketInfo struct {
	Symbol      string          `json:"symbol"`
	MinSize     decimal.Decimal `json:"min_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
	SizeStep    decimal.Decimal `json:"size_step"`
	PriceTick   decimal.Decimal `json:"price_tick"`
}

// Ticker is the bid/ask/last snapshot returned by fetch_ticker.
type Ticker struct {
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"ts"`
}

// Mid returns the midpoint of bid/ask, falling back to Last if one side is zero.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Last
}

// Balance is the free/used/total holding of one asset.
type Balance struct {
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// PlaceResult is returned by place_limit.
type PlaceResult struct {
	VenueOrderID string      `json:"venue_order_id"`
	Status       OrderStatus `json:"status"` // open | rejected
}
