package api

import (
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

// LevelDTO is the wire shape of one grid level, matching GET levels.
type LevelDTO struct {
	Index  int             `json:"index"`
	Price  decimal.Decimal `json:"price"`
	ZoneID int             `json:"zone_id"`
	Active bool            `json:"active"`
	Side   types.Side      `json:"side"`
}

// StatusDTO is the wire shape of GET status.
type StatusDTO struct {
	State      types.BotState             `json:"state"`
	PnL        PnLDTO                     `json:"pnl"`
	Inventory  map[string]decimal.Decimal `json:"inventory"`
	LastError  string                     `json:"last_error,omitempty"`
	Grid       config.GridConfig         `json:"grid"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// PnLDTO is the realized/unrealized split reported in status and events.
type PnLDTO struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// OrderDTO mirrors one tracked order, returned by GET orders/active.
type OrderDTO struct {
	LevelIndex   int             `json:"level_index"`
	ZoneID       int             `json:"zone_id"`
	Side         types.Side      `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	VenueOrderID string          `json:"venue_order_id"`
	Status       types.OrderStatus `json:"status"`
}

// SyncManualRequest is the body of POST sync/manual.
type SyncManualRequest struct {
	Orders []types.ExternalOrder `json:"orders"`
}

// ConfirmRequest is the body shared by start/stop/reset.
type ConfirmRequest struct {
	Confirm        bool `json:"confirm"`
	ClearPositions bool `json:"clear_positions,omitempty"`
	CancelOnly     bool `json:"cancel_only,omitempty"`
}

// ZoneToggleRequest is the body of zones/{id}/enable|disable.
type ZoneToggleRequest struct {
	Enabled bool `json:"enabled"`
}
