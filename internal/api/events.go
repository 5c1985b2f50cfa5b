package api

import (
	"time"

	"gridbot/internal/store"
)

// StateUpdateEvent is the wrapper broadcast to every WebSocket client,
// mirroring a single State Store event.
type StateUpdateEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewStateUpdateEvent converts a store.Event into its wire representation.
func NewStateUpdateEvent(evt store.Event) StateUpdateEvent {
	return StateUpdateEvent{
		Type:      string(evt.Type),
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"bot_state":      evt.State.BotState,
			"pnl_realized":   evt.State.PnLRealized,
			"pnl_unrealized": evt.State.PnLUnrealized,
			"inventory":      evt.State.Inventory,
			"active_levels":  activeLevelIndices(evt.State.ActiveLevels),
			"last_error":     evt.State.LastError,
		},
	}
}

func activeLevelIndices(levels map[int]struct{}) []int {
	out := make([]int, 0, len(levels))
	for idx := range levels {
		out = append(out, idx)
	}
	return out
}
