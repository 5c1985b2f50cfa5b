package api

import (
	"time"

	"gridbot/internal/orchestrator"
)

// Snapshot is the payload served by GET /api/snapshot and sent to every
// WebSocket client on connect.
type Snapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Status    orchestrator.Result     `json:"status"`
	Levels    orchestrator.Result     `json:"levels"`
	Orders    orchestrator.Result     `json:"orders"`
}

// BuildSnapshot aggregates the orchestrator's read operations into one
// payload, avoiding a round trip per panel on initial page load.
func BuildSnapshot(o *orchestrator.Orchestrator) Snapshot {
	return Snapshot{
		Timestamp: time.Now(),
		Status:    o.Status(),
		Levels:    o.Levels(),
		Orders:    o.ActiveOrders(),
	}
}
