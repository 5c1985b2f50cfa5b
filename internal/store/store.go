// Package store holds the State Store: the single mutable RuntimeState
// record the reconciliation engine publishes to, guarded by a RWMutex, with
// a non-blocking subscriber fanout for state_change, pnl_update,
// inventory_update, levels_update, error, and reset events. It also
// persists the manual-sync side-channel file operators use to hand the
// engine a list of externally-placed orders to adopt.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// EventType names the kind of change being broadcast to subscribers.
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventPnLUpdate       EventType = "pnl_update"
	EventInventoryUpdate EventType = "inventory_update"
	EventLevelsUpdate    EventType = "levels_update"
	EventError           EventType = "error"
	EventReset           EventType = "reset"
)

// Event is published to every subscriber on a state mutation.
type Event struct {
	Type  EventType
	State types.RuntimeState
}

// Subscriber receives events on a buffered channel; slow subscribers drop
// events rather than blocking the publisher.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's event channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

const subscriberBuffer = 32

// Store guards the single RuntimeState record and fans out change events.
type Store struct {
	mu    sync.RWMutex
	state types.RuntimeState

	subMu sync.Mutex
	subs  map[*Subscriber]struct{}

	logger *slog.Logger
}

// New creates a Store with a freshly-zeroed RuntimeState.
func New(logger *slog.Logger) *Store {
	return &Store{
		state: types.RuntimeState{
			BotState:     types.StateStopped,
			ActiveLevels: make(map[int]struct{}),
			Inventory:    make(map[string]decimal.Decimal),
		},
		subs:   make(map[*Subscriber]struct{}),
		logger: logger.With("component", "store"),
	}
}

// Snapshot returns a deep copy of the current state, safe to hand to a caller.
func (s *Store) Snapshot() types.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe registers a new subscriber and returns it; call Unsubscribe when done.
func (s *Store) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(sub *Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Update applies fn under the write lock and publishes evt with the
// resulting snapshot. fn should mutate st in place.
func (s *Store) Update(evt EventType, fn func(st *types.RuntimeState)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state.Clone()
	s.mu.Unlock()

	s.publish(Event{Type: evt, State: snapshot})
}

// Reset clears ActiveLevels and LastError but preserves PnL and inventory,
// matching the engine's reset semantics (a fresh reconciliation pass, not a
// wipe of accounting history).
func (s *Store) Reset() {
	s.Update(EventReset, func(st *types.RuntimeState) {
		st.ActiveLevels = make(map[int]struct{})
		st.LastError = ""
	})
}

// SetError records a terminal error and transitions BotState to Error.
func (s *Store) SetError(err error) {
	s.Update(EventError, func(st *types.RuntimeState) {
		st.BotState = types.StateError
		st.LastError = err.Error()
	})
}

func (s *Store) publish(evt Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			s.logger.Warn("subscriber buffer full, dropping event", "event_type", evt.Type)
		}
	}
}

// manualSyncFile is the on-disk shape of the operator-maintained side
// channel listing externally-placed orders for the engine to adopt.
type manualSyncFile struct {
	Orders []types.ExternalOrder `json:"orders"`
}

// LoadManualSync reads the manual-sync file from dataDir. A missing file is
// not an error — it simply means there is nothing to adopt.
func LoadManualSync(dataDir string) ([]types.ExternalOrder, error) {
	path := filepath.Join(dataDir, "manual_sync_orders.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manual sync file: %w", err)
	}

	var f manualSyncFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal manual sync file: %w", err)
	}
	return f.Orders, nil
}

// SaveManualSync atomically overwrites the manual-sync file, used by the
// orchestrator's sync_manual operation to record what the engine adopted.
func SaveManualSync(dataDir string, orders []types.ExternalOrder) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.Marshal(manualSyncFile{Orders: orders})
	if err != nil {
		return fmt.Errorf("marshal manual sync file: %w", err)
	}

	path := filepath.Join(dataDir, "manual_sync_orders.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write manual sync file: %w", err)
	}
	return os.Rename(tmp, path)
}
