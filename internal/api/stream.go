package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub manages WebSocket clients and coalesces state-store events down to the
// engine's tick cadence before fanning them out. A tick can mutate the
// store several times (fill detection, replacement placement, zone toggles)
// and clients only need the result as of the last completed tick, not one
// message per intermediate mutation. error and reset events carry
// information clients should see immediately, so those bypass coalescing.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	push       chan StateUpdateEvent
	interval   time.Duration
	mu         sync.RWMutex
	logger     *slog.Logger
}

// Client represents a connected WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new WebSocket hub that flushes coalesced updates at the
// given interval (typically the engine's tick interval).
func NewHub(interval time.Duration, logger *slog.Logger) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		push:       make(chan StateUpdateEvent, 256),
		interval:   interval,
		logger:     logger.With("component", "ws-hub"),
	}
}

// isImmediateEventType reports the event types that bypass coalescing: operators watching the dashboard
// should see an error or a reset the moment it happens, not on the next
// flush tick.
func isImmediateEventType(eventType string) bool {
	switch eventType {
	case "error", "reset":
		return true
	default:
		return false
	}
}

// Run starts the hub's main loop (should be called in a goroutine)
func (h *Hub) Run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var pending *StateUpdateEvent

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("client connected", "count", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "count", len(h.clients))

		case evt := <-h.push:
			if isImmediateEventType(evt.Type) {
				h.flush(evt)
				pending = nil
				continue
			}
			latest := evt
			pending = &latest

		case <-ticker.C:
			if pending != nil {
				h.flush(*pending)
				pending = nil
			}
		}
	}
}

// Push queues evt for the Run loop, which coalesces routine updates to the
// next tick and delivers events for which isImmediateEventType holds at once.
func (h *Hub) Push(evt StateUpdateEvent) {
	select {
	case h.push <- evt:
	default:
		h.logger.Warn("push channel full, dropping event", "event_type", evt.Type)
	}
}

// flush marshals evt and fans it out to every connected client.
func (h *Hub) flush(evt StateUpdateEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
		// Dashboard is read-only, ignore any client messages
	}
}

// NewClient creates a new WebSocket client and starts its pumps
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	client.hub.register <- client

	// Start pumps
	go client.writePump()
	go client.readPump()

	return client
}
