package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"gridbot/internal/config"
	"gridbot/internal/orchestrator"
)

const drainTimeout = 10 * time.Second

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	cfg    config.DashboardConfig
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(orch *orchestrator.Orchestrator, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{orch: orch, cfg: cfg, hub: hub, logger: logger.With("component", "api-handlers")}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeResult(w http.ResponseWriter, res orchestrator.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, res)
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildSnapshot(h.orch))
}

// HandleStatus serves GET status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.orch.Status())
}

// HandleLevels serves GET levels.
func (h *Handlers) HandleLevels(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.orch.Levels())
}

// HandleActiveOrders serves GET orders/active.
func (h *Handlers) HandleActiveOrders(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.orch.ActiveOrders())
}

// HandleMinimumRequirements serves GET /api/minimum-requirements: the rule
// for the engine's configured venue and symbol. The path takes no venue or
// symbol.
func (h *Handlers) HandleMinimumRequirements(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.orch.MinimumRequirements())
}

// HandleStart serves POST start{confirm}.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	h.writeResult(w, h.orch.Start(r.Context(), req.Confirm))
}

// HandleStop serves POST stop{confirm}.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	h.writeResult(w, h.orch.Stop(req.Confirm, drainTimeout))
}

// HandleReset serves POST reset{confirm, clear_positions, cancel_only}.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	h.writeResult(w, h.orch.Reset(r.Context(), req.Confirm, req.ClearPositions, req.CancelOnly))
}

// HandleUpdateConfig serves PUT config.
func (h *Handlers) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.GridConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config body"})
		return
	}
	h.writeResult(w, h.orch.UpdateConfig(cfg))
}

// HandleZoneToggle serves POST /api/zones/{id}/enable|disable.
func (h *Handlers) HandleZoneToggle(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/zones/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	zoneID, err := strconv.Atoi(parts[0])
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid zone id"})
		return
	}
	var enabled bool
	switch parts[1] {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.writeResult(w, h.orch.ToggleZone(r.Context(), zoneID, enabled))
}

// HandleOrdersLevel serves POST /api/orders/level/{i}/cancel|enable.
func (h *Handlers) HandleOrdersLevel(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/orders/level/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	levelIndex, err := strconv.Atoi(parts[0])
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid level index"})
		return
	}
	switch parts[1] {
	case "cancel":
		h.writeResult(w, h.orch.CancelLevelOrder(r.Context(), levelIndex))
	case "enable":
		h.writeResult(w, h.orch.EnableLevelOrder(r.Context(), levelIndex))
	default:
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

// HandleOrdersCancel serves POST /api/orders/{venue_order_id}/cancel.
func (h *Handlers) HandleOrdersCancel(w http.ResponseWriter, r *http.Request) {
	venueOrderID, ok := parseOrderID(r.URL.Path)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.writeResult(w, h.orch.CancelByID(r.Context(), venueOrderID))
}

func parseOrderID(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/api/orders/")
	if !strings.HasSuffix(rest, "/cancel") {
		return "", false
	}
	id := strings.TrimSuffix(rest, "/cancel")
	if id == "" || id == "active" || id == "level" {
		return "", false
	}
	return id, true
}

// HandleSyncManual serves POST sync/manual{orders}.
func (h *Handlers) HandleSyncManual(w http.ResponseWriter, r *http.Request) {
	var req SyncManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sync body"})
		return
	}
	h.writeResult(w, h.orch.SyncManual(r.Context(), req.Orders))
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), h.cfg, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snapshot := BuildSnapshot(h.orch)
	evt := StateUpdateEvent{Type: "snapshot", Data: snapshot}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
