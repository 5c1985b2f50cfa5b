package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/internal/config"
	"gridbot/internal/orchestrator"
	"gridbot/internal/store"
)

// Server runs the HTTP/WebSocket API for the operator dashboard.
type Server struct {
	cfg      config.DashboardConfig
	orch     *orchestrator.Orchestrator
	store    *store.Store
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server backed by an orchestrator. tickInterval
// sets the hub's coalescing cadence, normally the engine's own tick interval
// so dashboard clients see at most one update per completed tick.
func NewServer(cfg config.DashboardConfig, orch *orchestrator.Orchestrator, st *store.Store, tickInterval time.Duration, logger *slog.Logger) *Server {
	hub := NewHub(tickInterval, logger)
	handlers := NewHandlers(orch, cfg, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/levels", handlers.HandleLevels)
	mux.HandleFunc("/api/orders/active", handlers.HandleActiveOrders)
	mux.HandleFunc("/api/minimum-requirements", handlers.HandleMinimumRequirements)
	mux.HandleFunc("/api/start", handlers.HandleStart)
	mux.HandleFunc("/api/stop", handlers.HandleStop)
	mux.HandleFunc("/api/reset", handlers.HandleReset)
	mux.HandleFunc("/api/config", handlers.HandleUpdateConfig)
	mux.HandleFunc("/api/sync/manual", handlers.HandleSyncManual)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Dynamic-segment routes: net/http.ServeMux has no path variables, so
	// these handlers parse the remainder of the path themselves.
	mux.HandleFunc("/api/zones/", handlers.HandleZoneToggle)
	mux.HandleFunc("/api/orders/level/", handlers.HandleOrdersLevel)
	mux.HandleFunc("/api/orders/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/orders/level/") {
			handlers.HandleOrdersLevel(w, r)
			return
		}
		handlers.HandleOrdersCancel(w, r)
	})

	// Serve the static operator dashboard, if present.
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		orch:     orch,
		store:    st,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the WebSocket hub, the state-store event consumer, and the
// HTTP listener. Blocks until the server is stopped.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server. The state-store subscription
// held by consumeEvents is not released.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents relays state store events to every connected WebSocket client.
func (s *Server) consumeEvents() {
	sub := s.store.Subscribe()
	defer s.store.Unsubscribe(sub)

	for evt := range sub.Events() {
		s.hub.Push(NewStateUpdateEvent(evt))
	}
}
