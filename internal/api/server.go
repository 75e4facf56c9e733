// Package api serves the engine's control surface: a JSON command API for
// runtime settings and forced executions, a Prometheus metrics endpoint,
// and a WebSocket stream pushing opportunities, transactions, settings
// changes, venue connectivity and strategy updates.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/metrics"
	"crossarb/internal/settings"
	"crossarb/internal/strategy"
	"crossarb/pkg/types"
)

// Server runs the HTTP/WebSocket control surface.
type Server struct {
	settings *settings.Store
	hub      *StreamHub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the router and wires the stream hub. The handlers carry
// the component dependencies; the server owns transport and event fan-out.
func NewServer(port int, st *settings.Store, m *metrics.Metrics, handlers *Handlers, logger *slog.Logger) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws", handlers.HandleWebSocket)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/state", handlers.HandleState).Methods(http.MethodGet)
	apiRouter.HandleFunc("/autotrade", handlers.HandleAutoTrade).Methods(http.MethodPost)
	apiRouter.HandleFunc("/autotrade/threshold", handlers.HandleThreshold).Methods(http.MethodPost)
	apiRouter.HandleFunc("/strategy", handlers.HandleExecutionMode).Methods(http.MethodPost)
	apiRouter.HandleFunc("/sandbox", handlers.HandleSandbox).Methods(http.MethodPost)
	apiRouter.HandleFunc("/pair-thresholds", handlers.HandlePairThresholds).Methods(http.MethodPost)
	apiRouter.HandleFunc("/safe-multiplier", handlers.HandleSafeMultiplier).Methods(http.MethodPost)
	apiRouter.HandleFunc("/taker-fees", handlers.HandleTakerFees).Methods(http.MethodPost)
	apiRouter.HandleFunc("/auto-rebalance", handlers.HandleAutoRebalance).Methods(http.MethodPost)
	apiRouter.HandleFunc("/safety-limits", handlers.HandleSafetyLimits).Methods(http.MethodPost)
	apiRouter.HandleFunc("/rebalance-threshold", handlers.HandleRebalanceThreshold).Methods(http.MethodPost)
	apiRouter.HandleFunc("/safety-reset", handlers.HandleSafetyReset).Methods(http.MethodPost)
	apiRouter.HandleFunc("/smart-strategy", handlers.HandleSmartStrategy).Methods(http.MethodPost)
	apiRouter.HandleFunc("/wallet-override", handlers.HandleWalletOverride).Methods(http.MethodPost)
	apiRouter.HandleFunc("/execute", handlers.HandleExecute).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		settings: st,
		hub:      handlers.hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the stream hub, the settings fan-out and the HTTP listener.
// Blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.fanOutSettings()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Push stream fan-out
// ————————————————————————————————————————————————————————————————————————

func (s *Server) fanOutSettings() {
	for snap := range s.settings.Subscribe() {
		s.hub.Broadcast(settingsEvent(snap))
	}
}

// BroadcastTransaction pushes a recorded execution outcome. The engine owns
// the transaction stream and forwards each entry here; the server never
// reads engine channels itself.
func (s *Server) BroadcastTransaction(tx types.Transaction) {
	s.hub.Broadcast(transactionEvent(tx))
}

// BroadcastOpportunity pushes a trade-grade opportunity to stream clients.
func (s *Server) BroadcastOpportunity(opp types.Opportunity) {
	s.hub.Broadcast(opportunityEvent(opp))
}

// BroadcastConnection pushes a venue connectivity change.
func (s *Server) BroadcastConnection(cs types.ConnectionStatus) {
	s.hub.Broadcast(connectionEvent(cs))
}

// BroadcastStrategy pushes an adaptive threshold update.
func (s *Server) BroadcastStrategy(u strategy.StrategyUpdate) {
	s.hub.Broadcast(strategyEvent(u))
}

// BroadcastRebalance pushes a fresh transfer proposal.
func (s *Server) BroadcastRebalance(p types.RebalanceProposal) {
	s.hub.Broadcast(rebalanceEvent(p))
}

// BroadcastSafetyTrip pushes a kill-switch trip with its reason.
func (s *Server) BroadcastSafetyTrip(reason string) {
	s.hub.Broadcast(safetyEvent(reason))
}
