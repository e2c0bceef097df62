package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/internal/config"
)

// Service is the local presentation gateway: REST intents plus a WebSocket
// snapshot stream for the UI.
type Service struct {
	ctrl              Controller
	connectionManager *ConnectionManager
	stateHandler      *StateHandler
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

func NewService(cfg Config, ctrl Controller, catalog *config.Catalog) *Service {
	return &Service{
		ctrl:              ctrl,
		connectionManager: NewConnectionManager(cfg.ConnectionConfig),
		stateHandler:      NewStateHandler(ctrl, catalog),
	}
}

// Start forwards controller snapshots to viewers until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	go s.connectionManager.Start(ctx)

	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway service shutting down")
			return nil
		case snap, ok := <-updates:
			if !ok {
				log.Info().Msg("controller closed snapshot stream")
				return nil
			}
			s.connectionManager.Broadcast(snap)
		}
	}
}

// RegisterRoutes registers every gateway route on mux
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.stateHandler.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws/state", s.HandleStateStream)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	log.Info().Msg("gateway routes registered")
}

// HandleStateStream handles GET /ws/state
func (s *Service) HandleStateStream(w http.ResponseWriter, r *http.Request) {
	if err := s.connectionManager.UpgradeConnection(w, r, s.ctrl.Snapshot()); err != nil {
		// Upgrade already wrote the HTTP error.
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
	}
}

// Connections returns the number of open snapshot streams
func (s *Service) Connections() int {
	return s.connectionManager.ConnectionCount()
}
