package main

import (
	"context"
	"encoding/json"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/clients/claw_api_client"
	"github.com/mcdev12/clawplay/go/internal/control"
	"github.com/mcdev12/clawplay/go/internal/events"
	"github.com/mcdev12/clawplay/go/internal/gateway"
	"github.com/mcdev12/clawplay/go/internal/lifecycle"
	"github.com/mcdev12/clawplay/go/internal/outbox"
	"github.com/mcdev12/clawplay/go/internal/profile"
)

type Services struct {
	Controller *lifecycle.Controller
	Gateway    *gateway.Service
	Profiles   *profile.Store
	Controls   *control.Supervisor
	NATS       *nats.Conn
	Outbox     *outbox.Worker
}

func setupServices(ctx context.Context, settings *Settings, store *profile.Store) *Services {
	cfg := settings.Config
	// Wire up dependency injection chain
	// API client → publishers → controller → gateway

	apiClient := claw_api_client.NewClawApiClient(cfg.APIURL, cfg.AuthToken)
	apiClient.SetTimeout(cfg.HTTPTimeout)

	services := &Services{Profiles: store}

	publishers := []events.Publisher{
		events.NewLogPublisher(),
		profile.NewBalanceRecorder(store),
	}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Warn().Err(err).Str("nats_url", cfg.NATSURL).Msg("NATS unavailable, events stay local")
		} else {
			services.NATS = nc
			publishers = append(publishers, setupOutbox(ctx, services, store, events.NewNATSPublisher(nc, cfg.NATSSubjectPrefix)))
		}
	}

	opts := []lifecycle.Option{
		lifecycle.WithPublisher(events.NewMultiPublisher(publishers...)),
	}
	opts = append(opts, cachedBalance(ctx, store, cfg.UserID)...)

	if cfg.ControlURL != "" {
		controlCfg := control.DefaultConfig()
		controlCfg.URL = cfg.ControlURL
		controlCfg.UserID = cfg.UserID
		controlCfg.MachineID = cfg.MachineID
		controlCfg.MovesPerSecond = cfg.ControlMovesPerSec

		supCfg := control.DefaultSupervisorConfig()
		supCfg.OnStateChange = func(connected bool) {
			services.Controller.SetControlsConnected(connected)
		}
		services.Controls = control.NewSupervisor(controlCfg, supCfg, logMachineEvent, clockwork.NewRealClock())
		opts = append(opts, lifecycle.WithControls(services.Controls))
	}

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.UserID = cfg.UserID
	lifecycleCfg.MachineID = cfg.MachineID
	lifecycleCfg.PollInterval = cfg.PollInterval
	lifecycleCfg.HeartbeatInterval = cfg.HeartbeatInterval

	services.Controller = lifecycle.New(lifecycleCfg, apiClient, apiClient, opts...)
	if services.Controls != nil {
		// Dial only once the controller exists to receive connection state.
		services.Controls.Start(ctx)
	}
	services.Gateway = gateway.NewService(gateway.DefaultConfig(), services.Controller, settings.Catalog)

	return services
}

// setupOutbox routes NATS delivery through the SQLite outbox so events
// raised while the broker is down go out once it is back. Falls back to
// direct publishing if the outbox cannot be created.
func setupOutbox(ctx context.Context, services *Services, store *profile.Store, natsPub events.Publisher) events.Publisher {
	repo, err := outbox.NewRepository(ctx, store.DB())
	if err != nil {
		log.Warn().Err(err).Msg("outbox unavailable, publishing to NATS directly")
		return natsPub
	}

	clock := clockwork.NewRealClock()
	worker := outbox.NewWorker(repo, natsPub, outbox.DefaultConfig(), clock)
	if err := worker.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("outbox worker failed to start, publishing to NATS directly")
		return natsPub
	}
	services.Outbox = worker
	return outbox.NewRecorder(repo, clock)
}

// Close releases everything in reverse order of setup.
func (s *Services) Close() {
	s.Controller.Dispose()
	if s.Outbox != nil {
		if err := s.Outbox.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop outbox worker")
		}
	}
	if s.Controls != nil {
		if err := s.Controls.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close control channel")
		}
	}
	if s.NATS != nil {
		if err := s.NATS.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain NATS connection")
		}
	}
	if err := s.Profiles.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close profile store")
	}
}

func logMachineEvent(ev control.ServerEvent) {
	switch ev.Type {
	case control.EventError:
		var payload control.ErrorPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			log.Warn().Err(err).Msg("malformed machine error frame")
			return
		}
		log.Warn().Str("code", payload.Code).Str("message", payload.Message).Msg("machine reported error")
	default:
		log.Debug().Str("event_type", string(ev.Type)).RawJSON("data", ev.Data).Msg("machine event")
	}
}
