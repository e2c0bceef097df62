package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	settings, err := loadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	cfg := settings.Config
	setupLogging(cfg)

	store, err := setupProfileStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open profile store")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services := setupServices(ctx, settings, store)
	defer services.Close()

	log.Info().
		Str("api_url", cfg.APIURL).
		Str("user_id", cfg.UserID).
		Int64("machine_id", cfg.MachineID).
		Str("port", cfg.GatewayPort).
		Bool("controls", services.Controls != nil).
		Msg("starting clawplay")

	// Start gateway snapshot stream
	go func() {
		if err := services.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	server := setupServer(cfg, services.Gateway)

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gateway and controller timers
	cancel()

	log.Info().Msg("clawplay shutdown complete")
}
