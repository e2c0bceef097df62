package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/internal/config"
)

type Settings struct {
	Config  *config.Config
	Catalog *config.Catalog
}

func loadSettings() (*Settings, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	catalog, err := config.LoadMachines(cfg.MachinesFile)
	if err != nil {
		return nil, err
	}
	if err := catalog.Validate(cfg.MachineID); err != nil {
		return nil, err
	}

	return &Settings{Config: cfg, Catalog: catalog}, nil
}

func setupLogging(cfg *config.Config) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	level, err := cfg.Level()
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
