package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/internal/config"
	"github.com/mcdev12/clawplay/go/internal/lifecycle"
	"github.com/mcdev12/clawplay/go/internal/profile"
)

func setupProfileStore(cfg *config.Config) (*profile.Store, error) {
	store, err := profile.Open(cfg.ProfileDB)
	if err != nil {
		return nil, err
	}

	log.Info().Str("path", cfg.ProfileDB).Msg("connected to profile store")
	return store, nil
}

// cachedBalance seeds the controller with the last known balance, if any.
func cachedBalance(ctx context.Context, store *profile.Store, userID string) []lifecycle.Option {
	p, err := store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to read cached profile")
		}
		return nil
	}
	if p.Balance == nil {
		return nil
	}

	log.Info().Str("user_id", userID).Int("balance", *p.Balance).Msg("restored cached balance")
	return []lifecycle.Option{lifecycle.WithInitialBalance(*p.Balance)}
}
