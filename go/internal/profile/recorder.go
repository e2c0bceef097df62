package profile

import (
	"context"

	"github.com/mcdev12/clawplay/go/internal/events"
)

// BalanceRecorder caches the remaining_coins carried by lifecycle events.
type BalanceRecorder struct {
	store *Store
}

func NewBalanceRecorder(store *Store) *BalanceRecorder {
	return &BalanceRecorder{store: store}
}

func (r *BalanceRecorder) Publish(ctx context.Context, env events.Envelope) error {
	coins, ok := events.RemainingCoins(env)
	if !ok {
		return nil
	}
	return r.store.UpdateBalance(ctx, env.UserID, coins)
}
