package outbox

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/clawplay/go/internal/events"
)

// Recorder stores events for the worker to deliver. It implements
// events.Publisher.
type Recorder struct {
	repo  *Repository
	clock clockwork.Clock
}

func NewRecorder(repo *Repository, clock clockwork.Clock) *Recorder {
	return &Recorder{repo: repo, clock: clock}
}

func (r *Recorder) Publish(ctx context.Context, env events.Envelope) error {
	return r.repo.Insert(ctx, env, r.clock.Now())
}
