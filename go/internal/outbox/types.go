package outbox

import (
	"time"

	"github.com/mcdev12/clawplay/go/internal/events"
)

// OutboxEvent is a stored envelope awaiting delivery
type OutboxEvent struct {
	Envelope  events.Envelope
	Attempts  int
	CreatedAt time.Time
	SentAt    *time.Time
}
