package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/clawplay/go/internal/events"
	"github.com/mcdev12/clawplay/go/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_outbox (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	envelope   BLOB NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	sent_at    INTEGER
)`

type Repository struct {
	db *sql.DB
}

// NewRepository creates the outbox table in db if needed.
func NewRepository(ctx context.Context, db *sql.DB) (*Repository, error) {
	err := sqlutil.Run(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox table: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Insert(ctx context.Context, env events.Envelope, at time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO event_outbox (event_id, event_type, envelope, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		env.EventID, string(env.EventType), data, sqlutil.ToUnixMillis(at),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", env.EventType, err)
	}
	return nil
}

// FetchUnsent returns up to limit unsent events, oldest first.
func (r *Repository) FetchUnsent(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT envelope, attempts, created_at FROM event_outbox
		 WHERE sent_at IS NULL
		 ORDER BY created_at, rowid
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var (
			data      []byte
			ev        OutboxEvent
			createdAt int64
		)
		if err := rows.Scan(&data, &ev.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if err := json.Unmarshal(data, &ev.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode outbox envelope: %w", err)
		}
		ev.CreatedAt = sqlutil.FromUnixMillis(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *Repository) MarkSent(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]interface{}, 0, len(eventIDs)+1)
	args = append(args, sqlutil.ToUnixMillis(at))
	for _, id := range eventIDs {
		args = append(args, id)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE event_outbox SET sent_at = ? WHERE event_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to mark events as sent: %w", err)
	}
	return nil
}

func (r *Repository) RecordAttempt(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE event_outbox SET attempts = attempts + 1 WHERE event_id = ?`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Pending counts unsent events.
func (r *Repository) Pending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_outbox WHERE sent_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}
