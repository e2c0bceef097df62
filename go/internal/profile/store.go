package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/mcdev12/clawplay/go/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id    TEXT PRIMARY KEY,
	username   TEXT,
	provider   TEXT,
	balance    INTEGER,
	updated_at INTEGER NOT NULL
)`

// Store persists profiles in SQLite.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open opens (creating if needed) the profile database at path.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, clockwork.NewRealClock())
}

// OpenWithClock is Open with an injected clock for updated_at stamps.
func OpenWithClock(path string, clock clockwork.Clock) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("profile db path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{db: db, clock: clock}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info().Str("path", path).Msg("profile store opened")
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying database so other local tables can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Get loads the profile for userID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, provider, balance, updated_at FROM profiles WHERE user_id = ?`,
		userID,
	)

	var (
		p         Profile
		username  sql.NullString
		provider  sql.NullString
		balance   sql.NullInt64
		updatedAt int64
	)
	if err := row.Scan(&p.UserID, &username, &provider, &balance, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.Username = sqlutil.FromSqlString(username, "")
	p.Provider = sqlutil.FromSqlString(provider, "")
	p.Balance = sqlutil.FromSqlInt64(balance)
	p.UpdatedAt = sqlutil.FromUnixMillis(updatedAt)
	return &p, nil
}

// Save upserts the full profile. A nil Balance keeps the stored one.
func (s *Store) Save(ctx context.Context, p Profile) error {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, username, provider, balance, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		    username = excluded.username,
		    provider = excluded.provider,
		    balance = COALESCE(excluded.balance, profiles.balance),
		    updated_at = excluded.updated_at`,
		p.UserID,
		sqlutil.ToSqlString(p.Username),
		sqlutil.ToSqlString(p.Provider),
		sqlutil.ToSqlInt64(p.Balance),
		sqlutil.ToUnixMillis(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// UpdateBalance records the latest server-reported balance, creating the
// profile row if needed.
func (s *Store) UpdateBalance(ctx context.Context, userID string, balance int) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, balance, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		    balance = excluded.balance,
		    updated_at = excluded.updated_at`,
		userID,
		balance,
		sqlutil.ToUnixMillis(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	log.Debug().Str("user_id", userID).Int("balance", balance).Msg("balance cached")
	return nil
}
