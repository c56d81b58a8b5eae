// Package audit persists session issuance outcomes in PostgreSQL. Only the
// outcome of each invocation is stored: the request id, the advisory user
// id, status codes and latency. Credentials never reach this package.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/whisper/chatkit-session/internal/protocol"
)

// Store manages session events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new event store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL at dbURL and verifies the connection.
func Open(ctx context.Context, dbURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return db, nil
}

// Insert stores ev after validating it. Request ids are issued by the
// server, so a duplicate is reported as an error rather than skipped.
func (s *Store) Insert(ctx context.Context, ev protocol.SessionEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	var upstream sql.NullInt64
	if ev.UpstreamStatus != 0 {
		upstream = sql.NullInt64{Int64: int64(ev.UpstreamStatus), Valid: true}
	}

	const query = `
		INSERT INTO session_events (request_id, correlation_id, user_id, outcome, status, upstream_status, latency_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		ev.RequestID,
		ev.CorrelationID,
		ev.User,
		ev.Outcome,
		ev.Status,
		upstream,
		ev.LatencyMs,
		time.Unix(ev.Ts, 0).UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of events with the given outcome recorded
// within the window.
func (s *Store) CountRecent(ctx context.Context, outcome string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM session_events
		WHERE outcome = $1
		  AND occurred_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, outcome, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
