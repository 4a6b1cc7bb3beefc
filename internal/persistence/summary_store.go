// Package persistence optionally durable-stores session summaries in
// PostgreSQL, grounded on the teacher's pgx-backed memory store. Wiring it
// is opt-in: session.Manager works fine with no store configured, and
// DATABASE_URL left unset means the voice path never touches the database.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SummaryStore persists one free-text summary per session ID.
type SummaryStore interface {
	Save(ctx context.Context, sessionID, summary string) error
	Load(ctx context.Context, sessionID string) (string, bool, error)
	Close()
}

// PostgresSummaryStore is the pgx-backed SummaryStore.
type PostgresSummaryStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSummaryStore connects to databaseURL and ensures the
// session_summaries table exists.
func NewPostgresSummaryStore(ctx context.Context, databaseURL string) (*PostgresSummaryStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresSummaryStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `CREATE TABLE IF NOT EXISTS session_summaries (
		session_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Save upserts the summary for sessionID.
func (s *PostgresSummaryStore) Save(ctx context.Context, sessionID, summary string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_summaries (session_id, summary, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET summary = $2, updated_at = $3`,
		sessionID, summary, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// Load returns the stored summary for sessionID, or ok=false if none exists.
func (s *PostgresSummaryStore) Load(ctx context.Context, sessionID string) (string, bool, error) {
	var summary string
	err := s.pool.QueryRow(ctx,
		`SELECT summary FROM session_summaries WHERE session_id = $1`, sessionID,
	).Scan(&summary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load summary: %w", err)
	}
	return summary, true, nil
}

func (s *PostgresSummaryStore) Close() {
	s.pool.Close()
}

// NoopSummaryStore is the default SummaryStore when DATABASE_URL is unset:
// every Save/Load is a no-op, so callers never branch on store presence.
type NoopSummaryStore struct{}

func (NoopSummaryStore) Save(context.Context, string, string) error { return nil }

func (NoopSummaryStore) Load(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (NoopSummaryStore) Close() {}
