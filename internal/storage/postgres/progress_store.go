package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/yearscan/internal/store"
)

// ProgressStore implements store.ProgressRepository on two tables:
//
//	CREATE TABLE session_runs (
//	    session_id  uuid PRIMARY KEY,
//	    started_at  timestamptz NOT NULL,
//	    finished_at timestamptz,
//	    status      text NOT NULL,
//	    note        text
//	);
//
//	CREATE TABLE phase_stats (
//	    session_id   uuid NOT NULL REFERENCES session_runs (session_id),
//	    phase        text NOT NULL,
//	    last_update  timestamptz NOT NULL,
//	    pages        bigint NOT NULL DEFAULT 0,
//	    empty_pages  bigint NOT NULL DEFAULT 0,
//	    failed_pages bigint NOT NULL DEFAULT 0,
//	    stale_pages  bigint NOT NULL DEFAULT 0,
//	    items        bigint NOT NULL DEFAULT 0,
//	    PRIMARY KEY (session_id, phase)
//	);
type ProgressStore struct {
	pool pool
}

// NewProgressStore creates a ProgressStore with its own connection pool.
func NewProgressStore(ctx context.Context, cfg PoolConfig) (*ProgressStore, error) {
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool) (*ProgressStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertSessionStart records the session as running. Replays against a
// finished run are ignored.
func (s *ProgressStore) UpsertSessionStart(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error {
	const query = `
		INSERT INTO session_runs (session_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE session_runs.finished_at IS NULL;
	`
	if _, err := s.pool.Exec(ctx, query, sessionID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("upsert session start: %w", err)
	}
	return nil
}

// CompleteSession stamps the terminal status and optional note.
func (s *ProgressStore) CompleteSession(
	ctx context.Context,
	sessionID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	note *string,
) error {
	const query = `
		UPDATE session_runs
		SET finished_at = $1, status = $2, note = $3
		WHERE session_id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), note, sessionID)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddPhaseStats adds delta to the (session, phase) row, creating it on first use.
func (s *ProgressStore) AddPhaseStats(
	ctx context.Context,
	sessionID uuid.UUID,
	phase string,
	delta store.PhaseDelta,
	at time.Time,
) error {
	const query = `
		INSERT INTO phase_stats (session_id, phase, last_update, pages, empty_pages, failed_pages, stale_pages, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, phase) DO UPDATE
		SET last_update  = GREATEST(phase_stats.last_update, EXCLUDED.last_update),
		    pages        = phase_stats.pages + EXCLUDED.pages,
		    empty_pages  = phase_stats.empty_pages + EXCLUDED.empty_pages,
		    failed_pages = phase_stats.failed_pages + EXCLUDED.failed_pages,
		    stale_pages  = phase_stats.stale_pages + EXCLUDED.stale_pages,
		    items        = phase_stats.items + EXCLUDED.items;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		sessionID,
		phase,
		at,
		delta.Pages,
		delta.EmptyPages,
		delta.FailedPages,
		delta.StalePages,
		delta.Items,
	)
	if err != nil {
		return fmt.Errorf("add phase stats: %w", err)
	}
	return nil
}

// GetSession retrieves a single run by its session id.
func (s *ProgressStore) GetSession(ctx context.Context, sessionID uuid.UUID) (store.SessionRun, error) {
	const query = `
		SELECT session_id, started_at, finished_at, status, note
		FROM session_runs
		WHERE session_id = $1;
	`
	var (
		run    store.SessionRun
		status string
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&run.SessionID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRun{}, store.ErrNotFound
		}
		return store.SessionRun{}, fmt.Errorf("get session: %w", err)
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

// ListSessions returns runs newest first, optionally filtered by status.
func (s *ProgressStore) ListSessions(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.SessionRun, error) {
	const query = `
		SELECT session_id, started_at, finished_at, status, note
		FROM session_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var runs []store.SessionRun
	for rows.Next() {
		var (
			run store.SessionRun
			st  string
		)
		if err := rows.Scan(&run.SessionID, &run.StartedAt, &run.FinishedAt, &st, &run.Note); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		run.Status = store.RunStatus(st)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return runs, nil
}

// ListPhaseStats returns the per-phase counters of one session.
func (s *ProgressStore) ListPhaseStats(ctx context.Context, sessionID uuid.UUID) ([]store.PhaseStats, error) {
	const query = `
		SELECT session_id, phase, last_update, pages, empty_pages, failed_pages, stale_pages, items
		FROM phase_stats
		WHERE session_id = $1
		ORDER BY last_update ASC;
	`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list phase stats: %w", err)
	}
	defer rows.Close()

	var stats []store.PhaseStats
	for rows.Next() {
		var stat store.PhaseStats
		err := rows.Scan(
			&stat.SessionID,
			&stat.Phase,
			&stat.LastUpdate,
			&stat.Pages,
			&stat.EmptyPages,
			&stat.FailedPages,
			&stat.StalePages,
			&stat.Items,
		)
		if err != nil {
			return nil, fmt.Errorf("scan phase stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase stats rows: %w", err)
	}
	return stats, nil
}
