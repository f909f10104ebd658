package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the session_runs status column.
type RunStatus string

// Run statuses persisted in session_runs.status.
const (
	RunRunning        RunStatus = "running"
	RunFound          RunStatus = "found"
	RunTargetNotFound RunStatus = "target_not_found"
	RunCanceled       RunStatus = "canceled"
	RunError          RunStatus = "error"
)

// SessionRun models the session_runs table for API responses.
type SessionRun struct {
	// SessionID is the crawl session identifier shared with workers.
	SessionID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	Status     RunStatus
	// Note optionally stores the final reason or failure text.
	Note *string
}

// PhaseStats aggregates page observations per navigation phase of one session.
type PhaseStats struct {
	SessionID   uuid.UUID
	Phase       string
	LastUpdate  time.Time
	Pages       int64
	EmptyPages  int64
	FailedPages int64
	StalePages  int64
	Items       int64
}

// PhaseDelta is an increment applied to PhaseStats.
type PhaseDelta struct {
	Pages       int64
	EmptyPages  int64
	FailedPages int64
	StalePages  int64
	Items       int64
}

// Zero reports whether applying the delta would change nothing.
func (d PhaseDelta) Zero() bool {
	return d == PhaseDelta{}
}

// ProgressRepository persists incremental session progress.
type ProgressRepository interface {
	// UpsertSessionStart inserts (or idempotently updates) the started_at timestamp.
	UpsertSessionStart(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error
	// CompleteSession marks the run finished with the provided status and note.
	CompleteSession(ctx context.Context, sessionID uuid.UUID, finishedAt time.Time, status RunStatus, note *string) error
	// AddPhaseStats applies counter deltas for one (session, phase).
	AddPhaseStats(ctx context.Context, sessionID uuid.UUID, phase string, delta PhaseDelta, at time.Time) error

	// GetSession loads a single run or returns ErrNotFound.
	GetSession(ctx context.Context, sessionID uuid.UUID) (SessionRun, error)
	// ListSessions returns runs filtered by optional status plus limit/offset.
	ListSessions(ctx context.Context, status *RunStatus, limit, offset int) ([]SessionRun, error)
	// ListPhaseStats returns the per-phase aggregates for one session.
	ListPhaseStats(ctx context.Context, sessionID uuid.UUID) ([]PhaseStats, error)
}
