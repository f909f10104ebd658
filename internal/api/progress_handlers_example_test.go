package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/store"
)

type exampleProgressRepo struct {
	runs []store.SessionRun
}

func (e *exampleProgressRepo) UpsertSessionStart(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (e *exampleProgressRepo) CompleteSession(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return nil
}

func (e *exampleProgressRepo) AddPhaseStats(context.Context, uuid.UUID, string, store.PhaseDelta, time.Time) error {
	return nil
}

func (e *exampleProgressRepo) GetSession(context.Context, uuid.UUID) (store.SessionRun, error) {
	return e.runs[0], nil
}

func (e *exampleProgressRepo) ListSessions(context.Context, *store.RunStatus, int, int) ([]store.SessionRun, error) {
	return e.runs, nil
}

func (e *exampleProgressRepo) ListPhaseStats(context.Context, uuid.UUID) ([]store.PhaseStats, error) {
	return nil, nil
}

// ExampleProgressHandler_ListSessions shows how to serve the progress listing.
func ExampleProgressHandler_ListSessions() {
	repo := &exampleProgressRepo{
		runs: []store.SessionRun{{
			SessionID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
			Status:    store.RunFound,
			StartedAt: time.Unix(0, 0),
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/progress/sessions?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListSessions(rec, req)

	var payload struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned sessions: %d, status %s\n", len(payload.Sessions), payload.Sessions[0]["status"])
	// Output:
	// returned sessions: 1, status found
}
