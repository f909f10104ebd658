package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/progress"
	"github.com/JakeFAU/yearscan/internal/store"
)

// TestStoreSinkPersistsEvents ensures page events are collapsed per phase before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	sessionUUID := uuid.New()
	sessionID := progress.UUIDToBytes(sessionUUID)
	now := time.Now()

	batch := []progress.Event{
		{SessionID: sessionID, Stage: progress.StageSessionStart, TS: now},
		{SessionID: sessionID, Stage: progress.StagePageFetched, Phase: "expand", Page: 1, TS: now.Add(time.Second)},
		{SessionID: sessionID, Stage: progress.StagePageEmpty, Phase: "expand", Page: 2, TS: now.Add(2 * time.Second)},
		{SessionID: sessionID, Stage: progress.StagePageFetched, Phase: "collect", Page: 9, TS: now.Add(3 * time.Second)},
		{SessionID: sessionID, Stage: progress.StageItemEmitted, Phase: "collect", Page: 9, Items: 4, TS: now.Add(3 * time.Second)},
		{SessionID: sessionID, Stage: progress.StageFetchFailed, Phase: "collect", Page: 10, TS: now.Add(4 * time.Second)},
		{SessionID: sessionID, Stage: progress.StageSessionDone, TS: now.Add(5 * time.Second), Note: "past_target"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{sessionUUID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunFound, repo.completes[0].status)
	require.Equal(t, "past_target", *repo.completes[0].note)

	require.Len(t, repo.phases, 2)
	require.Equal(t, "expand", repo.phases[0].phase)
	require.Equal(t, store.PhaseDelta{Pages: 2, EmptyPages: 1}, repo.phases[0].delta)
	require.Equal(t, "collect", repo.phases[1].phase)
	require.Equal(t, store.PhaseDelta{Pages: 2, FailedPages: 1, Items: 4}, repo.phases[1].delta)
	require.Equal(t, now.Add(4*time.Second), repo.phases[1].at)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	sessionID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{SessionID: sessionID, Stage: progress.StageSessionStart, TS: time.Now()},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "upsert session start")
}

func TestRunStatusMapping(t *testing.T) {
	t.Parallel()

	require.Equal(t, store.RunTargetNotFound, runStatus(progress.StageSessionNotFound))
	require.Equal(t, store.RunCanceled, runStatus(progress.StageSessionCanceled))
	require.Equal(t, store.RunError, runStatus(progress.StageSessionError))
}

type fakeProgressRepo struct {
	fail      bool
	starts    []uuid.UUID
	completes []completeCall
	phases    []phaseCall
}

type completeCall struct {
	sessionID uuid.UUID
	status    store.RunStatus
	note      *string
}

type phaseCall struct {
	sessionID uuid.UUID
	phase     string
	delta     store.PhaseDelta
	at        time.Time
}

func (f *fakeProgressRepo) UpsertSessionStart(_ context.Context, sessionID uuid.UUID, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.starts = append(f.starts, sessionID)
	return nil
}

func (f *fakeProgressRepo) CompleteSession(
	_ context.Context,
	sessionID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	note *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.completes = append(f.completes, completeCall{sessionID: sessionID, status: status, note: note})
	return nil
}

func (f *fakeProgressRepo) AddPhaseStats(
	_ context.Context,
	sessionID uuid.UUID,
	phase string,
	delta store.PhaseDelta,
	at time.Time,
) error {
	if f.fail {
		return assertErr("phase")
	}
	f.phases = append(f.phases, phaseCall{sessionID: sessionID, phase: phase, delta: delta, at: at})
	return nil
}

func (f *fakeProgressRepo) GetSession(context.Context, uuid.UUID) (store.SessionRun, error) {
	return store.SessionRun{}, assertErr("read")
}

func (f *fakeProgressRepo) ListSessions(context.Context, *store.RunStatus, int, int) ([]store.SessionRun, error) {
	return nil, assertErr("list")
}

func (f *fakeProgressRepo) ListPhaseStats(context.Context, uuid.UUID) ([]store.PhaseStats, error) {
	return nil, assertErr("phases")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
