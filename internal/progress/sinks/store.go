package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/progress"
	"github.com/JakeFAU/yearscan/internal/store"
)

// StoreSink persists progress via a store.ProgressRepository. Page events are
// collapsed into one delta per (session, phase) per batch.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes lifecycle events in order and then flushes the phase deltas.
// Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[phaseKey]*phaseAccum)
	var order []phaseKey

	for _, evt := range batch {
		sessionID := evt.SessionUUID()
		if evt.Stage == progress.StageSessionStart || evt.Stage.Terminal() {
			if err := s.handleLifecycle(ctx, sessionID, evt); err != nil {
				return err
			}
			continue
		}
		if evt.Phase == "" {
			continue
		}
		key := phaseKey{sessionID: sessionID, phase: evt.Phase}
		acc, ok := deltas[key]
		if !ok {
			acc = &phaseAccum{}
			deltas[key] = acc
			order = append(order, key)
		}
		acc.apply(evt)
	}

	for _, key := range order {
		acc := deltas[key]
		if acc.delta.Zero() {
			continue
		}
		if err := s.repo.AddPhaseStats(ctx, key.sessionID, key.phase, acc.delta, acc.at); err != nil {
			return fmt.Errorf("add phase stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleLifecycle(ctx context.Context, sessionID uuid.UUID, evt progress.Event) error {
	if evt.Stage == progress.StageSessionStart {
		if err := s.repo.UpsertSessionStart(ctx, sessionID, evt.TS); err != nil {
			return fmt.Errorf("upsert session start: %w", err)
		}
		return nil
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteSession(ctx, sessionID, evt.TS, runStatus(evt.Stage), note); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

func runStatus(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageSessionDone:
		return store.RunFound
	case progress.StageSessionNotFound:
		return store.RunTargetNotFound
	case progress.StageSessionCanceled:
		return store.RunCanceled
	default:
		return store.RunError
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type phaseKey struct {
	sessionID uuid.UUID
	phase     string
}

type phaseAccum struct {
	delta store.PhaseDelta
	at    time.Time
}

func (a *phaseAccum) apply(evt progress.Event) {
	switch evt.Stage {
	case progress.StagePageFetched:
		a.delta.Pages++
	case progress.StagePageEmpty:
		a.delta.Pages++
		a.delta.EmptyPages++
	case progress.StageFetchFailed:
		a.delta.Pages++
		a.delta.FailedPages++
	case progress.StageStaleDiscarded:
		a.delta.StalePages++
	case progress.StageItemEmitted:
		a.delta.Items += evt.Items
	default:
		return
	}
	if evt.TS.After(a.at) {
		a.at = evt.TS
	}
}
