package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageSessionStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StagePageFetched))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageSessionStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageSessionDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	hub.Emit(sampleEvent(StageSessionDone))
	require.Len(t, sink.Batches(), 1, "emits after close are ignored")
}

func TestHubStampsMissingTimestampAndRejectsInvalid(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, Now: func() time.Time { return fixed }}, sink)

	evt := sampleEvent(StagePhaseChange)
	evt.TS = time.Time{}
	hub.Emit(evt)
	hub.Emit(Event{Stage: StageSessionStart})

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, fixed, batches[0][0].TS)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{name: "start", evt: Event{SessionID: id, TS: now, Stage: StageSessionStart}, ok: true},
		{name: "missing id", evt: Event{TS: now, Stage: StageSessionStart}},
		{name: "missing ts", evt: Event{SessionID: id, Stage: StageSessionStart}},
		{name: "page without number", evt: Event{SessionID: id, TS: now, Stage: StagePageFetched}},
		{name: "page", evt: Event{SessionID: id, TS: now, Stage: StagePageEmpty, Page: 3}, ok: true},
		{name: "phase without name", evt: Event{SessionID: id, TS: now, Stage: StagePhaseChange}},
		{name: "unknown", evt: Event{SessionID: id, TS: now, Stage: "NOPE"}},
		{name: "negative dur", evt: Event{SessionID: id, TS: now, Stage: StageSessionDone, Dur: -time.Second}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

func TestSessionKey(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	require.Equal(t, UUIDToBytes(id), SessionKey(id.String()))
	require.Equal(t, SessionKey("cli-run"), SessionKey("cli-run"))
	require.NotEqual(t, [16]byte{}, SessionKey("cli-run"))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		SessionID: UUIDToBytes(uuid.New()),
		TS:        time.Now(),
		Stage:     stage,
		Site:      "example.com",
	}
	switch stage {
	case StagePageFetched, StagePageEmpty, StageFetchFailed, StageStaleDiscarded, StageItemEmitted:
		evt.Page = 1
		evt.StatusClass = Status2xx
	case StagePhaseChange:
		evt.Phase = "leftmost"
	}
	return evt
}
