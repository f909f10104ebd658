package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/queue/memory"
)

// drainingRunner consumes the queue like a worker and counts what it saw.
type drainingRunner struct {
	queue crawler.Queue
	seen  *atomic.Int64
}

func (r drainingRunner) Run(ctx context.Context) {
	for {
		if _, err := r.queue.Dequeue(ctx); err != nil {
			return
		}
		r.seen.Add(1)
	}
}

func TestDispatcherRunsEveryWorker(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(8)
	var seen atomic.Int64
	d := New(q, []Runner{drainingRunner{q, &seen}, drainingRunner{q, &seen}, drainingRunner{q, &seen}})
	require.Equal(t, 3, d.Size())

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), crawler.QueueItem{SessionID: "s"}))
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	require.Equal(t, int64(5), seen.Load())
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	var seen atomic.Int64
	d := New(q, []Runner{drainingRunner{q, &seen}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	q.Close()
	err := New(q, nil).Enqueue(context.Background(), crawler.QueueItem{SessionID: "s"})
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.True(t, errors.Is(err, memory.ErrClosed))
	require.EqualError(t, err, "queue enqueue: queue closed")
}
