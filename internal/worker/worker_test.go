package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/metrics"
	pubmemory "github.com/JakeFAU/yearscan/internal/publisher/memory"
	queuememory "github.com/JakeFAU/yearscan/internal/queue/memory"
	"github.com/JakeFAU/yearscan/internal/session"
	"github.com/JakeFAU/yearscan/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// listingFetcher serves 10 pages of 2023 followed by 10 pages of 2022.
type listingFetcher struct {
	mu   sync.Mutex
	hook func(req crawler.PageRequest)
}

func (f *listingFetcher) Fetch(_ context.Context, req crawler.PageRequest) (crawler.Page, error) {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	year := 2023
	switch {
	case req.Number > 20:
		return crawler.Page{Number: req.Number, StatusCode: 200}, nil
	case req.Number > 10:
		year = 2022
	}
	entries := make([]crawler.PageEntry, 0, 2)
	for i := 0; i < 2; i++ {
		entries = append(entries, crawler.PageEntry{Year: year, URL: fmt.Sprintf("https://example.com/%d/%d/a-%d/", year, req.Number, i)})
	}
	return crawler.Page{Number: req.Number, StatusCode: 200, Entries: entries}, nil
}

type harness struct {
	queue     *queuememory.Queue
	store     *memory.SessionStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	registry  *session.Registry
	fetcher   *listingFetcher
	worker    *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	metrics.Init()

	clock := fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	h := &harness{
		queue:     queuememory.NewQueue(4),
		store:     memory.NewSessionStore(clock),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		registry:  session.NewRegistry(),
		fetcher:   &listingFetcher{},
	}
	h.worker = New(Deps{
		Queue:     h.queue,
		Store:     h.store,
		Blobs:     h.blobs,
		Publisher: h.publisher,
		Fetcher:   h.fetcher,
		Registry:  h.registry,
		Clock:     clock,
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) submit(t *testing.T, id string, params crawler.SessionParameters) {
	t.Helper()
	require.NoError(t, h.store.CreateSession(context.Background(), crawler.SessionRecord{
		ID:         id,
		Status:     crawler.SessionStatusQueued,
		Parameters: params,
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), crawler.QueueItem{SessionID: id, Params: params}))
}

func params() crawler.SessionParameters {
	return crawler.SessionParameters{
		TargetYear:           2023,
		BasePageURLTemplate:  "https://example.com/noticias/page/%d/",
		MaxEmptyCollectPages: 25,
		Tags:                 map[string]string{"site": "example"},
	}
}

func TestWorkerRunsSessionToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BlobPrefix: "/reports/", Topic: "yearscan-sessions"})
	h.submit(t, "s-1", params())
	h.queue.Close()

	h.worker.Run(context.Background())

	record, err := h.store.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStatusFound, record.Status)
	require.Empty(t, record.ErrorText)
	require.Equal(t, 20, record.Counters.ItemsEmitted)
	require.Equal(t, 11, record.Counters.PagesFetched)
	require.Equal(t, 1, record.Counters.CollectStartPage)
	require.Equal(t, "memory://reports/s-1/report.json", record.ReportURI)
	require.NotNil(t, record.Started)
	require.NotNil(t, record.Finished)

	data, contentType, ok := h.blobs.Get("reports/s-1/report.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, "s-1", report.SessionID)
	require.Len(t, report.URLs, 20)
	require.Equal(t, "https://example.com/2023/1/a-0/", report.URLs[0])
	require.Equal(t, crawler.SessionStatusFound, report.Result.Status)
	require.Equal(t, crawler.DefaultMaxFetches, report.Parameters.MaxFetches)

	msgs := h.publisher.Topic("yearscan-sessions")
	require.Len(t, msgs, 1)
	var completion map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &completion))
	require.Equal(t, "s-1", completion["session_id"])
	require.Equal(t, "found", completion["status"])
	require.Equal(t, "memory://reports/s-1/report.json", completion["report_uri"])

	require.Zero(t, h.registry.Len())
}

func TestWorkerMarksInvalidSessionFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	bad := params()
	bad.BasePageURLTemplate = "https://example.com/noticias/"
	h.submit(t, "bad", bad)
	h.queue.Close()

	h.worker.Run(context.Background())

	record, err := h.store.GetSession(context.Background(), "bad")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStatusFailed, record.Status)
	require.Contains(t, record.ErrorText, crawler.ErrInvalidTemplate.Error())
	require.Empty(t, h.blobs.Paths())
}

func TestWorkerCancelViaRegistry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.fetcher.hook = func(req crawler.PageRequest) {
		if req.Number == 2 {
			h.registry.Cancel(req.SessionID)
		}
	}
	p := params()
	p.TargetYear = 2022
	h.submit(t, "cancel-me", p)
	h.queue.Close()

	h.worker.Run(context.Background())

	record, err := h.store.GetSession(context.Background(), "cancel-me")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStatusCanceled, record.Status)
	require.Equal(t, "memory://cancel-me/report.json", record.ReportURI)
}

func TestWorkerShutdownFinalizesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.hook = func(req crawler.PageRequest) {
		if req.Number == 2 {
			cancel()
		}
	}
	p := params()
	p.TargetYear = 2022
	h.submit(t, "shutdown", p)
	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)

	h.worker.Process(ctx, item)

	record, err := h.store.GetSession(context.Background(), "shutdown")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStatusCanceled, record.Status)
	require.Contains(t, record.ErrorText, context.Canceled.Error())
}

func TestWorkerPublishFailureKeepsStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "yearscan-sessions"})
	h.publisher.FailWith(errors.New("pubsub down"))
	h.submit(t, "s-2", params())
	h.queue.Close()

	h.worker.Run(context.Background())

	record, err := h.store.GetSession(context.Background(), "s-2")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStatusFound, record.Status)
}

func TestReportPath(t *testing.T) {
	t.Parallel()

	w := New(Deps{}, Config{}, nil)
	require.Equal(t, "s-1/report.json", w.reportPath("s-1"))
	w = New(Deps{}, Config{BlobPrefix: "/yearscan/reports/"}, nil)
	require.Equal(t, "yearscan/reports/s-1/report.json", w.reportPath("s-1"))
}

func TestWorkerSkipsSessionCanceledWhileQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "yearscan-sessions"})
	h.submit(t, "s-queued", params())
	require.NoError(t, h.store.UpdateSessionStatus(context.Background(), "s-queued",
		crawler.SessionStatusCanceled, "canceled via API", crawler.SessionCounters{}))
	fetched := 0
	h.fetcher.hook = func(crawler.PageRequest) { fetched++ }
	h.queue.Close()

	h.worker.Run(context.Background())

	record, err := h.store.GetSession(context.Background(), "s-queued")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStatusCanceled, record.Status)
	require.Zero(t, fetched)
	require.Empty(t, h.publisher.Messages())
	require.Zero(t, h.registry.Len())
}
