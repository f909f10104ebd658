// Package worker runs queued crawl sessions: it builds each session, drives
// it to a result, persists status and counters, writes the session report and
// publishes a completion event.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/metrics"
	"github.com/JakeFAU/yearscan/internal/progress"
	"github.com/JakeFAU/yearscan/internal/session"
	"github.com/JakeFAU/yearscan/internal/sink"
)

const defaultFinalizeTimeout = 30 * time.Second

// Config controls Worker behavior.
type Config struct {
	// BlobPrefix is prepended to report paths: <prefix>/<session_id>/report.json.
	BlobPrefix string
	// Topic receives one completion event per session. Empty disables publishing.
	Topic string
	// FinalizeTimeout bounds the status, report and publish writes after a
	// session ends, even when the worker context is already done.
	FinalizeTimeout time.Duration
}

// Deps are the collaborators a Worker needs. Queue, Store and Fetcher are
// required.
type Deps struct {
	Queue     crawler.Queue
	Store     crawler.SessionStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Fetcher   crawler.PageFetcher
	// Sink receives items in addition to Store when Store is an ItemSink.
	Sink     crawler.ItemSink
	Registry *session.Registry
	Progress progress.Emitter
	Clock    crawler.Clock
}

// Worker consumes queue items and runs one session per item.
type Worker struct {
	deps   Deps
	sink   crawler.ItemSink
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}

	var sinks sink.Multi
	if storeSink, ok := deps.Store.(crawler.ItemSink); ok {
		sinks = append(sinks, storeSink)
	}
	if deps.Sink != nil {
		sinks = append(sinks, deps.Sink)
	}
	return &Worker{deps: deps, sink: sinks, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued session", zap.String("session_id", item.SessionID))
		w.Process(ctx, item)
	}
}

// Process runs one session to completion and records its outcome.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("session_id", item.SessionID))

	if rec, err := w.deps.Store.GetSession(ctx, item.SessionID); err == nil && rec.Status.Terminal() {
		logger.Info("session finished while queued, skipping", zap.String("status", string(rec.Status)))
		return
	}

	sess, err := session.New(item.SessionID, item.Params, w.deps.Fetcher, w.sink,
		session.WithLogger(logger.Named("session")),
		session.WithProgress(w.deps.Progress),
		session.WithClock(w.deps.Clock),
	)
	if err != nil {
		logger.Error("session rejected", zap.Error(err))
		w.fail(ctx, item, err)
		return
	}
	if err := w.deps.Registry.Register(sess); err != nil {
		logger.Error("session register failed", zap.Error(err))
		w.fail(ctx, item, err)
		return
	}
	defer w.deps.Registry.Remove(item.SessionID)

	if err := w.deps.Store.UpdateSessionStatus(ctx, item.SessionID, crawler.SessionStatusRunning, "", crawler.SessionCounters{}); err != nil {
		logger.Error("update session status failed", zap.Error(err))
		sess.Cancel()
		w.fail(ctx, item, err)
		return
	}

	runErr := sess.Run(ctx)
	res, done := sess.Result()
	if !done {
		res = session.Result{Status: crawler.SessionStatusFailed, Reason: "session did not finish"}
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		logger.Warn("session interrupted", zap.Error(runErr))
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	w.finalize(fctx, logger, item, res, errText)
}

func (w *Worker) finalize(
	ctx context.Context,
	logger *zap.Logger,
	item crawler.QueueItem,
	res session.Result,
	errText string,
) {
	reportURI, err := w.writeReport(ctx, item, res)
	if err != nil {
		logger.Error("write report failed", zap.Error(err))
	} else if reportURI != "" {
		if err := w.deps.Store.SetReportURI(ctx, item.SessionID, reportURI); err != nil {
			logger.Error("set report uri failed", zap.Error(err))
		}
	}

	if err := w.deps.Store.UpdateSessionStatus(ctx, item.SessionID, res.Status, errText, res.Counters); err != nil {
		logger.Error("final session status update failed", zap.Error(err))
	}

	if err := w.publishCompletion(ctx, item, res, reportURI); err != nil {
		logger.Error("publish completion failed", zap.Error(err))
	}
	logger.Info("session processed",
		zap.String("status", string(res.Status)),
		zap.String("reason", res.Reason),
		zap.Int("pages_fetched", res.PagesFetched),
		zap.Int("items_emitted", res.ItemsEmitted),
		zap.String("report_uri", reportURI),
	)
}

// fail marks a session that could not run at all.
func (w *Worker) fail(ctx context.Context, item crawler.QueueItem, cause error) {
	metrics.ObserveSession(string(crawler.SessionStatusFailed))
	w.deps.Progress.Emit(progress.Event{
		SessionID: progress.SessionKey(item.SessionID),
		TS:        w.now().UTC(),
		Stage:     progress.StageSessionError,
		Note:      cause.Error(),
	})
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	if err := w.deps.Store.UpdateSessionStatus(fctx, item.SessionID, crawler.SessionStatusFailed, cause.Error(), crawler.SessionCounters{}); err != nil {
		w.logger.Error("fail session status update failed", zap.String("session_id", item.SessionID), zap.Error(err))
	}
}

// Report is the JSON document written for every finished session.
type Report struct {
	SessionID   string                    `json:"session_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Parameters  crawler.SessionParameters `json:"parameters"`
	Result      session.Result            `json:"result"`
	URLs        []string                  `json:"urls"`
}

func (w *Worker) writeReport(ctx context.Context, item crawler.QueueItem, res session.Result) (string, error) {
	if w.deps.Blobs == nil {
		return "", nil
	}
	items, err := w.deps.Store.ListItems(ctx, item.SessionID)
	if err != nil {
		return "", fmt.Errorf("list items: %w", err)
	}
	urls := make([]string, 0, len(items))
	for _, it := range items {
		urls = append(urls, it.URL)
	}
	report := Report{
		SessionID:   item.SessionID,
		GeneratedAt: w.now().UTC(),
		Parameters:  item.Params.ApplyDefaults(),
		Result:      res,
		URLs:        urls,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.reportPath(item.SessionID), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put report: %w", err)
	}
	return uri, nil
}

func (w *Worker) reportPath(sessionID string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/report.json", sessionID)
	}
	return fmt.Sprintf("%s/%s/report.json", prefix, sessionID)
}

func (w *Worker) publishCompletion(ctx context.Context, item crawler.QueueItem, res session.Result, reportURI string) error {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return nil
	}
	payload := map[string]any{
		"session_id":         item.SessionID,
		"target_year":        item.Params.TargetYear,
		"status":             res.Status,
		"reason":             res.Reason,
		"pages_fetched":      res.PagesFetched,
		"items_emitted":      res.ItemsEmitted,
		"collect_start_page": res.CollectStartPage,
		"report_uri":         reportURI,
		"finished_at":        w.now().UTC().Format(time.RFC3339),
		"tags":               item.Params.Tags,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now()
	}
	return w.deps.Clock.Now()
}
