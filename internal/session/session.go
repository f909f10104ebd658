// Package session runs one year-targeted crawl: it owns a navigation
// controller and an epoch guard, issues one page request at a time, and hands
// matching entries to an item sink once the controller reaches collect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/epoch"
	"github.com/JakeFAU/yearscan/internal/metrics"
	"github.com/JakeFAU/yearscan/internal/navigation"
	"github.com/JakeFAU/yearscan/internal/progress"
	"github.com/JakeFAU/yearscan/internal/sink"
)

const tracerName = "github.com/JakeFAU/yearscan/internal/session"

// ReasonCanceled is the result reason of a canceled session.
const ReasonCanceled = "canceled"

var (
	// ErrAlreadyStarted is returned by Start on a session that already issued its first request.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrFinished is returned by Start on a session that was canceled before it began.
	ErrFinished = errors.New("session finished")
)

// Disposition tells the caller what Deliver did with a response.
type Disposition int

// Deliver outcomes.
const (
	// Continue means the response was accepted and the returned request is live.
	Continue Disposition = iota
	// Discarded means the response belonged to a superseded request.
	Discarded
	// Finished means the response was accepted and the session is over.
	Finished
)

func (d Disposition) String() string {
	switch d {
	case Continue:
		return "continue"
	case Discarded:
		return "discarded"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Request is a page fetch issued by a session. Only the most recently issued
// request is accepted by Deliver.
type Request struct {
	crawler.PageRequest
	handle epoch.Handle[navigation.State]
}

// Epoch returns the epoch the request was issued under.
func (r Request) Epoch() uint64 {
	return r.handle.Epoch
}

// Phase returns the navigation phase that asked for the page.
func (r Request) Phase() navigation.Kind {
	return r.handle.Value.Kind
}

// Result summarizes a finished session.
type Result struct {
	Status           crawler.SessionStatus   `json:"status"`
	Reason           string                  `json:"reason"`
	PagesFetched     int                     `json:"pages_fetched"`
	ItemsEmitted     int                     `json:"items_emitted"`
	CollectStartPage int                     `json:"collect_start_page,omitempty"`
	Counters         crawler.SessionCounters `json:"counters"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID       string                  `json:"id"`
	Status   crawler.SessionStatus   `json:"status"`
	State    navigation.State        `json:"state"`
	Epoch    uint64                  `json:"epoch"`
	Counters crawler.SessionCounters `json:"counters"`
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProgress sets where progress events go.
func WithProgress(emitter progress.Emitter) Option {
	return func(s *Session) {
		if emitter != nil {
			s.progress = emitter
		}
	}
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock sets the clock used for event timestamps and durations.
func WithClock(clock crawler.Clock) Option {
	return func(s *Session) {
		if clock != nil {
			s.now = clock.Now
		}
	}
}

// Session is one crawl for one target year over one listing.
type Session struct {
	id         string
	key        [16]byte
	site       string
	params     crawler.SessionParameters
	controller navigation.Controller
	fetcher    crawler.PageFetcher
	sink       crawler.ItemSink
	guard      epoch.Guard[navigation.State]

	logger   *zap.Logger
	progress progress.Emitter
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	started   bool
	done      bool
	startedAt time.Time
	state     navigation.State
	counters  crawler.SessionCounters
	seen      map[string]struct{}
	result    Result
}

// New validates params and builds a session that has not started yet. A nil
// sink drops every item.
func New(
	id string,
	params crawler.SessionParameters,
	fetcher crawler.PageFetcher,
	itemSink crawler.ItemSink,
	opts ...Option,
) (*Session, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("session %s: fetcher is required", id)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	params = params.ApplyDefaults()
	if itemSink == nil {
		itemSink = discardSink{}
	}
	s := &Session{
		id:         id,
		key:        progress.SessionKey(id),
		site:       metrics.SanitizeSite(crawler.PageURL(params.BasePageURLTemplate, params.StartPage)),
		params:     params,
		controller: navigation.New(params),
		fetcher:    fetcher,
		sink:       itemSink,
		logger:     zap.NewNop(),
		progress:   progress.Discard,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		seen:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", id), zap.Int("target_year", params.TargetYear))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Parameters returns the parameters the session runs with, defaults applied.
func (s *Session) Parameters() crawler.SessionParameters {
	return s.params
}

// Start issues the first request at the configured start page.
func (s *Session) Start() (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return Request{}, ErrFinished
	}
	if s.started {
		return Request{}, ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = s.now()

	h := s.guard.Issue(navigation.Initial(s.params.StartPage))
	s.state = h.Value

	s.emit(progress.Event{Stage: progress.StageSessionStart, Site: s.site})
	s.emit(progress.Event{Stage: progress.StagePhaseChange, Site: s.site, Phase: string(s.state.Kind)})
	s.logger.Info("session started",
		zap.String("template", s.params.BasePageURLTemplate),
		zap.Int("start_page", s.params.StartPage),
		zap.Int("max_fetches", s.params.MaxFetches),
	)
	return s.request(h), nil
}

// Deliver hands the response to req back to the session. Responses to
// requests that are no longer live are counted and dropped without touching
// the navigation state.
func (s *Session) Deliver(ctx context.Context, req Request, res crawler.FetchResult) (Request, Disposition) {
	return s.deliver(ctx, req, res, fetchInfo{})
}

// fetchInfo carries response details that only the built-in driver knows.
type fetchInfo struct {
	status   int
	duration time.Duration
}

func (s *Session) deliver(ctx context.Context, req Request, res crawler.FetchResult, info fetchInfo) (Request, Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || !s.guard.Accept(req.handle) {
		s.counters.StaleDiscarded++
		s.logger.Debug("stale response discarded",
			zap.Int("page", req.Number),
			zap.Uint64("epoch", req.handle.Epoch),
			zap.Uint64("current_epoch", s.guard.Current()),
		)
		s.emit(progress.Event{
			Stage: progress.StageStaleDiscarded,
			Site:  s.site,
			Phase: string(req.handle.Value.Kind),
			Page:  max(req.Number, 1),
		})
		metrics.ObservePage(req.URL, metrics.PageStale)
		return Request{}, Discarded
	}

	prev := s.state
	s.observePage(prev, req, res, info)

	t := s.controller.Step(prev, navigation.Observation{
		Page:    prev.Page,
		Entries: res.Entries,
		OK:      res.OK,
		Fetched: s.counters.PagesFetched,
	})
	if t.Boundary > 0 && s.counters.CollectStartPage == 0 {
		s.counters.CollectStartPage = t.Boundary
		s.logger.Info("collect boundary located",
			zap.Int("page", t.Boundary),
			zap.Int("pages_fetched", s.counters.PagesFetched),
		)
	}
	s.emitItems(ctx, req, prev.Page, t.Emit)

	s.logger.Debug("navigation step",
		zap.String("phase", string(prev.Kind)),
		zap.Int("page", prev.Page),
		zap.String("reason", t.Reason),
		zap.Stringer("next", t.Next),
	)
	if t.Next.Kind != prev.Kind {
		s.emit(progress.Event{Stage: progress.StagePhaseChange, Site: s.site, Phase: string(t.Next.Kind), Note: t.Reason})
		metrics.ObservePhaseTransition(string(prev.Kind), string(t.Next.Kind))
	}

	if t.Done {
		s.state = t.Next
		s.finish(t.Outcome, t.Reason)
		return Request{}, Finished
	}
	h := s.guard.Issue(t.Next)
	s.state = h.Value
	return s.request(h), Continue
}

// observePage counts the response. The caller holds mu.
func (s *Session) observePage(state navigation.State, req Request, res crawler.FetchResult, info fetchInfo) {
	s.counters.PagesFetched++
	evt := progress.Event{
		Site:    s.site,
		Phase:   string(state.Kind),
		Page:    state.Page,
		Entries: len(res.Entries),
		Dur:     info.duration,
	}
	if info.status != 0 {
		evt.StatusClass = progress.ClassifyStatus(info.status)
	}
	switch {
	case !res.OK:
		s.counters.FetchFailures++
		evt.Stage = progress.StageFetchFailed
		metrics.ObservePage(req.URL, metrics.PageFailed)
	case len(res.Entries) == 0:
		s.counters.PagesEmpty++
		evt.Stage = progress.StagePageEmpty
		metrics.ObservePage(req.URL, metrics.PageEmpty)
	default:
		sum := crawler.Summarize(res.Entries)
		evt.Stage = progress.StagePageFetched
		evt.MinYear = sum.MinYear
		evt.MaxYear = sum.MaxYear
		metrics.ObservePage(req.URL, metrics.PageOK)
		s.logger.Debug("page observed",
			zap.String("phase", string(state.Kind)),
			zap.Int("page", state.Page),
			zap.Int("min_year", sum.MinYear),
			zap.Int("max_year", sum.MaxYear),
			zap.Int("entries", len(res.Entries)),
		)
	}
	s.emit(evt)
}

// emitItems hands each first-seen entry to the sink. The caller holds mu.
func (s *Session) emitItems(ctx context.Context, req Request, page int, entries []crawler.PageEntry) {
	if len(entries) == 0 {
		return
	}
	emitted := 0
	for _, entry := range entries {
		key, err := crawler.NormalizeURL(entry.URL)
		if err != nil {
			key = entry.URL
		}
		if _, dup := s.seen[key]; dup {
			s.counters.DuplicateItems++
			continue
		}
		s.seen[key] = struct{}{}

		item := crawler.Item{
			SessionID: s.id,
			URL:       entry.URL,
			Page:      page,
			Year:      entry.Year,
			Timestamp: entry.Timestamp,
		}
		if err := s.sink.Accept(ctx, item); err != nil {
			s.counters.SinkErrors++
			s.logger.Warn("item sink rejected item",
				zap.String("url", entry.URL),
				zap.Int("page", page),
				zap.Bool("partially_delivered", sink.Delivered(err)),
				zap.Error(err),
			)
			if !sink.Delivered(err) {
				continue
			}
		}
		emitted++
	}
	if emitted == 0 {
		return
	}
	s.counters.ItemsEmitted += emitted
	s.emit(progress.Event{
		Stage: progress.StageItemEmitted,
		Site:  s.site,
		Phase: string(navigation.KindCollect),
		Page:  page,
		Items: int64(emitted),
	})
	metrics.ObserveItems(req.URL, emitted)
}

// finish records the outcome and retires the live epoch. The caller holds mu.
func (s *Session) finish(status crawler.SessionStatus, reason string) {
	s.done = true
	s.guard.Invalidate()
	s.result = Result{
		Status:           status,
		Reason:           reason,
		PagesFetched:     s.counters.PagesFetched,
		ItemsEmitted:     s.counters.ItemsEmitted,
		CollectStartPage: s.counters.CollectStartPage,
		Counters:         s.counters,
	}

	var elapsed time.Duration
	if !s.startedAt.IsZero() {
		elapsed = s.now().Sub(s.startedAt)
	}
	s.emit(progress.Event{Stage: terminalStage(status), Site: s.site, Dur: elapsed, Note: reason})
	metrics.ObserveSession(string(status))
	s.logger.Info("session finished",
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("pages_fetched", s.counters.PagesFetched),
		zap.Int("items_emitted", s.counters.ItemsEmitted),
		zap.Int("collect_start_page", s.counters.CollectStartPage),
		zap.Duration("elapsed", elapsed),
	)
}

func terminalStage(status crawler.SessionStatus) progress.Stage {
	switch status {
	case crawler.SessionStatusFound:
		return progress.StageSessionDone
	case crawler.SessionStatusTargetNotFound:
		return progress.StageSessionNotFound
	case crawler.SessionStatusCanceled:
		return progress.StageSessionCanceled
	default:
		return progress.StageSessionError
	}
}

// Cancel stops the session. The live request is invalidated, so a response
// still in flight is discarded when it arrives. It reports false when the
// session had already finished.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	s.finish(crawler.SessionStatusCanceled, ReasonCanceled)
	return true
}

// Result returns the session result once it is finished.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.done
}

// Snapshot returns the current state and counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := crawler.SessionStatusQueued
	switch {
	case s.done:
		status = s.result.Status
	case s.started:
		status = crawler.SessionStatusRunning
	}
	return Snapshot{
		ID:       s.id,
		Status:   status,
		State:    s.state,
		Epoch:    s.guard.Current(),
		Counters: s.counters,
	}
}

// Run drives the session to completion with one fetch at a time. It returns
// nil once the session has a result, including after Cancel, and ctx.Err()
// when ctx ends first; the session is canceled in that case.
func (s *Session) Run(ctx context.Context) error {
	req, err := s.Start()
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			s.Cancel()
			return fmt.Errorf("session %s: %w", s.id, err)
		}
		res, info := s.fetch(ctx, req)
		if err := ctx.Err(); err != nil {
			s.Cancel()
			return fmt.Errorf("session %s: %w", s.id, err)
		}
		next, disposition := s.deliver(ctx, req, res, info)
		if disposition != Continue {
			return nil
		}
		req = next
	}
}

func (s *Session) fetch(ctx context.Context, req Request) (crawler.FetchResult, fetchInfo) {
	ctx, span := s.tracer.Start(ctx, "session.fetch", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("navigation.phase", string(req.Phase())),
		attribute.Int("page.number", req.Number),
		attribute.String("page.url", req.URL),
	))
	defer span.End()

	started := s.now()
	page, err := s.fetcher.Fetch(ctx, req.PageRequest)
	info := fetchInfo{status: page.StatusCode, duration: page.Duration}
	if info.duration <= 0 {
		info.duration = s.now().Sub(started)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if ctx.Err() == nil {
			s.logger.Warn("page fetch failed",
				zap.String("phase", string(req.Phase())),
				zap.Int("page", req.Number),
				zap.String("url", req.URL),
				zap.Error(err),
			)
		}
		return crawler.FetchResult{Page: req.Number}, info
	}
	span.SetAttributes(
		attribute.Int("http.status_code", page.StatusCode),
		attribute.Int("page.entries", len(page.Entries)),
		attribute.Bool("page.headless", page.UsedHeadless),
	)
	return crawler.FetchResult{Page: req.Number, Entries: page.Entries, OK: true}, info
}

func (s *Session) request(h epoch.Handle[navigation.State]) Request {
	return Request{
		PageRequest: crawler.PageRequest{
			SessionID: s.id,
			Number:    h.Value.Page,
			URL:       crawler.PageURL(s.params.BasePageURLTemplate, h.Value.Page),
		},
		handle: h,
	}
}

func (s *Session) emit(evt progress.Event) {
	evt.SessionID = s.key
	if evt.TS.IsZero() {
		evt.TS = s.now().UTC()
	}
	s.progress.Emit(evt)
}

type discardSink struct{}

func (discardSink) Accept(context.Context, crawler.Item) error { return nil }
