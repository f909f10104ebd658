// Package server is the composition root: it builds every component from
// config.Config and runs the HTTP API alongside the worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/yearscan/internal/api"
	"github.com/JakeFAU/yearscan/internal/clock/system"
	"github.com/JakeFAU/yearscan/internal/config"
	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/dispatcher"
	"github.com/JakeFAU/yearscan/internal/fetcher"
	collyfetcher "github.com/JakeFAU/yearscan/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/yearscan/internal/fetcher/headless"
	"github.com/JakeFAU/yearscan/internal/hash/sha256"
	"github.com/JakeFAU/yearscan/internal/headless/detector"
	"github.com/JakeFAU/yearscan/internal/id/uuid"
	"github.com/JakeFAU/yearscan/internal/listing"
	"github.com/JakeFAU/yearscan/internal/metrics"
	"github.com/JakeFAU/yearscan/internal/policy/ratelimit"
	"github.com/JakeFAU/yearscan/internal/progress"
	progresssinks "github.com/JakeFAU/yearscan/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/yearscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/yearscan/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/yearscan/internal/queue/memory"
	"github.com/JakeFAU/yearscan/internal/session"
	"github.com/JakeFAU/yearscan/internal/sink"
	gcsstorage "github.com/JakeFAU/yearscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/yearscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/yearscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/yearscan/internal/storage/postgres"
	"github.com/JakeFAU/yearscan/internal/store"
	"github.com/JakeFAU/yearscan/internal/telemetry"
	"github.com/JakeFAU/yearscan/internal/worker"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	readHeaderTimeout      = 5 * time.Second
)

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      crawler.Clock
}

// WithRegisterer sets where the progress Prometheus sink registers its
// collectors. The default is prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// App holds the built service.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	api       *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queuememory.Queue
	sessions  *memorystorage.SessionStore
	registry  *session.Registry
	publisher crawler.Publisher
	hub       *progress.Hub
	closers   []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	app := &App{
		cfg:      cfg,
		logger:   logger,
		sessions: memorystorage.NewSessionStore(o.clock),
		registry: session.NewRegistry(),
		queue:    queuememory.NewQueue(cfg.Crawler.QueueDepth),
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("storage", cfg.Storage.Backend),
	)

	if err := app.build(ctx, o); err != nil {
		app.closeAll(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	if err := a.setupTracing(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	progressRepo, itemStore, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx, progressRepo, o.registerer, o.clock)
	if err != nil {
		return err
	}
	pageFetcher, err := BuildFetcher(a.cfg, a.logger.Named("fetcher"))
	if err != nil {
		return err
	}
	if c, ok := pageFetcher.(interface{ Close() }); ok {
		a.addCloser("fetcher", func(context.Context) error { c.Close(); return nil })
	}

	items := a.itemSink(itemStore)
	workers := make([]dispatcher.Runner, 0, a.cfg.Crawler.Concurrency)
	for i := range a.cfg.Crawler.Concurrency {
		workers = append(workers, worker.New(worker.Deps{
			Queue:     a.queue,
			Store:     a.sessions,
			Blobs:     blobs,
			Publisher: a.publisher,
			Fetcher:   pageFetcher,
			Sink:      items,
			Registry:  a.registry,
			Progress:  emitter,
			Clock:     o.clock,
		}, worker.Config{
			BlobPrefix: a.cfg.Storage.Prefix,
			Topic:      a.cfg.PubSub.SessionsTopic,
		}, a.logger.Named("worker").With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, workers)

	a.api = api.NewServer(
		a.sessions,
		a.dispatch,
		a.registry,
		uuid.NewUUIDGenerator(),
		o.clock,
		a.cfg,
		a.logger.Named("api"),
		progressRepo,
	)
	return nil
}

// BuildFetcher assembles the page fetch pipeline: colly probe, optional
// headless promotion, retries, then per-host rate limiting.
func BuildFetcher(cfg config.Config, logger *zap.Logger) (crawler.PageFetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	parser, err := listing.NewParser(listing.Config{
		CardSelector:   cfg.Listing.CardSelector,
		LinkSelectors:  cfg.Listing.LinkSelectors,
		ArticlePattern: cfg.Listing.ArticlePattern,
	})
	if err != nil {
		return nil, fmt.Errorf("listing parser init failed: %w", err)
	}

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: !cfg.Crawler.IgnoreRobots,
		Timeout:       cfg.FetchTimeout(),
		Headers:       cfg.RequestHeaders(),
	}, parser)

	pipeline := &pipelineFetcher{}
	var next crawler.PageFetcher = probe
	if cfg.Headless.Enabled {
		rendered, herr := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      cfg.Headless.WaitSelector,
			Headers:           cfg.RequestHeaders(),
		}, parser)
		if herr != nil {
			logger.Warn("headless fetcher init failed, continuing with probe only", zap.Error(herr))
		} else {
			pipeline.headless = rendered
			next = &fetcher.Promoting{
				Probe:    probe,
				Headless: rendered,
				Detector: detector.NewHeuristic(cfg.Headless.PromotionThresh),
				Logger:   logger.Named("promoting"),
			}
			logger.Info("headless promotion enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	policy := crawler.NewExponentialRetryPolicyWith(
		cfg.HTTP.MaxRetries,
		time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
	)
	next = fetcher.NewRetrying(next, policy, logger.Named("retrying"))

	if cfg.RateLimit.DefaultRPS > 0 || len(cfg.RateLimit.PerHost) > 0 {
		next = &fetcher.RateLimited{
			Next: next,
			Limiter: ratelimit.New(ratelimit.Config{
				DefaultRPS:   cfg.RateLimit.DefaultRPS,
				DefaultBurst: cfg.RateLimit.DefaultBurst,
				PerHost:      cfg.RateLimit.HostRates(),
			}),
		}
		logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("per_host_overrides", len(cfg.RateLimit.PerHost)),
		)
	}
	pipeline.next = next
	return pipeline, nil
}

// pipelineFetcher owns the headless browser so it can be released on Close.
type pipelineFetcher struct {
	next     crawler.PageFetcher
	headless *headlessfetcher.Fetcher
}

func (p *pipelineFetcher) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.Page, error) {
	return p.next.Fetch(ctx, req)
}

func (p *pipelineFetcher) Close() {
	if p.headless != nil {
		p.headless.Close()
	}
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	telemetry.Install(tp)
	a.addCloser("tracer", tp.Shutdown)
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return blobs.Close() })
		a.logger.Info("using GCS report storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local report storage", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (store.ProgressRepository, *pgstore.ItemStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN, item and progress persistence disabled")
		return nil, nil, nil
	}
	poolCfg := pgstore.PoolConfig{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	}
	progressStore, err := pgstore.NewProgressStore(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("progress store init failed: %w", err)
	}
	a.addCloser("progress store", func(context.Context) error { progressStore.Close(); return nil })

	itemStore, err := pgstore.NewItemStore(ctx, poolCfg, a.cfg.Database.ItemsTable, sha256.New())
	if err != nil {
		return nil, nil, fmt.Errorf("item store init failed: %w", err)
	}
	a.addCloser("item store", func(context.Context) error { itemStore.Close(); return nil })
	a.logger.Info("postgres stores initialized", zap.String("items_table", a.cfg.Database.ItemsTable))
	return progressStore, itemStore, nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("sessions_topic", a.cfg.PubSub.SessionsTopic),
		zap.String("items_topic", a.cfg.PubSub.ItemsTopic),
	)
	return nil
}

func (a *App) setupProgress(
	ctx context.Context,
	repo store.ProgressRepository,
	reg prometheus.Registerer,
	clock crawler.Clock,
) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Discard, nil
	}
	var sinkList []progress.Sink
	if repo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(repo, a.logger.Named("progress_store")))
	}
	if a.cfg.Progress.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusSink {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return progress.Discard, nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Now:            clock.Now,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

func (a *App) itemSink(itemStore *pgstore.ItemStore) crawler.ItemSink {
	var sinks sink.Multi
	if itemStore != nil {
		sinks = append(sinks, itemStore)
	}
	if a.cfg.PubSub.ItemsTopic != "" {
		sinks = append(sinks, sink.NewPublisher(a.publisher, a.cfg.PubSub.ItemsTopic))
	}
	if a.cfg.Logging.Development {
		sinks = append(sinks, sink.NewLog(a.logger.Named("items")))
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Sessions exposes the session store backing the API.
func (a *App) Sessions() crawler.SessionStore {
	return a.sessions
}

// Publisher returns the publisher receiving completion and item events.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Run serves the API on cfg.Server.Port and runs the worker pool until ctx
// ends, then drains and closes everything.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(workCtx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		// Queued sessions are dropped; running ones are canceled by workCtx.
		a.queue.Close()
		stopWork()
		return nil
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close releases every component. It is safe to call after Run returns.
func (a *App) Close(ctx context.Context) {
	a.queue.Close()
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds > 0 {
		return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	}
	return defaultShutdownTimeout
}
