package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/yearscan/internal/progress"
)

// PrometheusSink exports session progress via Prometheus. It owns the
// collectors for sessions started, completed and running, and the per-site
// page and item counters.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	pages         *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	items         *prometheus.CounterVec
	phaseChanges  *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yearscan_sessions_started_total",
			Help: "Total sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yearscan_sessions_completed_total",
			Help: "Total sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yearscan_sessions_running",
			Help: "Current number of running sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yearscan_session_runtime_seconds",
			Help:    "Wall time per completed session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yearscan_progress_pages_total",
			Help: "Listing pages observed partitioned by site, phase and outcome.",
		}, []string{"site", "phase", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yearscan_progress_fetch_duration_seconds",
			Help:    "Page fetch duration partitioned by site and status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yearscan_progress_items_total",
			Help: "Items handed to the item sink per site.",
		}, []string{"site"}),
		phaseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yearscan_progress_phase_changes_total",
			Help: "Navigation phase entries partitioned by phase.",
		}, []string{"phase"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.pages,
		s.fetchDuration,
		s.items,
		s.phaseChanges,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.completeSession(evt, "found")
	case progress.StageSessionNotFound:
		s.completeSession(evt, "target_not_found")
	case progress.StageSessionCanceled:
		s.completeSession(evt, "canceled")
	case progress.StageSessionError:
		s.completeSession(evt, "error")
	case progress.StagePageFetched:
		s.observePage(evt, "ok")
	case progress.StagePageEmpty:
		s.observePage(evt, "empty")
	case progress.StageFetchFailed:
		s.observePage(evt, "failed")
	case progress.StageStaleDiscarded:
		s.pages.WithLabelValues(siteLabel(evt.Site), evt.Phase, "stale").Inc()
	case progress.StageItemEmitted:
		if evt.Items > 0 {
			s.items.WithLabelValues(siteLabel(evt.Site)).Add(float64(evt.Items))
		}
	case progress.StagePhaseChange:
		s.phaseChanges.WithLabelValues(evt.Phase).Inc()
	}
}

func (s *PrometheusSink) completeSession(evt progress.Event, result string) {
	s.sessionsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

func (s *PrometheusSink) observePage(evt progress.Event, outcome string) {
	site := siteLabel(evt.Site)
	s.pages.WithLabelValues(site, evt.Phase, outcome).Inc()
	if evt.Dur > 0 {
		class := string(evt.StatusClass)
		if class == "" {
			class = string(progress.StatusOther)
		}
		s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
	}
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
