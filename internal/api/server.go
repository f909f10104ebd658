// Package api exposes the HTTP interface for the yearscan service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/config"
	"github.com/JakeFAU/yearscan/internal/crawler"
	"github.com/JakeFAU/yearscan/internal/dispatcher"
	"github.com/JakeFAU/yearscan/internal/metrics"
	"github.com/JakeFAU/yearscan/internal/session"
	"github.com/JakeFAU/yearscan/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	enqueueTimeout        = 5 * time.Second
	cancelNote            = "canceled via API"
)

// Server wires HTTP handlers to the dispatcher, session registry and stores.
type Server struct {
	router     chi.Router
	sessions   crawler.SessionStore
	dispatcher *dispatcher.Dispatcher
	registry   *session.Registry
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The progress
// routes are mounted only when progressRepo is non-nil.
func NewServer(
	sessions crawler.SessionStore,
	dispatcher *dispatcher.Dispatcher,
	registry *session.Registry,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
	progressRepo store.ProgressRepository,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = session.NewRegistry()
	}
	metrics.Init()
	s := &Server{
		sessions:   sessions,
		dispatcher: dispatcher,
		registry:   registry,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	timeout := defaultRequestTimeout
	if cfg.Server.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/custom", s.submitCustomSession)
			r.Post("/standard", s.submitStandardSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/status", s.getSessionStatus)
				r.Get("/result", s.getSessionResult)
				r.Post("/cancel", s.cancelSession)
			})
		})
		if progressRepo != nil {
			progress := NewProgressHandler(progressRepo, logger.Named("progress"))
			r.Route("/v1/progress/sessions", func(r chi.Router) {
				r.Get("/", progress.ListSessions)
				r.Get("/{session_id}", progress.GetSession)
				r.Get("/{session_id}/phases", progress.ListPhaseStats)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"workers":         s.dispatcher.Size(),
		"active_sessions": s.registry.Len(),
	})
}

func (s *Server) submitCustomSession(w http.ResponseWriter, r *http.Request) {
	var req customSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params := s.cfg.ApplySessionDefaults(req.toParameters())
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, params)
}

func (s *Server) submitStandardSession(w http.ResponseWriter, r *http.Request) {
	var req standardSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing session name")
		return
	}
	template, ok := s.cfg.StandardSessions[req.Name]
	if !ok {
		writeError(w, http.StatusNotFound, "standard session template not found")
		return
	}
	params := cloneParameters(template)
	if req.TargetYear != nil {
		params.TargetYear = *req.TargetYear
	}
	params = s.cfg.ApplySessionDefaults(params)
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, params)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, params crawler.SessionParameters) {
	sessionID, err := s.enqueueSession(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("enqueue session failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	record, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	resp := map[string]any{"session": record}
	if live, ok := s.registry.Get(sessionID); ok {
		snap := live.Snapshot()
		resp["live"] = map[string]any{
			"state":    snap.State.String(),
			"epoch":    snap.Epoch,
			"counters": snap.Counters,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSessionResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	record, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	items, err := s.sessions.ListItems(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("list session items failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch session items")
		return
	}
	writeJSON(w, http.StatusOK, crawler.SessionResult{Session: record, Items: items})
}

// cancelSession invalidates a running session through the registry. A session
// still waiting in the queue is marked canceled so the worker skips it.
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if s.registry.Cancel(sessionID) {
		s.logger.Info("session canceled", zap.String("session_id", sessionID))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"session_id": sessionID,
			"status":     string(crawler.SessionStatusCanceled),
		})
		return
	}
	record, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if record.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("session already %s", record.Status))
		return
	}
	if err := s.sessions.UpdateSessionStatus(
		r.Context(),
		sessionID,
		crawler.SessionStatusCanceled,
		cancelNote,
		record.Counters,
	); err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     string(crawler.SessionStatusCanceled),
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error("session store failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "session store unavailable")
}

func (s *Server) enqueueSession(ctx context.Context, params crawler.SessionParameters) (string, error) {
	sessionID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	now := s.clock.Now()
	record := crawler.SessionRecord{
		ID:         sessionID,
		Status:     crawler.SessionStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.sessions.CreateSession(ctx, record); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		SessionID: sessionID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		if uerr := s.sessions.UpdateSessionStatus(
			context.WithoutCancel(ctx),
			sessionID,
			crawler.SessionStatusFailed,
			err.Error(),
			crawler.SessionCounters{},
		); uerr != nil {
			s.logger.Warn("mark unqueued session failed", zap.String("session_id", sessionID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue session: %w", err)
	}
	return sessionID, nil
}

type standardSessionRequest struct {
	Name       string `json:"name"`
	TargetYear *int   `json:"target_year"`
}

type customSessionRequest struct {
	TargetYear           int               `json:"target_year"`
	BasePageURLTemplate  string            `json:"base_page_url_template"`
	MaxFetches           *int              `json:"max_fetches_before_giving_up"`
	StartPage            *int              `json:"start_page"`
	MaxEmptyCollectPages *int              `json:"max_empty_collect_pages"`
	Tags                 map[string]string `json:"tags"`
}

// toParameters leaves omitted knobs at zero so config defaults can fill them.
// An explicit zero max_empty_collect_pages disables the empty-streak stop.
func (req customSessionRequest) toParameters() crawler.SessionParameters {
	params := crawler.SessionParameters{
		TargetYear:          req.TargetYear,
		BasePageURLTemplate: strings.TrimSpace(req.BasePageURLTemplate),
		Tags:                req.Tags,
	}
	if req.MaxFetches != nil {
		params.MaxFetches = *req.MaxFetches
	}
	if req.StartPage != nil {
		params.StartPage = *req.StartPage
	}
	if req.MaxEmptyCollectPages != nil {
		params.MaxEmptyCollectPages = *req.MaxEmptyCollectPages
		if params.MaxEmptyCollectPages == 0 {
			params.MaxEmptyCollectPages = -1
		}
	}
	return params
}

func cloneParameters(src crawler.SessionParameters) crawler.SessionParameters {
	cp := src
	if src.Tags != nil {
		cp.Tags = make(map[string]string, len(src.Tags))
		for k, v := range src.Tags {
			cp.Tags[k] = v
		}
	}
	return cp
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
