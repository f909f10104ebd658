package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	progressTimeout     = 3 * time.Second
)

// ProgressHandler exposes read-only session progress endpoints.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListSessions handles GET /v1/progress/sessions?status=&limit=&offset=. It
// returns {"sessions": [...]} on success, 400 for invalid filters, 503 when the
// repo is unavailable, or 500 if the repository call fails.
func (h *ProgressHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": toRunDTOs(runs),
	})
}

// GetSession handles GET /v1/progress/sessions/{session_id}. It returns
// {"session": {...}}, 400 for malformed ids or 404 for unknown runs.
func (h *ProgressHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toRunDTO(run)})
}

// ListPhaseStats handles GET /v1/progress/sessions/{session_id}/phases and
// returns {"phases": [...]}.
func (h *ProgressHandler) ListPhaseStats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.ListPhaseStats(ctx, sessionID)
	if err != nil {
		h.logger.Error("list phase stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list phase stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phases": toPhaseDTOs(stats),
	})
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "found", "done":
		return store.RunFound, nil
	case "target_not_found", "not_found":
		return store.RunTargetNotFound, nil
	case "canceled", "cancelled":
		return store.RunCanceled, nil
	case "error", "failed":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.SessionRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.SessionRun) runDTO {
	return runDTO{
		SessionID:  run.SessionID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Note:       run.Note,
	}
}

func toPhaseDTOs(in []store.PhaseStats) []phaseDTO {
	out := make([]phaseDTO, 0, len(in))
	for _, s := range in {
		out = append(out, phaseDTO{
			Phase:       s.Phase,
			LastUpdate:  s.LastUpdate,
			Pages:       s.Pages,
			EmptyPages:  s.EmptyPages,
			FailedPages: s.FailedPages,
			StalePages:  s.StalePages,
			Items:       s.Items,
		})
	}
	return out
}

type runDTO struct {
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Note       *string    `json:"note,omitempty"`
}

type phaseDTO struct {
	Phase       string    `json:"phase"`
	LastUpdate  time.Time `json:"last_update"`
	Pages       int64     `json:"pages"`
	EmptyPages  int64     `json:"empty_pages"`
	FailedPages int64     `json:"failed_pages"`
	StalePages  int64     `json:"stale_pages"`
	Items       int64     `json:"items"`
}
