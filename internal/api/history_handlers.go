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

	"github.com/JakeFAU/marmelspade/internal/store"
)

const (
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultRootsLimit = 100
	maxRootsLimit     = 1000
	historyTimeout    = 3 * time.Second
)

// HistoryHandler exposes read-only harvest run history.
type HistoryHandler struct {
	repo    store.HistoryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger. repo may be nil.
func NewHistoryHandler(repo store.HistoryRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger.Named("history"),
	}
}

// ListRuns handles GET /api/runs?status=&limit=&offset=. It returns
// {"runs": [...]}, 400 for invalid filters, or 503 without a repository.
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := store.ParseRunStatus(strings.ToLower(raw))
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out}, h.logger)
}

// GetRun handles GET /api/runs/{run_id}. It returns {"run": {...}}, 400 for
// malformed ids, or 404 when the run is unknown.
func (h *HistoryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)}, h.logger)
}

// ListRunRoots handles GET /api/runs/{run_id}/roots?limit=&offset=.
func (h *HistoryHandler) ListRunRoots(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	runID, limit, offset, ok := h.parseRunPage(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	roots, err := h.repo.ListRunRoots(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list run roots failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list run roots")
		return
	}
	out := make([]rootDTO, 0, len(roots))
	for _, s := range roots {
		out = append(out, rootDTO{
			Root:        s.Root,
			LastUpdate:  s.LastUpdate,
			Directories: s.Directories,
			Failures:    s.Failures,
			Records:     s.Records,
			Objects:     s.Objects,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": out}, h.logger)
}

// ListRunFailures handles GET /api/runs/{run_id}/failures?limit=&offset=.
func (h *HistoryHandler) ListRunFailures(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	runID, limit, offset, ok := h.parseRunPage(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	failures, err := h.repo.ListRunFailures(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list run failures failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list run failures")
		return
	}
	out := make([]failureDTO, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureDTO{Root: f.Root, Path: f.Path, Error: f.Error, At: f.At})
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": out}, h.logger)
}

func (h *HistoryHandler) available(w http.ResponseWriter) bool {
	if h.repo == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return false
	}
	return true
}

func (h *HistoryHandler) parseRunPage(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, int, bool) {
	runID, err := parseRunID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, 0, 0, false
	}
	limit, offset, err := parseLimitOffset(r, defaultRootsLimit, maxRootsLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, 0, 0, false
	}
	return runID, limit, offset, true
}

func (h *HistoryHandler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, h.logger)
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.Nil, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

type runDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type rootDTO struct {
	Root        string    `json:"root"`
	LastUpdate  time.Time `json:"last_update"`
	Directories int64     `json:"directories"`
	Failures    int64     `json:"failures"`
	Records     int64     `json:"records"`
	Objects     int64     `json:"objects"`
}

type failureDTO struct {
	Root  string    `json:"root"`
	Path  string    `json:"path"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}
