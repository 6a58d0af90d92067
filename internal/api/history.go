package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes read-only run history endpoints.
type HistoryHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.RunRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/history?outcome=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, 503 when no
// repository is configured, or 500 if the repository call fails.
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var outcome *store.RunOutcome
	if raw := strings.TrimSpace(r.URL.Query().Get("outcome")); raw != "" {
		val, parseErr := parseOutcome(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		outcome = &val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, outcome, limit, offset)
	if err != nil {
		h.logger.Error("list run history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toHistoryDTOs(runs)})
}

// GetRun handles GET /v1/history/{run_id}. It returns {"run": {...}}, 404
// when the repository reports store.ErrNotFound, or 500 otherwise.
func (h *HistoryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run history failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toHistoryDTO(rec)})
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

func parseOutcome(input string) (store.RunOutcome, error) {
	switch o := store.RunOutcome(strings.ToLower(input)); {
	case o.Valid():
		return o, nil
	case o == "error", o == "failure":
		return store.OutcomeFailed, nil
	default:
		return "", errors.New("invalid outcome")
	}
}

type historyDTO struct {
	ID         string              `json:"run_id"`
	Outcome    string              `json:"outcome"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Stages     []store.StageRecord `json:"stages"`
	Totals     map[string]int64    `json:"totals"`
	ArchiveURI *string             `json:"archive_uri,omitempty"`
}

func toHistoryDTOs(in []store.RunRecord) []historyDTO {
	out := make([]historyDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toHistoryDTO(rec))
	}
	return out
}

func toHistoryDTO(rec store.RunRecord) historyDTO {
	return historyDTO{
		ID:         rec.ID,
		Outcome:    string(rec.Outcome),
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Stages:     rec.Stages,
		Totals:     rec.Totals,
		ArchiveURI: rec.ArchiveURI,
	}
}
