package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

const maxEventBytes = 1 << 20

type beginRunRequest struct {
	RunID  string   `json:"run_id"`
	Stages []string `json:"stages"`
}

type stageDTO struct {
	progress.StageState
	Stale bool `json:"stale"`
}

type runDTO struct {
	RunID         string           `json:"run_id"`
	Outcome       string           `json:"outcome"`
	Percent       int              `json:"percent"`
	Terminal      bool             `json:"terminal"`
	TerminalFired bool             `json:"terminal_fired"`
	Stages        []stageDTO       `json:"stages"`
	Totals        map[string]int64 `json:"totals"`
	StartedAt     time.Time        `json:"started_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type runSummaryDTO struct {
	RunID    string `json:"run_id"`
	Outcome  string `json:"outcome"`
	Percent  int    `json:"percent"`
	Terminal bool   `json:"terminal"`
}

func (s *Server) toRunDTO(snap progress.Snapshot) runDTO {
	now := s.now()
	stages := make([]stageDTO, 0, len(snap.Stages))
	for _, st := range snap.Stages {
		stages = append(stages, stageDTO{StageState: st, Stale: st.IsStale(now, s.cfg.StaleAfter())})
	}
	totals := snap.Totals
	if totals == nil {
		totals = map[string]int64{}
	}
	return runDTO{
		RunID:         snap.RunID,
		Outcome:       string(snap.Outcome()),
		Percent:       snap.Percent(),
		Terminal:      snap.Terminal,
		TerminalFired: snap.TerminalFired,
		Stages:        stages,
		Totals:        totals,
		StartedAt:     snap.StartedAt,
		UpdatedAt:     snap.UpdatedAt,
	}
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

// beginRun handles POST /v1/runs. The run id is generated when omitted.
func (s *Server) beginRun(w http.ResponseWriter, r *http.Request) {
	var req beginRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.RunID = strings.TrimSpace(req.RunID)
	if req.RunID == "" {
		if s.deps.IDs == nil {
			writeError(w, http.StatusBadRequest, "run_id required")
			return
		}
		id, err := s.deps.IDs.NewID()
		if err != nil {
			s.logger.Error("generate run id failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate run id")
			return
		}
		req.RunID = id
	}
	stages := make([]string, 0, len(req.Stages))
	for _, st := range req.Stages {
		if st = strings.TrimSpace(st); st != "" && !slices.Contains(stages, st) {
			stages = append(stages, st)
		}
	}

	err := s.deps.Coordinator.BeginRun(r.Context(), req.RunID, progress.RunOptions{Stages: stages})
	if err != nil {
		s.writeCoordinatorError(w, err, "failed to begin run")
		return
	}
	snap, _ := s.deps.Coordinator.Snapshot(req.RunID)
	writeJSON(w, http.StatusCreated, map[string]any{"run": s.toRunDTO(snap)})
}

// listRuns handles GET /v1/runs and summarizes every live run.
func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Coordinator.Runs()
	out := make([]runSummaryDTO, 0, len(ids))
	for _, id := range ids {
		snap, ok := s.deps.Coordinator.Snapshot(id)
		if !ok {
			// Disposed between Runs and Snapshot.
			continue
		}
		out = append(out, runSummaryDTO{
			RunID:    id,
			Outcome:  string(snap.Outcome()),
			Percent:  snap.Percent(),
			Terminal: snap.Terminal,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// getRun handles GET /v1/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Coordinator.Snapshot(chi.URLParam(r, "run_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": s.toRunDTO(snap)})
}

// disposeRun handles DELETE /v1/runs/{run_id}.
func (s *Server) disposeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := s.deps.Coordinator.Snapshot(runID); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err := s.deps.Coordinator.Dispose(r.Context(), runID); err != nil {
		s.writeCoordinatorError(w, err, "failed to dispose run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingestEvent handles POST /v1/events/{event}. The body is the raw event
// payload. It goes through the in-process channel when anything listens for
// the name and straight to the coordinator otherwise, where it is dropped
// with a warning.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "event")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	evt, err := progress.DecodeEvent(name, payload, s.now())
	if err == nil {
		err = evt.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Publisher != nil {
		if n := s.deps.Publisher.Publish(name, payload); n > 0 {
			writeJSON(w, http.StatusAccepted, map[string]any{"event": name, "route": "channel", "listeners": n})
			return
		}
	}
	if err := s.deps.Coordinator.Deliver(r.Context(), evt); err != nil {
		s.writeCoordinatorError(w, err, "failed to deliver event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": name, "route": "direct"})
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, progress.ErrRunExists):
		writeError(w, http.StatusConflict, "run already exists")
	case errors.Is(err, progress.ErrUnknownRun):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, progress.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, progress.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "coordinator is shutting down")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
