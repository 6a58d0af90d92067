// Package store declares interfaces for persisting finished runs.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunOutcome mirrors the run_history outcome column.
type RunOutcome string

// Outcomes persisted in run_history.outcome.
const (
	OutcomeSuccess RunOutcome = "success"
	OutcomePartial RunOutcome = "partial"
	OutcomeFailed  RunOutcome = "failed"
)

// Valid reports whether o is a persisted outcome.
func (o RunOutcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailed:
		return true
	default:
		return false
	}
}

// StageRecord is the final state of one stage.
type StageRecord struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
	// Implicit marks a stage that was never declared but reported an error.
	Implicit bool `json:"implicit,omitempty"`
}

// RunRecord models one row of run history.
type RunRecord struct {
	// ID is the run id the coordinator tracked.
	ID string
	// Outcome is success, partial or failed.
	Outcome RunOutcome
	// StartedAt is when the run was registered.
	StartedAt time.Time
	// FinishedAt is when the completion gate fired.
	FinishedAt time.Time
	// Stages lists final stage states in registration order.
	Stages []StageRecord
	// Totals are the run's cumulative metric totals.
	Totals map[string]int64
	// ArchiveURI points at the archived snapshot, when archiving is enabled.
	ArchiveURI *string
}

// RunRepository persists finished runs.
type RunRepository interface {
	// SaveRun inserts or replaces the record for rec.ID.
	SaveRun(ctx context.Context, rec RunRecord) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id string) (RunRecord, error)
	// ListRuns returns runs, newest first, filtered by optional outcome.
	ListRuns(ctx context.Context, outcome *RunOutcome, limit, offset int) ([]RunRecord, error)
}

// BlobStore stores opaque artifacts and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
