package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
	"github.com/JakeFAU/progress-coordinator/internal/store"
)

// StoreSink persists finished runs via a store.RunRepository. Stage renders
// are not persisted; progress does not survive a restart.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume saves the final snapshot when a run finishes. It respects ctx
// deadlines and returns any repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, update progress.Update) error {
	if s == nil || s.repo == nil || update.Kind != progress.UpdateFinished {
		return nil
	}
	rec := RecordFromSnapshot(update.Snapshot)
	if err := s.repo.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("save run %s: %w", rec.ID, err)
	}
	s.logger.Debug("run persisted", zap.String("run_id", rec.ID), zap.String("outcome", string(rec.Outcome)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// RecordFromSnapshot converts a terminal snapshot into a history record.
func RecordFromSnapshot(snap progress.Snapshot) store.RunRecord {
	stages := make([]store.StageRecord, 0, len(snap.Stages))
	for _, st := range snap.Stages {
		stages = append(stages, store.StageRecord{
			ID:       st.ID,
			Status:   string(st.Status),
			Percent:  st.Percent,
			Current:  st.Current,
			Total:    st.Total,
			Error:    st.Error,
			Implicit: st.Implicit,
		})
	}
	totals := make(map[string]int64, len(snap.Totals))
	for k, v := range snap.Totals {
		totals[k] = v
	}
	return store.RunRecord{
		ID:         snap.RunID,
		Outcome:    outcomeOf(snap),
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.UpdatedAt,
		Stages:     stages,
		Totals:     totals,
	}
}

func outcomeOf(snap progress.Snapshot) store.RunOutcome {
	switch snap.Outcome() {
	case progress.RunFailed:
		return store.OutcomeFailed
	case progress.RunPartial:
		return store.OutcomePartial
	default:
		return store.OutcomeSuccess
	}
}
