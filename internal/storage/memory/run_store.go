package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/progress-coordinator/internal/store"
)

// RunStore keeps run history in-memory for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]store.RunRecord
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]store.RunRecord)}
}

// SaveRun inserts or replaces a run. An existing archive URI survives a save
// without one.
func (s *RunStore) SaveRun(_ context.Context, rec store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[rec.ID]; ok && rec.ArchiveURI == nil {
		rec.ArchiveURI = prev.ArchiveURI
	}
	s.runs[rec.ID] = cloneRecord(rec)
	return nil
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(_ context.Context, id string) (store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListRuns returns runs ordered by finish time, newest first.
func (s *RunStore) ListRuns(_ context.Context, outcome *store.RunOutcome, limit, offset int) ([]store.RunRecord, error) {
	s.mu.RLock()
	out := make([]store.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if outcome != nil && rec.Outcome != *outcome {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.RunRecord) int {
		if c := b.FinishedAt.Compare(a.FinishedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if offset >= len(out) {
		return []store.RunRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(rec store.RunRecord) store.RunRecord {
	out := rec
	out.Stages = slices.Clone(rec.Stages)
	if rec.Totals != nil {
		out.Totals = make(map[string]int64, len(rec.Totals))
		for k, v := range rec.Totals {
			out.Totals[k] = v
		}
	}
	if rec.ArchiveURI != nil {
		uri := *rec.ArchiveURI
		out.ArchiveURI = &uri
	}
	return out
}
