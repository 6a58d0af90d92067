package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
	"github.com/JakeFAU/progress-coordinator/internal/store"
)

// ArchiveSink writes the final snapshot of every finished run as JSON to a
// blob store. When a repository is supplied the resulting URI is recorded on
// the run's history row.
type ArchiveSink struct {
	blobs  store.BlobStore
	repo   store.RunRepository
	prefix string
	logger *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink. repo may be nil.
func NewArchiveSink(blobs store.BlobStore, repo store.RunRepository, prefix string, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "runs"
	}
	return &ArchiveSink{blobs: blobs, repo: repo, prefix: prefix, logger: logger}
}

// ObjectPath returns the archive object name for a run.
func (s *ArchiveSink) ObjectPath(runID string) string {
	return path.Join(s.prefix, runID+".json")
}

// Consume archives finished runs and ignores every other update.
func (s *ArchiveSink) Consume(ctx context.Context, update progress.Update) error {
	if s == nil || s.blobs == nil || update.Kind != progress.UpdateFinished {
		return nil
	}
	body, err := json.Marshal(update.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, s.ObjectPath(update.RunID), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive run %s: %w", update.RunID, err)
	}
	s.logger.Debug("run archived", zap.String("run_id", update.RunID), zap.String("uri", uri))
	if s.repo == nil {
		return nil
	}
	rec := RecordFromSnapshot(update.Snapshot)
	rec.ArchiveURI = &uri
	if err := s.repo.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("record archive uri for %s: %w", update.RunID, err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
