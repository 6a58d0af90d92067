package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the update using structured fields. Stage renders go to debug;
// finished runs are logged at info.
func (s *LogSink) Consume(_ context.Context, update progress.Update) error {
	switch update.Kind {
	case progress.UpdateStage:
		if update.Stage == nil {
			return nil
		}
		st := update.Stage
		fields := []zap.Field{
			zap.String("run_id", update.RunID),
			zap.String("stage", st.ID),
			zap.String("status", string(st.Status)),
			zap.Int("percent", st.Percent),
			zap.Int("current", st.Current),
			zap.Int("total", st.Total),
		}
		if st.Item != nil {
			fields = append(fields, zap.String("item", st.Item.Key()))
		}
		if st.Error != "" {
			fields = append(fields, zap.String("error", st.Error))
		}
		if st.Message != "" {
			fields = append(fields, zap.String("message", st.Message))
		}
		s.logger.Debug("stage update", fields...)
	case progress.UpdateFinished:
		snap := update.Snapshot
		s.logger.Info("run complete",
			zap.String("run_id", update.RunID),
			zap.String("outcome", string(snap.Outcome())),
			zap.Int("stages", len(snap.Stages)),
			zap.Duration("elapsed", snap.UpdatedAt.Sub(snap.StartedAt)),
			zap.Any("totals", snap.Totals),
		)
	case progress.UpdateDisposed:
		s.logger.Debug("run disposed",
			zap.String("run_id", update.RunID),
			zap.Bool("terminal_fired", update.Snapshot.TerminalFired),
		)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
