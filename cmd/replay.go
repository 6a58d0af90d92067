package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chanmem "github.com/JakeFAU/progress-coordinator/internal/channel/memory"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

type replayOptions struct {
	stages []string
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [events.jsonl]",
		Short: "Feeds recorded events through a coordinator and prints final snapshots",
		Long: `Reads one {"event": "<stage>_<kind>", "data": {...}} envelope per line
(from the file argument or stdin), begins every run it mentions, delivers the
events in order and prints each run's final snapshot as JSON.

Runs are registered with --stages when given, otherwise with the stages named
by their non-error events in order of first appearance.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open events: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runReplay(cmd.Context(), e, opts, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&opts.stages, "stages", nil, "stage ids declared for every run")
	return cmd
}

type recordedEvent struct {
	env progress.Envelope
	evt progress.Event
}

type replayResult struct {
	RunID    string            `json:"run_id"`
	Outcome  string            `json:"outcome"`
	Percent  int               `json:"percent"`
	Snapshot progress.Snapshot `json:"snapshot"`
}

// lastSnapshotSink remembers the newest snapshot seen per run.
type lastSnapshotSink struct {
	mu    sync.Mutex
	snaps map[string]progress.Snapshot
}

func (s *lastSnapshotSink) Consume(_ context.Context, u progress.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[u.RunID] = u.Snapshot
	return nil
}

func (s *lastSnapshotSink) Close(context.Context) error { return nil }

func runReplay(ctx context.Context, e *env, opts *replayOptions, in io.Reader, out io.Writer) error {
	events, err := readEvents(in, e.logger)
	if err != nil {
		return err
	}

	var runs []string
	stagesByRun := map[string][]string{}
	for _, rec := range events {
		if !slices.Contains(runs, rec.evt.RunID) {
			runs = append(runs, rec.evt.RunID)
		}
		if rec.evt.Kind != progress.KindError && !slices.Contains(stagesByRun[rec.evt.RunID], rec.evt.Stage) {
			stagesByRun[rec.evt.RunID] = append(stagesByRun[rec.evt.RunID], rec.evt.Stage)
		}
	}

	bus := chanmem.New()
	last := &lastSnapshotSink{snaps: map[string]progress.Snapshot{}}
	c := progress.NewCoordinator(progress.Config{
		DebounceWindow: e.cfg.DebounceWindow(),
		InboxSize:      e.cfg.Progress.InboxSize,
		Development:    e.cfg.Logging.Development,
		Logger:         e.logger.Named("replay"),
		Channel:        bus,
	}, last)

	for _, id := range runs {
		stages := opts.stages
		if len(stages) == 0 {
			stages = stagesByRun[id]
		}
		if err := c.BeginRun(ctx, id, progress.RunOptions{Stages: stages}); err != nil {
			_ = c.Close(ctx)
			return fmt.Errorf("begin run %s: %w", id, err)
		}
	}
	for _, rec := range events {
		if bus.Publish(rec.env.Event, rec.env.Data) > 0 {
			continue
		}
		if err := c.Deliver(ctx, rec.evt); err != nil {
			_ = c.Close(ctx)
			return fmt.Errorf("deliver %s: %w", rec.env.Event, err)
		}
	}
	if err := c.Close(ctx); err != nil {
		return fmt.Errorf("close coordinator: %w", err)
	}

	results := make([]replayResult, 0, len(runs))
	for _, id := range runs {
		snap := last.snaps[id]
		results = append(results, replayResult{
			RunID:    id,
			Outcome:  string(snap.Outcome()),
			Percent:  snap.Percent(),
			Snapshot: snap,
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func readEvents(in io.Reader, logger *zap.Logger) ([]recordedEvent, error) {
	var events []recordedEvent
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var env progress.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		evt, err := progress.DecodeEvent(env.Event, env.Data, time.Time{})
		if err == nil {
			err = evt.Validate()
		}
		if err != nil {
			if errors.Is(err, progress.ErrInvalidEvent) {
				logger.Warn("skipping invalid event", zap.Int("line", line), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, recordedEvent{env: env, evt: evt})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
