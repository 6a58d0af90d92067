package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

// PrometheusSink exports run and stage progress via Prometheus. It owns all
// collectors for runs started/completed/active and per-stage updates.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsAbandoned prometheus.Counter
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	stageUpdates *prometheus.CounterVec
	metricTotals *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_runs_started_total",
			Help: "Runs that reported at least one stage update.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_runs_completed_total",
			Help: "Runs whose completion gate fired, partitioned by outcome.",
		}, []string{"outcome"}),
		runsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_runs_abandoned_total",
			Help: "Runs disposed before every stage was terminal.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_runs_active",
			Help: "Runs with at least one update and no terminal action yet.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_run_duration_seconds",
			Help:    "Wall time from registration to the last accepted event.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"outcome"}),
		stageUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_stage_updates_total",
			Help: "Rendered stage updates partitioned by stage and status.",
		}, []string{"stage", "status"}),
		metricTotals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_metric_total",
			Help: "Cumulative metric totals of completed runs.",
		}, []string{"metric"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsAbandoned,
		s.runsActive,
		s.runDuration,
		s.stageUpdates,
		s.metricTotals,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors. It is safe for concurrent use by
// multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, update progress.Update) error {
	switch update.Kind {
	case progress.UpdateStage:
		if s.tracker.start(update.RunID) {
			s.runsStarted.Inc()
			s.runsActive.Inc()
		}
		if update.Stage != nil {
			s.stageUpdates.WithLabelValues(update.Stage.ID, string(update.Stage.Status)).Inc()
		}
	case progress.UpdateFinished:
		snap := update.Snapshot
		outcome := string(snap.Outcome())
		if s.tracker.finish(update.RunID) {
			s.runsActive.Dec()
		}
		s.runsCompleted.WithLabelValues(outcome).Inc()
		if elapsed := snap.UpdatedAt.Sub(snap.StartedAt); elapsed > 0 {
			s.runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
		}
		for name, v := range snap.Totals {
			if v > 0 {
				s.metricTotals.WithLabelValues(name).Add(float64(v))
			}
		}
	case progress.UpdateDisposed:
		if s.tracker.finish(update.RunID) {
			s.runsActive.Dec()
		}
		if !update.Snapshot.TerminalFired {
			s.runsAbandoned.Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
