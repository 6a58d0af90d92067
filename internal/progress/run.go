package progress

import (
	"maps"
	"time"
)

// RunOutcome classifies a run for downstream views.
type RunOutcome string

// Run outcomes. Partial and failed runs still complete; they are shown as
// stopped rather than left hanging.
const (
	RunRunning RunOutcome = "running"
	RunSuccess RunOutcome = "success"
	RunPartial RunOutcome = "partial"
	RunFailed  RunOutcome = "failed"
)

// Snapshot is an immutable copy of a run's aggregate state for rendering.
type Snapshot struct {
	RunID         string           `json:"run_id"`
	Stages        []StageState     `json:"stages"`
	Totals        map[string]int64 `json:"totals"`
	Terminal      bool             `json:"terminal"`
	TerminalFired bool             `json:"terminal_fired"`
	Disposed      bool             `json:"disposed,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Stage looks up one stage by id.
func (s Snapshot) Stage(id string) (StageState, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return StageState{}, false
}

// Percent averages stage percentages; zero when no stages are registered.
func (s Snapshot) Percent() int {
	if len(s.Stages) == 0 {
		return 0
	}
	sum := 0
	for _, st := range s.Stages {
		sum += st.Percent
	}
	return sum / len(s.Stages)
}

// Outcome derives the run outcome from stage statuses.
func (s Snapshot) Outcome() RunOutcome {
	if !s.Terminal {
		return RunRunning
	}
	failed := 0
	for _, st := range s.Stages {
		if st.Status == StatusError {
			failed++
		}
	}
	switch {
	case failed == 0:
		return RunSuccess
	case failed == len(s.Stages):
		return RunFailed
	default:
		return RunPartial
	}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Stages = make([]StageState, len(s.Stages))
	for i, st := range s.Stages {
		out.Stages[i] = st.clone()
	}
	out.Totals = maps.Clone(s.Totals)
	return out
}

// RunAggregate owns the stage trackers and totals of one run. It is not safe
// for concurrent use.
type RunAggregate struct {
	id            string
	order         []string
	trackers      map[string]*StageTracker
	agg           *Aggregator
	terminalFired bool
	disposed      bool
	startedAt     time.Time
	updatedAt     time.Time
}

// NewRunAggregate registers one Pending tracker per stage id, in order.
// Blank and duplicate ids are skipped.
func NewRunAggregate(id string, stageIDs []string, now time.Time) *RunAggregate {
	r := &RunAggregate{
		id:        id,
		trackers:  make(map[string]*StageTracker, len(stageIDs)),
		agg:       NewAggregator(),
		startedAt: now,
		updatedAt: now,
	}
	for _, stage := range stageIDs {
		if stage == "" {
			continue
		}
		r.register(stage)
	}
	return r
}

// ID returns the run id.
func (r *RunAggregate) ID() string {
	return r.id
}

// StageIDs returns the registered stage ids in registration order.
func (r *RunAggregate) StageIDs() []string {
	return append([]string(nil), r.order...)
}

// Tracker returns the tracker for stage.
func (r *RunAggregate) Tracker(stage string) (*StageTracker, bool) {
	t, ok := r.trackers[stage]
	return t, ok
}

// Aggregator returns the run's cumulative totals.
func (r *RunAggregate) Aggregator() *Aggregator {
	return r.agg
}

// IsTerminal reports whether every registered stage is terminal. An empty
// stage set is never terminal.
func (r *RunAggregate) IsTerminal() bool {
	if len(r.order) == 0 {
		return false
	}
	for _, id := range r.order {
		if !r.trackers[id].Status().Terminal() {
			return false
		}
	}
	return true
}

// TerminalFired reports whether the completion gate already fired.
func (r *RunAggregate) TerminalFired() bool {
	return r.terminalFired
}

// Disposed reports whether the run was torn down.
func (r *RunAggregate) Disposed() bool {
	return r.disposed
}

// Snapshot builds a deep copy of the current state.
func (r *RunAggregate) Snapshot() Snapshot {
	stages := make([]StageState, 0, len(r.order))
	for _, id := range r.order {
		stages = append(stages, r.trackers[id].State())
	}
	return Snapshot{
		RunID:         r.id,
		Stages:        stages,
		Totals:        r.agg.Totals(),
		Terminal:      r.IsTerminal(),
		TerminalFired: r.terminalFired,
		Disposed:      r.disposed,
		StartedAt:     r.startedAt,
		UpdatedAt:     r.updatedAt,
	}
}

func (r *RunAggregate) register(stage string) *StageTracker {
	if t, ok := r.trackers[stage]; ok {
		return t
	}
	t := NewStageTracker(stage, r.agg)
	r.trackers[stage] = t
	r.order = append(r.order, stage)
	return t
}

// registerImplicit adds a stage that was never declared; only error events
// may do this.
func (r *RunAggregate) registerImplicit(stage string) *StageTracker {
	t := r.register(stage)
	t.state.Implicit = true
	return t
}

func (r *RunAggregate) touch(at time.Time) {
	if at.After(r.updatedAt) {
		r.updatedAt = at
	}
}
