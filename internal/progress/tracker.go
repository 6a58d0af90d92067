package progress

import (
	"maps"
	"time"
)

// Status is the lifecycle state of one stage.
type Status string

// Stage statuses. Complete and Error are terminal.
const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

const defaultErrorText = "unknown error"

// StageState is the reduced state of one stage within a run.
type StageState struct {
	ID       string           `json:"id"`
	Status   Status           `json:"status"`
	Percent  int              `json:"percent"`
	Item     *Item            `json:"item,omitempty"`
	Counters map[string]int64 `json:"counters,omitempty"`
	Current  int              `json:"current"`
	Total    int              `json:"total"`
	Error    string           `json:"error,omitempty"`
	Message  string           `json:"message,omitempty"`
	// LastEventAt is when the last accepted event arrived. It is used for
	// staleness only, never for ordering.
	LastEventAt time.Time `json:"last_event_at"`
	// Implicit marks a stage registered by an error for an undeclared id.
	Implicit bool `json:"implicit,omitempty"`
}

// IsStale reports whether a non-terminal stage has been silent for longer
// than after.
func (s StageState) IsStale(now time.Time, after time.Duration) bool {
	if after <= 0 || s.Status.Terminal() || s.LastEventAt.IsZero() {
		return false
	}
	return now.Sub(s.LastEventAt) > after
}

func (s StageState) clone() StageState {
	out := s
	if s.Item != nil {
		item := *s.Item
		out.Item = &item
	}
	out.Counters = maps.Clone(s.Counters)
	return out
}

// Outcome classifies how a tracker handled an event.
type Outcome uint8

// Apply outcomes.
const (
	// OutcomeIgnored means the event does not apply in the current status,
	// e.g. progress for a stage that has not started.
	OutcomeIgnored Outcome = iota
	// OutcomeStale means the stage is already terminal.
	OutcomeStale
	// OutcomeUpdated means non-terminal state changed.
	OutcomeUpdated
	// OutcomeTerminal means the stage just became Complete or Error.
	OutcomeTerminal
)

// Accepted reports whether the event mutated state.
func (o Outcome) Accepted() bool {
	return o == OutcomeUpdated || o == OutcomeTerminal
}

// StageTracker owns the state machine for one stage. It is not safe for
// concurrent use; the Coordinator confines it to its event loop.
type StageTracker struct {
	state StageState
	agg   *Aggregator
	// folded is what this stage has contributed to the aggregator.
	folded map[string]int64
}

// NewStageTracker creates a Pending tracker that folds metrics into agg.
// A nil aggregator disables metric folding.
func NewStageTracker(id string, agg *Aggregator) *StageTracker {
	return &StageTracker{
		state: StageState{ID: id, Status: StatusPending},
		agg:   agg,
	}
}

// ID returns the stage id.
func (t *StageTracker) ID() string {
	return t.state.ID
}

// Status returns the current status.
func (t *StageTracker) Status() Status {
	return t.state.Status
}

// State returns a copy of the current state.
func (t *StageTracker) State() StageState {
	return t.state.clone()
}

// Apply consumes one event for this stage.
func (t *StageTracker) Apply(evt Event) Outcome {
	if t.state.Status.Terminal() {
		return OutcomeStale
	}
	switch evt.Kind {
	case KindStarted:
		return t.start(evt)
	case KindProgress:
		return t.progress(evt)
	case KindComplete:
		return t.complete(evt)
	case KindError:
		return t.fail(evt)
	default:
		return OutcomeIgnored
	}
}

func (t *StageTracker) start(evt Event) Outcome {
	// A duplicate started must not rewind a running stage.
	if t.state.Status != StatusPending {
		return OutcomeIgnored
	}
	t.state.Status = StatusRunning
	t.state.Percent = 0
	if evt.Immediate100 {
		t.state.Percent = 100
	}
	t.state.Item = nil
	t.state.Counters = nil
	t.state.Current = 0
	if evt.Total != nil {
		t.state.Total = max(*evt.Total, 0)
	}
	t.state.Message = evt.Message
	t.touch(evt)
	return OutcomeUpdated
}

func (t *StageTracker) progress(evt Event) Outcome {
	if t.state.Status != StatusRunning {
		return OutcomeIgnored
	}
	if evt.Percent != nil {
		t.state.Percent = max(t.state.Percent, clampPercent(*evt.Percent))
	}
	if evt.Item != nil {
		item := *evt.Item
		t.state.Item = &item
	} else {
		t.state.Item = nil
	}
	if evt.Metrics != nil {
		t.state.Counters = maps.Clone(evt.Metrics)
	}
	t.applyCounts(evt)
	if evt.Message != "" {
		t.state.Message = evt.Message
	}
	t.absorb(evt)
	t.touch(evt)
	return OutcomeUpdated
}

func (t *StageTracker) complete(evt Event) Outcome {
	t.state.Status = StatusComplete
	t.state.Percent = 100
	t.applyCounts(evt)
	if evt.Current == nil && t.state.Total > 0 {
		t.state.Current = t.state.Total
	}
	if evt.Results != nil {
		t.state.Counters = maps.Clone(evt.Results)
	}
	if evt.Message != "" {
		t.state.Message = evt.Message
	}
	t.absorb(evt)
	t.touch(evt)
	return OutcomeTerminal
}

func (t *StageTracker) fail(evt Event) Outcome {
	t.state.Status = StatusError
	t.state.Error = evt.Error
	if t.state.Error == "" {
		t.state.Error = defaultErrorText
	}
	if evt.Message != "" {
		t.state.Message = evt.Message
	}
	t.touch(evt)
	return OutcomeTerminal
}

func (t *StageTracker) applyCounts(evt Event) {
	if evt.Total != nil {
		t.state.Total = max(*evt.Total, 0)
	}
	if evt.Current != nil {
		t.state.Current = max(t.state.Current, *evt.Current)
	}
}

// absorb forwards the event's metric payloads to the run aggregator. Result
// metrics on complete are the stage's own final summary, so only the part not
// already folded from its items is added.
func (t *StageTracker) absorb(evt Event) {
	if t.agg == nil {
		return
	}
	if len(evt.Metrics) > 0 {
		if evt.Item != nil && evt.Item.Key() != "" {
			t.addFolded(t.agg.MergeItem(t.state.ID+"/"+evt.Item.Key(), evt.Metrics))
		} else {
			t.addFolded(t.agg.Merge(evt.Metrics))
		}
	}
	if len(evt.Results) > 0 {
		shortfall := make(map[string]int64, len(evt.Results))
		for name, v := range evt.Results {
			if v > t.folded[name] {
				shortfall[name] = v - t.folded[name]
			}
		}
		t.addFolded(t.agg.Merge(shortfall))
	}
	if len(evt.CumulativeTotals) > 0 {
		t.agg.MergeAtSource(evt.CumulativeTotals)
	}
}

func (t *StageTracker) addFolded(added map[string]int64) {
	for name, v := range added {
		if t.folded == nil {
			t.folded = make(map[string]int64)
		}
		t.folded[name] += v
	}
}

func (t *StageTracker) touch(evt Event) {
	if !evt.TS.IsZero() {
		t.state.LastEventAt = evt.TS
	}
}
