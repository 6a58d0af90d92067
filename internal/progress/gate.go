package progress

import (
	"fmt"

	"go.uber.org/zap"
)

// Gate fires a run's terminal action the first time every registered stage
// is terminal.
type Gate struct {
	action      func(Snapshot)
	development bool
	logger      *zap.Logger
}

// NewGate binds action to a gate. In development mode, misuse (re-evaluating
// a disposed run) panics; otherwise it is logged and ignored.
func NewGate(action func(Snapshot), development bool, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{action: action, development: development, logger: logger}
}

// Reevaluate fires the action iff the run has at least one stage, all stages
// are terminal, and the gate has not fired for this run. It reports whether
// it fired.
func (g *Gate) Reevaluate(r *RunAggregate) bool {
	if r == nil || r.disposed {
		id := ""
		if r != nil {
			id = r.id
		}
		if g.development {
			panic(fmt.Sprintf("progress: completion gate re-evaluated for disposed run %q", id))
		}
		g.logger.Warn("completion gate re-evaluated for disposed run", zap.String("run_id", id))
		return false
	}
	if r.terminalFired || !r.IsTerminal() {
		return false
	}
	// Set before invoking so a re-entrant evaluation from the action is a no-op.
	r.terminalFired = true
	if g.action != nil {
		g.action(r.Snapshot())
	}
	return true
}
