// Package progress reduces a push-delivered stream of stage events into per-run
// aggregate state. Stage trackers own each stage's state machine, an aggregator
// folds metric payloads into run-wide totals, a debounced emitter coalesces
// renders between terminal events, and a completion gate fires a run's
// terminal action exactly once. The Coordinator binds them to a run id and
// serializes all mutation on a single event-loop goroutine.
package progress
