package progress

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arranges for f to run after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(d time.Duration, f func()) Timer

// AfterFunc calls fn(d, f).
func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) Timer {
	return fn(d, f)
}

// RealScheduler schedules with time.AfterFunc.
var RealScheduler Scheduler = SchedulerFunc(func(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
})

// Emitter coalesces non-terminal payloads per key over a fixed window and
// forwards terminal payloads immediately.
//
// The window is fixed from the first pending call, not sliding, so the worst
// case delay is one window regardless of burst rate. A terminal payload
// cancels the pending flush for its key; the sink never sees an older payload
// for that key afterwards.
//
// Emitter is not safe for concurrent use. Scheduler callbacks must run on the
// goroutine that owns the Emitter.
type Emitter[T any] struct {
	window  time.Duration
	sched   Scheduler
	sink    func(key string, payload T)
	pending map[string]*pendingWindow[T]
	gen     uint64
}

type pendingWindow[T any] struct {
	payload T
	timer   Timer
	gen     uint64
}

// NewEmitter builds an Emitter. A non-positive window disables coalescing.
func NewEmitter[T any](window time.Duration, sched Scheduler, sink func(key string, payload T)) *Emitter[T] {
	if sched == nil {
		sched = RealScheduler
	}
	return &Emitter[T]{
		window:  window,
		sched:   sched,
		sink:    sink,
		pending: make(map[string]*pendingWindow[T]),
	}
}

// Emit forwards or coalesces payload for key.
func (e *Emitter[T]) Emit(key string, payload T, terminal bool) {
	if terminal {
		e.Cancel(key)
		e.sink(key, payload)
		return
	}
	if e.window <= 0 {
		e.sink(key, payload)
		return
	}
	if w, ok := e.pending[key]; ok {
		w.payload = payload
		return
	}
	e.gen++
	gen := e.gen
	w := &pendingWindow[T]{payload: payload, gen: gen}
	e.pending[key] = w
	w.timer = e.sched.AfterFunc(e.window, func() { e.fire(key, gen) })
}

// Pending reports whether key has a scheduled flush.
func (e *Emitter[T]) Pending(key string) bool {
	_, ok := e.pending[key]
	return ok
}

// Cancel drops the pending payload for key without emitting it.
func (e *Emitter[T]) Cancel(key string) {
	w, ok := e.pending[key]
	if !ok {
		return
	}
	delete(e.pending, key)
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Flush emits every pending payload now.
func (e *Emitter[T]) Flush() {
	for key, w := range e.pending {
		delete(e.pending, key)
		if w.timer != nil {
			w.timer.Stop()
		}
		e.sink(key, w.payload)
	}
}

// Stop cancels every pending payload.
func (e *Emitter[T]) Stop() {
	for key := range e.pending {
		e.Cancel(key)
	}
}

// fire runs when a window closes. A generation mismatch means the window was
// cancelled or superseded after the timer was already queued.
func (e *Emitter[T]) fire(key string, gen uint64) {
	w, ok := e.pending[key]
	if !ok || w.gen != gen {
		return
	}
	delete(e.pending, key)
	e.sink(key, w.payload)
}
