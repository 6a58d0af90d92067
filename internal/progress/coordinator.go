package progress

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors returned by the Coordinator.
var (
	ErrRunExists  = errors.New("run already exists")
	ErrUnknownRun = errors.New("unknown run")
	ErrClosed     = errors.New("progress coordinator closed")
)

// Clock supplies receive timestamps for events that carry none.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Config controls the Coordinator.
//   - DebounceWindow: render coalescing window (default 150ms; negative disables).
//   - InboxSize: buffered events awaiting the loop (default 1024).
//   - SinkTimeout: per-sink timeout for each update (default 10s).
//   - Development: panic on programmer misuse instead of logging.
//   - BaseContext: parent context for sink and callback calls.
//   - Logger: optional structured logger.
//   - Clock: receive-time source (defaults to UTC wall clock).
//   - Scheduler: debounce timer source (defaults to time.AfterFunc).
//   - Channel: optional push channel; listeners are registered per run.
type Config struct {
	DebounceWindow time.Duration
	InboxSize      int
	SinkTimeout    time.Duration
	Development    bool
	BaseContext    context.Context
	Logger         *zap.Logger
	Clock          Clock
	Scheduler      Scheduler
	Channel        Channel
}

const (
	defaultDebounceWindow = 150 * time.Millisecond
	defaultInboxSize      = 1024
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// UpdateFunc receives a run snapshot.
type UpdateFunc func(ctx context.Context, snap Snapshot)

// RunOptions describes one run.
//   - Stages: stage ids to track, in display order. A stage with nothing to
//     do must still be listed and driven to Complete.
//   - OnUpdate: optional render callback, debounced between terminal events.
//   - OnTerminal: optional terminal action, invoked at most once.
type RunOptions struct {
	Stages     []string
	OnUpdate   UpdateFunc
	OnTerminal UpdateFunc
}

// listenerKey is one row of the registration table. An empty stage marks the
// run's catch-all error route.
type listenerKey struct {
	runID string
	stage string
	kind  Kind
}

type runState struct {
	agg      *RunAggregate
	emitter  *Emitter[StageState]
	gate     *Gate
	opts     RunOptions
	epoch    uint64
	declared map[string]struct{}
}

type publishedRun struct {
	snap  Snapshot
	epoch uint64
}

// Coordinator binds stage trackers, the aggregator and the completion gate to
// run ids. All run state is owned by one event-loop goroutine; public methods
// post work to it. Snapshots are published as immutable copies, so Snapshot
// is safe to call from anywhere, including from sinks and callbacks.
type Coordinator struct {
	cfg         Config
	sinks       []Sink
	logger      *zap.Logger
	clock       Clock
	window      time.Duration
	inbox       chan func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	out         *outbox
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	sinkOnce    sync.Once

	published sync.Map // run id -> publishedRun

	// Loop-owned.
	runs  map[string]*runState
	table map[listenerKey]Subscription
	epoch uint64
}

// NewCoordinator starts the event loop. The returned Coordinator is
// immediately ready to accept runs and events.
func NewCoordinator(cfg Config, sinks ...Sink) *Coordinator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = utcClock{}
	}
	window := cfg.DebounceWindow
	switch {
	case window == 0:
		window = defaultDebounceWindow
	case window < 0:
		window = 0
	}
	c := &Coordinator{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		logger:      logger,
		clock:       clock,
		window:      window,
		inbox:       make(chan func(), cfg.InboxSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		out:         newOutbox(logger),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		runs:        make(map[string]*runState),
		table:       make(map[listenerKey]Subscription),
	}
	if rc, ok := cfg.Channel.(Reconnector); ok {
		rc.OnReconnect(func() {
			if err := c.Reattach(cfg.BaseContext); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Warn("progress listener reattach failed", zap.Error(err))
			}
		})
	}
	go c.run()
	go c.out.run()
	return c
}

// BeginRun registers a run and its stage listeners.
func (c *Coordinator) BeginRun(ctx context.Context, runID string, opts RunOptions) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	opts.Stages = slices.Clone(opts.Stages)
	return c.call(ctx, func() error { return c.beginRun(runID, opts) })
}

// Dispose unregisters a run's listeners, cancels its pending renders and
// discards its state. It is idempotent and safe for runs never begun.
func (c *Coordinator) Dispose(ctx context.Context, runID string) error {
	err := c.call(ctx, func() error {
		c.dispose(runID)
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Deliver validates evt and queues it for the loop. Events are applied in
// delivery order.
func (c *Coordinator) Deliver(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		c.warnDrop("discarding invalid progress event", zap.Error(err))
		return err
	}
	if evt.TS.IsZero() {
		evt.TS = c.clock.Now()
	}
	return c.post(ctx, func() { c.handle(evt) })
}

// Reattach re-registers every listener in the registration table and returns
// once they are in place. Channels call it after reconnecting; run state is
// untouched. It must not be called from a channel Handler.
func (c *Coordinator) Reattach(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.reattach()
		return nil
	})
}

// Snapshot returns a copy of the run's latest state.
func (c *Coordinator) Snapshot(runID string) (Snapshot, bool) {
	v, ok := c.published.Load(runID)
	if !ok {
		return Snapshot{}, false
	}
	return v.(publishedRun).snap.Clone(), true
}

// Runs lists live run ids in sorted order.
func (c *Coordinator) Runs() []string {
	var ids []string
	c.published.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// Sync blocks until every event queued before the call has been applied and
// the resulting updates have reached sinks and callbacks. Pending debounce
// windows are not forced.
func (c *Coordinator) Sync(ctx context.Context) error {
	if err := c.call(ctx, func() error { return nil }); err != nil {
		return err
	}
	done := make(chan struct{})
	c.out.push(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-c.out.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("progress coordinator sync: %w", ctx.Err())
	}
}

// Close flushes pending renders, disposes every run, drains callbacks and
// closes sinks. It is safe to call multiple times.
func (c *Coordinator) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
	})
	select {
	case <-c.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("progress coordinator close wait: %w", ctx.Err())
	}
	c.out.close()
	select {
	case <-c.out.done:
	case <-ctx.Done():
		return fmt.Errorf("progress coordinator drain wait: %w", ctx.Err())
	}
	c.sinkOnce.Do(func() { c.closeSinks(ctx) })
	return nil
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.stopCh:
			c.drain()
			return
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		default:
			for id, rs := range c.runs {
				rs.emitter.Flush()
				c.dispose(id)
			}
			return
		}
	}
}

func (c *Coordinator) post(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.inbox <- fn:
		return nil
	case <-c.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("progress coordinator post: %w", ctx.Err())
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan error, 1)
	if err := c.post(ctx, func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-c.doneCh:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return fmt.Errorf("progress coordinator call: %w", ctx.Err())
	}
}

func (c *Coordinator) beginRun(runID string, opts RunOptions) error {
	if _, ok := c.runs[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	c.epoch++
	rs := &runState{
		agg:      NewRunAggregate(runID, opts.Stages, c.clock.Now()),
		opts:     opts,
		epoch:    c.epoch,
		declared: make(map[string]struct{}, len(opts.Stages)),
	}
	for _, stage := range rs.agg.StageIDs() {
		rs.declared[stage] = struct{}{}
	}
	rs.emitter = NewEmitter(c.window, loopScheduler{c: c}, func(_ string, st StageState) {
		c.emitStage(rs, st)
	})
	rs.gate = NewGate(func(snap Snapshot) { c.finish(rs, snap) }, c.cfg.Development, c.logger)
	if err := c.listen(rs); err != nil {
		c.unlisten(runID)
		return err
	}
	c.runs[runID] = rs
	c.publish(rs)
	c.logger.Debug("run registered",
		zap.String("run_id", runID),
		zap.Strings("stages", rs.agg.StageIDs()),
	)
	return nil
}

func (c *Coordinator) dispose(runID string) {
	rs, ok := c.runs[runID]
	if !ok {
		return
	}
	rs.emitter.Stop()
	c.unlisten(runID)
	rs.agg.disposed = true
	delete(c.runs, runID)
	c.published.Delete(runID)
	c.deliver(rs, Update{Kind: UpdateDisposed, RunID: runID, Snapshot: rs.agg.Snapshot()}, nil)
	c.logger.Debug("run disposed", zap.String("run_id", runID))
}

func (c *Coordinator) handle(evt Event) {
	rs, ok := c.runs[evt.RunID]
	if !ok {
		c.warnDrop("dropping event for unknown run",
			zap.String("run_id", evt.RunID),
			zap.String("event", evt.Name()),
		)
		return
	}
	tracker, ok := rs.agg.Tracker(evt.Stage)
	if !ok {
		if evt.Kind != KindError {
			c.warnDrop("dropping event for unknown stage",
				zap.String("run_id", evt.RunID),
				zap.String("event", evt.Name()),
			)
			return
		}
		tracker = rs.agg.registerImplicit(evt.Stage)
	}
	outcome := tracker.Apply(evt)
	if !outcome.Accepted() {
		c.logger.Debug("progress event not applied",
			zap.String("run_id", evt.RunID),
			zap.String("event", evt.Name()),
			zap.String("status", string(tracker.Status())),
		)
		return
	}
	rs.agg.touch(evt.TS)
	c.publish(rs)
	rs.emitter.Emit(tracker.ID(), tracker.State(), outcome == OutcomeTerminal)
	rs.gate.Reevaluate(rs.agg)
}

func (c *Coordinator) reattach() {
	if c.cfg.Channel == nil {
		return
	}
	for key, sub := range c.table {
		if sub != nil {
			sub.Unsubscribe()
		}
		rs, ok := c.runs[key.runID]
		if !ok {
			delete(c.table, key)
			continue
		}
		fresh, err := c.subscribe(key, rs.declared)
		if err != nil {
			c.logger.Warn("progress listener resubscribe failed",
				zap.String("run_id", key.runID),
				zap.String("event", EventName(key.stage, key.kind)),
				zap.Error(err),
			)
			c.table[key] = nil
			continue
		}
		c.table[key] = fresh
	}
	c.logger.Info("progress listeners reattached", zap.Int("listeners", len(c.table)))
}

// listen registers one listener per (stage, kind) plus the run's catch-all
// error route.
func (c *Coordinator) listen(rs *runState) error {
	if c.cfg.Channel == nil {
		return nil
	}
	runID := rs.agg.ID()
	keys := make([]listenerKey, 0, len(rs.declared)*len(Kinds)+1)
	for _, stage := range rs.agg.StageIDs() {
		for _, kind := range Kinds {
			keys = append(keys, listenerKey{runID: runID, stage: stage, kind: kind})
		}
	}
	keys = append(keys, listenerKey{runID: runID, kind: KindError})
	for _, key := range keys {
		sub, err := c.subscribe(key, rs.declared)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", EventName(key.stage, key.kind), err)
		}
		c.table[key] = sub
	}
	return nil
}

func (c *Coordinator) subscribe(key listenerKey, declared map[string]struct{}) (Subscription, error) {
	if key.stage != "" {
		return c.cfg.Channel.Subscribe(EventName(key.stage, key.kind), c.handlerFor(key))
	}
	return c.cfg.Channel.SubscribeKind(key.kind, c.errorRoute(key.runID, declared))
}

func (c *Coordinator) unlisten(runID string) {
	for key, sub := range c.table {
		if key.runID != runID {
			continue
		}
		if sub != nil {
			sub.Unsubscribe()
		}
		delete(c.table, key)
	}
}

// handlerFor decodes payloads on the transport goroutine and forwards events
// addressed to the listener's run.
func (c *Coordinator) handlerFor(key listenerKey) Handler {
	name := EventName(key.stage, key.kind)
	return func(payload []byte) {
		evt, err := DecodeEvent(name, payload, c.clock.Now())
		if err != nil {
			c.warnDrop("discarding undecodable progress event", zap.String("event", name), zap.Error(err))
			return
		}
		if evt.RunID == "" {
			c.warnDrop("discarding progress event without run id", zap.String("event", name))
			return
		}
		if evt.RunID != key.runID {
			return
		}
		if err := c.Deliver(c.cfg.BaseContext, evt); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("progress event delivery failed", zap.String("event", name), zap.Error(err))
		}
	}
}

// errorRoute forwards error events for stages the run never declared; the
// loop registers them as implicit stages. Declared stages have their own
// listeners. declared must not be mutated after the route is built.
func (c *Coordinator) errorRoute(runID string, declared map[string]struct{}) KindHandler {
	return func(name string, payload []byte) {
		stage, kind, err := ParseEventName(name)
		if err != nil || kind != KindError {
			return
		}
		if _, ok := declared[stage]; ok {
			return
		}
		evt, err := DecodeEvent(name, payload, c.clock.Now())
		if err != nil || evt.RunID != runID {
			return
		}
		if err := c.Deliver(c.cfg.BaseContext, evt); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("progress event delivery failed", zap.String("event", name), zap.Error(err))
		}
	}
}

func (c *Coordinator) publish(rs *runState) {
	c.published.Store(rs.agg.ID(), publishedRun{snap: rs.agg.Snapshot(), epoch: rs.epoch})
}

func (c *Coordinator) live(runID string, epoch uint64) bool {
	v, ok := c.published.Load(runID)
	return ok && v.(publishedRun).epoch == epoch
}

func (c *Coordinator) emitStage(rs *runState, st StageState) {
	stage := st
	c.deliver(rs, Update{
		Kind:     UpdateStage,
		RunID:    rs.agg.ID(),
		Stage:    &stage,
		Snapshot: rs.agg.Snapshot(),
	}, rs.opts.OnUpdate)
}

func (c *Coordinator) finish(rs *runState, snap Snapshot) {
	c.publish(rs)
	c.logger.Info("run finished",
		zap.String("run_id", snap.RunID),
		zap.String("outcome", string(snap.Outcome())),
		zap.Any("totals", snap.Totals),
	)
	c.deliver(rs, Update{Kind: UpdateFinished, RunID: snap.RunID, Snapshot: snap}, rs.opts.OnTerminal)
}

// deliver queues sink calls and an optional per-run callback on the outbox.
// Render callbacks are skipped once the run has been disposed; the terminal
// action is not, because the gate fired before the disposal.
func (c *Coordinator) deliver(rs *runState, update Update, fn UpdateFunc) {
	runID, epoch := rs.agg.ID(), rs.epoch
	guard := update.Kind == UpdateStage
	c.out.push(func() {
		c.consume(update)
		if fn == nil {
			return
		}
		if guard && !c.live(runID, epoch) {
			return
		}
		fn(c.cfg.BaseContext, update.Snapshot.Clone())
	})
}

func (c *Coordinator) consume(update Update) {
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.cfg.BaseContext, c.cfg.SinkTimeout)
		if err := sink.Consume(ctx, update); err != nil {
			c.logger.Warn("progress sink consume failed",
				zap.String("run_id", update.RunID),
				zap.String("kind", string(update.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (c *Coordinator) closeSinks(ctx context.Context) {
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			c.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) warnDrop(msg string, fields ...zap.Field) {
	c.dropped.Add(1)
	if c.dropLimiter.Allow(c.clock.Now()) {
		count := c.dropped.Swap(0)
		c.logger.Warn(msg, append(fields, zap.Int64("dropped", count))...)
	}
}

// loopScheduler runs debounce callbacks on the event loop.
type loopScheduler struct {
	c *Coordinator
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return s.c.cfg.Scheduler.AfterFunc(d, func() {
		_ = s.c.post(s.c.cfg.BaseContext, f)
	})
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
