package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualScheduler hands out timers that only fire when the test says so.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// FireAll runs every live timer and reports how many fired.
func (s *manualScheduler) FireAll() int {
	s.mu.Lock()
	var due []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// Active counts timers that are scheduled and not yet stopped or fired.
func (s *manualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Created counts every timer ever scheduled.
func (s *manualScheduler) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// last returns the most recently scheduled timer's callback, bypassing Stop.
func (s *manualScheduler) last() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1].f
}

type fakeChannel struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]Handler
	kinds    map[Kind]map[int]KindHandler
	hooks    []func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[string]map[int]Handler),
		kinds:    make(map[Kind]map[int]KindHandler),
	}
}

type fakeSubscription struct {
	ch    *fakeChannel
	event string
	kind  Kind
	id    int
}

func (f *fakeChannel) Subscribe(event string, h Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]Handler)
	}
	f.handlers[event][f.next] = h
	return fakeSubscription{ch: f, event: event, id: f.next}, nil
}

func (f *fakeChannel) SubscribeKind(kind Kind, h KindHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.kinds[kind] == nil {
		f.kinds[kind] = make(map[int]KindHandler)
	}
	f.kinds[kind][f.next] = h
	return fakeSubscription{ch: f, kind: kind, id: f.next}, nil
}

func (s fakeSubscription) Unsubscribe() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if s.kind != "" {
		delete(s.ch.kinds[s.kind], s.id)
		return
	}
	delete(s.ch.handlers[s.event], s.id)
}

func (f *fakeChannel) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeChannel) Publish(event, payload string) {
	f.mu.Lock()
	var hs []Handler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	var ks []KindHandler
	if _, kind, err := ParseEventName(event); err == nil {
		for _, h := range f.kinds[kind] {
			ks = append(ks, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h([]byte(payload))
	}
	for _, h := range ks {
		h(event, []byte(payload))
	}
}

// Reconnect drops every handler, as a real transport does on a new
// connection, then runs the reconnect hooks.
func (f *fakeChannel) Reconnect() {
	f.mu.Lock()
	f.handlers = make(map[string]map[int]Handler)
	f.kinds = make(map[Kind]map[int]KindHandler)
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeChannel) Listeners(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeChannel) KindListeners(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds[kind])
}

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func (s *recordingSink) Kinds(kind UpdateKind) []Update {
	var out []Update
	for _, u := range s.Updates() {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func (s *recordingSink) StageUpdates(stage string) []StageState {
	var out []StageState
	for _, u := range s.Kinds(UpdateStage) {
		if u.Stage != nil && u.Stage.ID == stage {
			out = append(out, *u.Stage)
		}
	}
	return out
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// snapshotRecorder collects callback snapshots.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) Record(_ context.Context, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *snapshotRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func newTestCoordinator(t *testing.T, cfg Config, sinks ...Sink) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, sinks...)
	t.Cleanup(func() {
		require.NoError(t, c.Close(context.Background()))
	})
	return c
}

func mustDeliver(t *testing.T, c *Coordinator, name, payload string) {
	t.Helper()
	evt, err := DecodeEvent(name, []byte(payload), time.Time{})
	require.NoError(t, err)
	require.NoError(t, c.Deliver(context.Background(), evt))
}

func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Sync(ctx))
}

// stepClock is a Clock the test moves by hand.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func intPtr(v int) *int {
	return &v
}
