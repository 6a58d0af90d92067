// Package channel holds the handler registry shared by the push-channel
// transports. Each transport dispatches raw payloads by wire event name.
package channel

import (
	"sync"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

// Registry maps event names to handlers. It is safe for concurrent use;
// handlers are invoked without the lock held so they may subscribe or
// unsubscribe.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]progress.Handler
	kinds    map[progress.Kind]map[uint64]progress.KindHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]map[uint64]progress.Handler),
		kinds:    make(map[progress.Kind]map[uint64]progress.KindHandler),
	}
}

type subscription struct {
	r     *Registry
	event string
	id    uint64
	once  sync.Once
}

type kindSubscription struct {
	r    *Registry
	kind progress.Kind
	id   uint64
	once sync.Once
}

// Unsubscribe removes the kind handler.
func (s *kindSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()
		if hs, ok := s.r.kinds[s.kind]; ok {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(s.r.kinds, s.kind)
			}
		}
	})
}

// Unsubscribe removes the handler. Calling it again, or after Reset, is a
// no-op.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()
		if hs, ok := s.r.handlers[s.event]; ok {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(s.r.handlers, s.event)
			}
		}
	})
}

// Subscribe registers h for event.
func (r *Registry) Subscribe(event string, h progress.Handler) (progress.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[uint64]progress.Handler)
	}
	r.handlers[event][r.next] = h
	return &subscription{r: r, event: event, id: r.next}, nil
}

// SubscribeKind registers h for every well-formed event name of kind.
func (r *Registry) SubscribeKind(kind progress.Kind, h progress.KindHandler) (progress.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	if r.kinds[kind] == nil {
		r.kinds[kind] = make(map[uint64]progress.KindHandler)
	}
	r.kinds[kind][r.next] = h
	return &kindSubscription{r: r, kind: kind, id: r.next}, nil
}

// Dispatch calls every handler for event, then every kind handler matching
// the event's kind, and reports how many ran.
func (r *Registry) Dispatch(event string, payload []byte) int {
	r.mu.RLock()
	hs := make([]progress.Handler, 0, len(r.handlers[event]))
	for _, h := range r.handlers[event] {
		hs = append(hs, h)
	}
	var ks []progress.KindHandler
	if _, kind, err := progress.ParseEventName(event); err == nil {
		for _, h := range r.kinds[kind] {
			ks = append(ks, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
	for _, h := range ks {
		h(event, payload)
	}
	return len(hs) + len(ks)
}

// Reset drops every handler, as a transport does when its connection is
// replaced.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]map[uint64]progress.Handler)
	r.kinds = make(map[progress.Kind]map[uint64]progress.KindHandler)
}

// Listeners counts handlers registered for event.
func (r *Registry) Listeners(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Hooks holds reconnect callbacks.
type Hooks struct {
	mu  sync.Mutex
	fns []func()
}

// OnReconnect registers fn.
func (h *Hooks) OnReconnect(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

// Fire runs every hook in registration order, without the lock held.
func (h *Hooks) Fire() {
	h.mu.Lock()
	fns := append([]func(){}, h.fns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
