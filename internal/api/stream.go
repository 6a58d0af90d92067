package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

const streamWriteTimeout = 5 * time.Second

// Hub is a progress.Sink that fans snapshots out to live stream clients.
// Slow clients only ever see the newest snapshot.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*streamSub]struct{}
	closed bool
}

type streamSub struct {
	runID string
	ch    chan progress.Snapshot
	done  bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*streamSub]struct{})}
}

// Consume forwards the update's snapshot to every stream of its run. A
// finished or disposed run ends its streams.
func (h *Hub) Consume(_ context.Context, update progress.Update) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	end := update.Kind == progress.UpdateFinished || update.Kind == progress.UpdateDisposed
	for sub := range h.subs[update.RunID] {
		if update.Kind != progress.UpdateDisposed {
			sub.offer(update.Snapshot)
		}
		if end {
			sub.end()
		}
	}
	if end {
		delete(h.subs, update.RunID)
	}
	return nil
}

// Close ends every stream.
func (h *Hub) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for sub := range subs {
			sub.end()
		}
	}
	h.subs = make(map[string]map[*streamSub]struct{})
	h.closed = true
	return nil
}

// Streams counts open streams for runID.
func (h *Hub) Streams(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) subscribe(runID string) *streamSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &streamSub{runID: runID, ch: make(chan progress.Snapshot, 1)}
	if h.closed {
		sub.end()
		return sub
	}
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*streamSub]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *streamSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.runID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.runID)
		}
	}
}

// offer and end are called with the hub lock held.
func (s *streamSub) offer(snap progress.Snapshot) {
	if s.done {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *streamSub) end() {
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

// streamRun handles GET /v1/runs/{run_id}/stream. It upgrades to a websocket,
// sends the current snapshot, then every update until the run is terminal or
// disposed, and closes normally.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	sub := s.deps.Hub.subscribe(runID)
	defer s.deps.Hub.unsubscribe(sub)

	snap, ok := s.deps.Coordinator.Snapshot(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamOpened()
		defer s.deps.Metrics.StreamClosed()
	}

	// Drain client frames so close frames and dead peers are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		if err := s.writeSnapshot(conn, snap); err != nil {
			s.logger.Debug("stream write failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		if snap.Terminal {
			closeStream(conn, "run finished")
			return
		}
		select {
		case next, open := <-sub.ch:
			if !open {
				closeStream(conn, "run ended")
				return
			}
			snap = next
		case <-gone:
			return
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, snap progress.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(map[string]any{"type": "snapshot", "run": s.toRunDTO(snap)})
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
