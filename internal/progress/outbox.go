package progress

import (
	"sync"

	"go.uber.org/zap"
)

// outbox runs sink and callback work in FIFO order on its own goroutine so
// the event loop never blocks on rendering and callbacks may call back into
// the Coordinator.
type outbox struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	done chan struct{}
}

func newOutbox(logger *zap.Logger) *outbox {
	o := &outbox{logger: logger, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push never blocks. Work pushed after close is discarded.
func (o *outbox) push(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, fn)
	o.cond.Signal()
}

// close lets queued work finish, then stops the goroutine.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.invoke(fn)
	}
}

func (o *outbox) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("progress callback panicked", zap.Any("panic", rec))
		}
	}()
	fn()
}
