package progress

import "context"

// UpdateKind says why a Sink is being called.
type UpdateKind string

// Update kinds delivered to sinks.
const (
	// UpdateStage carries a (possibly coalesced) stage change.
	UpdateStage UpdateKind = "stage"
	// UpdateFinished is delivered once when the completion gate fires.
	UpdateFinished UpdateKind = "finished"
	// UpdateDisposed is delivered when a run is torn down.
	UpdateDisposed UpdateKind = "disposed"
)

// Update is one rendering notification.
type Update struct {
	Kind  UpdateKind
	RunID string
	// Stage is set for UpdateStage only.
	Stage *StageState
	// Snapshot is the run state when the update was emitted.
	Snapshot Snapshot
}

// Sink consumes updates for every run. Implementations must tolerate
// repeated identical snapshots and honor ctx deadlines. Calls for one
// Coordinator are made sequentially, in emission order.
type Sink interface {
	Consume(ctx context.Context, update Update) error
	Close(ctx context.Context) error
}

// Handler receives a raw payload for one subscribed event name.
type Handler func(payload []byte)

// KindHandler receives every event of one kind along with its wire name.
type KindHandler func(event string, payload []byte)

// Subscription is a registered channel listener.
type Subscription interface {
	Unsubscribe()
}

// Channel is the push transport the Coordinator listens on.
type Channel interface {
	Subscribe(event string, h Handler) (Subscription, error)
	// SubscribeKind registers h for every event of kind, whatever its stage.
	SubscribeKind(kind Kind, h KindHandler) (Subscription, error)
}

// Reconnector is implemented by channels that drop their listeners when the
// underlying connection is re-established.
type Reconnector interface {
	OnReconnect(fn func())
}

// Deliverer accepts decoded events; Coordinator satisfies it so transports
// and HTTP ingestion stay agnostic of the event loop.
type Deliverer interface {
	Deliver(ctx context.Context, evt Event) error
}
