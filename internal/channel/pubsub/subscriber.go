// Package pubsub is a push channel fed by a Google Cloud Pub/Sub
// subscription. Each message is one progress event: the wire name comes from
// the "event" attribute, or from an envelope in the message body.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/channel"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

// EventAttribute is the message attribute carrying the wire event name.
const EventAttribute = "event"

// Subscriber receives from a subscription and dispatches to handlers.
type Subscriber struct {
	sub      *pubsub.Subscription
	registry *channel.Registry
	hooks    channel.Hooks
	logger   *zap.Logger
}

// NewSubscriber wraps sub. A nil logger disables logging. Callbacks are
// serialized so events are dispatched in the order the subscription hands
// them out; enable message ordering on the subscription, keyed by run id, to
// make that the publish order.
func NewSubscriber(sub *pubsub.Subscription, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sub != nil {
		sub.ReceiveSettings.NumGoroutines = 1
		sub.ReceiveSettings.MaxOutstandingMessages = 1
	}
	return &Subscriber{sub: sub, registry: channel.NewRegistry(), logger: logger}
}

// Subscribe registers h for event.
func (s *Subscriber) Subscribe(event string, h progress.Handler) (progress.Subscription, error) {
	return s.registry.Subscribe(event, h)
}

// SubscribeKind registers h for every event of kind.
func (s *Subscriber) SubscribeKind(kind progress.Kind, h progress.KindHandler) (progress.Subscription, error) {
	return s.registry.SubscribeKind(kind, h)
}

// OnReconnect registers fn. Pub/Sub streaming pull keeps subscriptions across
// stream restarts, so hooks only run when Run starts a fresh Receive.
func (s *Subscriber) OnReconnect(fn func()) {
	s.hooks.OnReconnect(fn)
}

// Run receives until ctx is cancelled. Messages are acked once dispatched;
// undecodable messages are acked and dropped since redelivery cannot fix them.
func (s *Subscriber) Run(ctx context.Context) error {
	s.hooks.Fire()
	err := s.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		event, payload, err := split(msg)
		if err != nil {
			s.logger.Warn("dropping pubsub message", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		if n := s.registry.Dispatch(event, payload); n == 0 {
			s.logger.Debug("no listener for event", zap.String("event", event))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive from %s: %w", s.sub.ID(), err)
	}
	return nil
}

func split(msg *pubsub.Message) (string, []byte, error) {
	if event := msg.Attributes[EventAttribute]; event != "" {
		return event, msg.Data, nil
	}
	var env progress.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return "", nil, errors.New("message has no event name")
	}
	return env.Event, env.Data, nil
}
