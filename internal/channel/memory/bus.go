// Package memory implements an in-process push channel. The HTTP ingest
// endpoint and the replay command publish onto it.
package memory

import (
	"github.com/JakeFAU/progress-coordinator/internal/channel"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

// Bus delivers published payloads synchronously to subscribed handlers.
type Bus struct {
	registry *channel.Registry
	hooks    channel.Hooks
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{registry: channel.NewRegistry()}
}

// Subscribe registers h for event.
func (b *Bus) Subscribe(event string, h progress.Handler) (progress.Subscription, error) {
	return b.registry.Subscribe(event, h)
}

// SubscribeKind registers h for every event of kind.
func (b *Bus) SubscribeKind(kind progress.Kind, h progress.KindHandler) (progress.Subscription, error) {
	return b.registry.SubscribeKind(kind, h)
}

// Publish delivers payload to every handler for event and reports how many
// handlers ran. Nobody listening is not an error.
func (b *Bus) Publish(event string, payload []byte) int {
	return b.registry.Dispatch(event, payload)
}

// OnReconnect registers a hook run after Reconnect.
func (b *Bus) OnReconnect(fn func()) {
	b.hooks.OnReconnect(fn)
}

// Reconnect simulates a transport reconnect: all handlers are dropped and the
// reconnect hooks run.
func (b *Bus) Reconnect() {
	b.registry.Reset()
	b.hooks.Fire()
}

// Listeners counts handlers registered for event.
func (b *Bus) Listeners(event string) int {
	return b.registry.Listeners(event)
}
