// Package broadcast delivers topic messages between sessions. A Bus fans a
// publish out to local subscribers and hands it to a Relay, which carries it
// to other workers or hosts.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/mobius/internal/codec"
	"github.com/AltairaLabs/mobius/internal/observability"
)

// Handler receives a published payload
type Handler func(topic string, payload any)

// Relay forwards publishes beyond this process
type Relay interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is a process-local topic router
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	relay  Relay
	logger *slog.Logger
}

// NewBus creates a bus without a relay
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[uint64]Handler),
		logger: logger,
	}
}

// SetRelay installs the relay publishes are forwarded to
func (b *Bus) SetRelay(relay Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = relay
}

// Subscribe registers h for topic and returns a function that removes it
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Subscribers returns the number of handlers registered for topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers payload to local subscribers, then to the relay
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	normalized, err := codec.Normalize(payload)
	if err != nil {
		return fmt.Errorf("failed to normalize broadcast payload: %w", err)
	}
	b.Deliver(topic, normalized)
	observability.RecordBroadcast("local")

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay == nil {
		return nil
	}
	if err := relay.Publish(ctx, topic, normalized); err != nil {
		return fmt.Errorf("failed to relay broadcast: %w", err)
	}
	return nil
}

// Deliver hands payload to local subscribers only. Relays call it for
// messages that arrive from elsewhere.
func (b *Bus) Deliver(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// Fanout is a relay that forwards to several relays
type Fanout []Relay

// Publish forwards to every relay and returns the first error
func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var first error
	for _, r := range f {
		if err := r.Publish(ctx, topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
