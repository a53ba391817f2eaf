// Package events provides an in-process broadcast bus for sandbox lifecycle
// events. The HTTP gateway streams it to WebSocket subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the lifecycle manager.
const (
	TypeDiscovered  = "discovered"
	TypeStarted     = "started"
	TypeStopped     = "stopped"
	TypeStartFailed = "start_failed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. The timestamp is stamped here if
// the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				slog.String("type", ev.Type),
				slog.String("sandbox_id", ev.SandboxID),
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
