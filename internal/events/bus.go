// Package events provides the in-process observer bus used by the pipeline
// components. Subscribers register at wiring time; deliveries are
// non-blocking with drop-oldest semantics on overflow so emitters never
// stall an ingest loop.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type names an event stream on the bus.
type Type string

const (
	TypeValidationPassed   Type = "validation.passed"
	TypeValidationFailed   Type = "validation.failed"
	TypeValidationCritical Type = "validation.critical"
	TypeCacheHit           Type = "cache.hit"
	TypeCacheMiss          Type = "cache.miss"
	TypeWarmerError        Type = "warmer.error"
	TypeSourceFailover     Type = "failover.switch"
	TypeSourceRecovered    Type = "failover.recovered"
	TypeAdapterHealth      Type = "adapter.health"
)

// Event is one delivery. Payload shape is per-type and owned by the emitter.
type Event struct {
	Type      Type
	Source    string
	Payload   interface{}
	Timestamp time.Time
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to registered subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]*subscriber
	bufSize int
	dropped int64
}

// NewBus creates a bus whose per-subscriber buffers hold bufSize events.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[Type][]*subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers a listener for the given types and returns its channel.
// The channel is closed by Close, never by the subscriber.
func (b *Bus) Subscribe(types ...Type) <-chan Event {
	sub := &subscriber{ch: make(chan Event, b.bufSize)}
	b.mu.Lock()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	b.mu.Unlock()
	return sub.ch
}

// Publish delivers the event to all subscribers of its type. When a
// subscriber's buffer is full the oldest pending event is dropped.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := b.subs[evt.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch: // drop oldest
				b.mu.Lock()
				b.dropped++
				b.mu.Unlock()
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				log.Warn().Str("type", string(evt.Type)).Msg("event dropped, subscriber buffer full")
			}
		}
	}
}

// Dropped reports how many events were discarded due to slow subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish must not be called after
// Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[*subscriber]bool)
	for _, subs := range b.subs {
		for _, sub := range subs {
			if !seen[sub] {
				close(sub.ch)
				seen[sub] = true
			}
		}
	}
	b.subs = make(map[Type][]*subscriber)
}
