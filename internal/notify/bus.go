// Package notify provides an in-process pub/sub bus for rollup and catalog
// change events, used for cache invalidation and snapshot refresh.
package notify

import (
	"sync"
	"time"
)

// EventKind identifies the kind of change an event announces.
type EventKind int

const (
	RollupReady EventKind = iota
	RollupStale
	CatalogChanged
)

// String returns the wire/log name of the event kind.
func (k EventKind) String() string {
	switch k {
	case RollupReady:
		return "rollup_ready"
	case RollupStale:
		return "rollup_stale"
	case CatalogChanged:
		return "catalog_changed"
	default:
		return "unknown"
	}
}

// Event is a single change announcement. RollupID and Table are set for
// rollup events; catalog events carry only the source table.
type Event struct {
	Kind      EventKind
	RollupID  string
	Table     string
	Timestamp int64
}

// Bus is an in-process pub/sub bus with bounded per-subscriber buffers.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
}

// NewBus creates a bus. Each subscriber gets a channel of bufferSize.
func NewBus(bufferSize int) *Bus {
	return &Bus{bufferSize: bufferSize}
}

// Publish delivers the event to every matching subscriber.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	b.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscription)
		if sub.matches(ev.Kind) {
			select {
			case sub.Ch <- ev:
			default:
				// Channel full - drop event, never block the publisher
			}
		}
		return true
	})
}

// Subscribe registers a subscriber under the given ID. An empty kinds list
// receives every event. A second Subscribe with the same ID replaces the
// first without closing its channel; use distinct IDs per consumer.
func (b *Bus) Subscribe(id string, kinds ...EventKind) *Subscription {
	sub := &Subscription{
		ID:    id,
		Kinds: kinds,
		Ch:    make(chan Event, b.bufferSize),
	}
	b.subscribers.Store(id, sub)
	return sub
}

// SubscribeAutoID registers a subscriber with a generated ID and returns
// its channel. Intended for short-lived consumers such as tests.
func (b *Bus) SubscribeAutoID(kinds ...EventKind) chan Event {
	return b.Subscribe(generateSubscriberID(), kinds...).Ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscription).Ch)
	}
}

// Subscription is a registered consumer of bus events.
type Subscription struct {
	ID    string
	Kinds []EventKind
	Ch    chan Event
}

func (s *Subscription) matches(kind EventKind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func generateSubscriberID() string {
	return "sub_" + time.Now().Format("20060102150405.000000000")
}
