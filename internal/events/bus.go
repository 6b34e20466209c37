package events

import (
	"encoding/json"
	"log"
	"sync"
)

// Bus is an in-process pub/sub fan-out for operational events. The
// aggregator mirrors every notification onto the bus so live consumers
// (WebSocket stream, tests) can observe traffic without touching Teams.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a bus with a 100-event buffer per subscriber.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types.
// Pass no types to receive everything.
func (b *Bus) Subscribe(types ...EventType) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[t] = filtered
	}

	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to all matching subscribers. Sends never
// block; a full subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit constructs and publishes an event in one call.
func (b *Bus) Emit(eventType EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority Priority) {
	b.Publish(New(eventType, correlationID, data, stakeholders, priority))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// MarshalEvent serializes an event for pub/sub transport.
func MarshalEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}
