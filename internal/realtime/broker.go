package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel size used when Subscribe is
// given a non-positive buffer.
const DefaultBuffer = 16

// Broker is an in-process topic pub/sub. Publish never blocks: a subscriber
// whose buffer is full misses that event, and the drop is logged.
type Broker struct {
	origin string
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[uint64]chan Event
	nextID uint64
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		origin: uuid.NewString(),
		logger: logger,
		topics: make(map[string]map[uint64]chan Event),
	}
}

// Origin identifies this broker instance in events it stamps.
func (b *Broker) Origin() string {
	return b.origin
}

// Stamp fills in ID, Origin and At where they are empty.
func (b *Broker) Stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// Publish stamps ev and delivers it to the topic's local subscribers.
func (b *Broker) Publish(_ context.Context, ev Event) {
	b.Deliver(b.Stamp(ev))
}

// Deliver hands an already-stamped event to local subscribers.
func (b *Broker) Deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.topics[ev.Topic] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				slog.String("topic", ev.Topic),
				slog.String("kind", string(ev.Kind)),
				slog.Uint64("subscriber", id),
			)
		}
	}
}

// Subscribe registers a listener on topic. The returned cancel function
// unregisters it and closes the channel; calling it more than once is safe.
func (b *Broker) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]chan Event)
		b.topics[topic] = subs
	}
	subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.topics[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
