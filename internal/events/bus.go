// Package events is the in-process bus between pipeline stages. Queues are
// bounded: a slow subscriber loses events rather than stalling a request.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/metrics"
)

// DefaultBuffer is the queue length used when Subscribe is given zero.
const DefaultBuffer = 256

type SubscriberID string

type subscriber struct {
	id     SubscriberID
	ch     chan Event
	topics map[Topic]bool
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]*subscriber
	log         *zap.Logger
	metrics     *metrics.Metrics
}

func NewBus(log *zap.Logger, m *metrics.Metrics) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[SubscriberID]*subscriber),
		log:         log.With(zap.String("component", "events")),
		metrics:     m,
	}
}

// Subscribe registers a queue of the given size for topics. No topics means
// every topic.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (SubscriberID, <-chan Event) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{
		id:     SubscriberID(uuid.Must(uuid.NewV7()).String()),
		ch:     make(chan Event, buffer),
		topics: make(map[Topic]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	n := len(b.subscribers)
	b.mu.Unlock()

	b.log.Debug("subscribed", zap.String("subscriber_id", string(sub.id)), zap.Int("total", n))
	return sub.id, sub.ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(id SubscriberID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return false
	}
	delete(b.subscribers, id)
	close(sub.ch)
	return true
}

// Publish hands ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.wants(ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if b.metrics != nil {
				b.metrics.BusDropped.WithLabelValues(string(ev.Topic)).Inc()
			}
			b.log.Debug("subscriber queue full", zap.String("subscriber_id", string(id)), zap.String("topic", string(ev.Topic)))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
