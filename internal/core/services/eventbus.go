package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/tunelab/internal/core/domain"
)

type EventType string

const (
	EventTypeState   EventType = "state"
	EventTypeMetric  EventType = "metric"
	EventTypeWarning EventType = "warning"
)

// Event is one controller notification: a state transition, a metric
// update, or a non-fatal warning.
type Event struct {
	Topic     string               `json:"-"`
	Type      EventType            `json:"type"`
	State     domain.JobState      `json:"state"`
	Handle    domain.JobHandle     `json:"job_id,omitempty"`
	Sample    *domain.MetricSample `json:"sample,omitempty"`
	Progress  float64              `json:"progress"`
	Error     string               `json:"error,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

const (
	subscriberBuffer = 100
	maxEvictions     = 4
)

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: topic
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a topic
func (b *EventBus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer) // Buffer to prevent blocking publisher
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[topic]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[topic] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the topic. It never blocks.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.Topic]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
			continue
		default:
		}

		if e.Type != EventTypeState {
			// If channel is full, drop event to prevent blocking the controller
			b.logger.Warn("event bus channel full, dropping event", "topic", e.Topic, "type", e.Type)
			continue
		}
		b.forceSend(ch, e)
	}
}

// forceSend makes room for a state event by evicting the oldest buffered
// events, so a slow subscriber always learns the latest state.
func (b *EventBus) forceSend(ch chan Event, e Event) {
	for i := 0; i < maxEvictions; i++ {
		select {
		case old := <-ch:
			b.logger.Warn("event bus channel full, evicting oldest event", "topic", e.Topic, "type", old.Type)
		default:
		}
		select {
		case ch <- e:
			return
		default:
		}
	}
	b.logger.Error("event bus could not deliver state event", "topic", e.Topic, "state", e.State)
}
