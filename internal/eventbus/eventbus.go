// Package eventbus is the in-process publish/subscribe backbone described
// in spec.md §2 and §5: the Monitor publishes priceUpdate/delta, the
// Detector subscribes and publishes opportunityFound/opportunityRejected,
// and the orchestrator fans those into reporting or execution paths. All
// state mutation stays inside the owning component; the bus only carries
// messages between them.
package eventbus

import (
	"sync"

	"github.com/ChoSanghyuk/arbengine/pkg/logger"
	"go.uber.org/zap"
)

// Event names, per spec.md §6 "Events (logical, not wire)".
const (
	TopicPriceUpdate         = "priceUpdate"
	TopicDelta               = "delta"
	TopicOpportunityFound    = "opportunityFound"
	TopicOpportunityRejected = "opportunityRejected"
	TopicSubmitted           = "submitted"
	TopicConfirmed           = "confirmed"
	TopicReverted            = "reverted"
	TopicStale               = "stale"
	TopicError               = "error"
	TopicStatus              = "status"
	TopicWSConnected         = "ws:connected"
	TopicWSDisconnected      = "ws:disconnected"
	TopicWSReconnecting      = "ws:reconnecting"
)

// Event is one message carried on the bus. Payload's concrete type is
// documented per topic by the publishing component (e.g. arb.PriceSnapshot
// for TopicPriceUpdate).
type Event struct {
	Topic   string
	Payload interface{}
}

const defaultBufferSize = 64

// Bus is a non-blocking, multi-subscriber, multi-topic publish/subscribe
// hub. A full subscriber channel drops the new event rather than blocking
// the publisher, matching the "channel full → drop with warning" policy
// used for the opportunity pipeline.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]chan Event
	bufferSize int
	log        *logger.Logger
}

// New builds a Bus. log may be nil, in which case dropped events are not
// logged.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{
		subs:       make(map[string][]chan Event),
		bufferSize: defaultBufferSize,
		log:        log.Named("eventbus"),
	}
}

// Subscribe returns a channel that receives every event published on
// topic from this point forward. The returned channel is never closed by
// the bus; callers select on it alongside their own shutdown signal.
func (b *Bus) Subscribe(topic string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish fans payload out to every subscriber of topic. Slow subscribers
// whose channel is full get the event dropped, not the publisher blocked.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
			b.log.Warn("subscriber channel full, dropping event", zap.String("topic", topic))
		}
	}
}
