package bus

import (
	"sync"
	"time"
)

// Topic names the seven event kinds the pipeline broadcasts. The monitoring
// SSE endpoint (§6.4) maps these directly to its own message types.
type Topic string

const (
	TopicMetrics        Topic = "metrics"
	TopicQueueStatus     Topic = "queue_status"
	TopicAIError        Topic = "ai_error"
	TopicAIRequest      Topic = "ai_request"
	TopicActivityAlert  Topic = "activity_alert"
	TopicPipelineStage  Topic = "pipeline_stage"
	TopicActivityTimeline Topic = "activity_timeline"
)

// Event is the envelope every subscriber receives regardless of topic.
type Event struct {
	Topic     Topic
	At        time.Time
	Payload   any
}

// Bus is a single in-process broadcaster. Delivery is best-effort: a slow
// subscriber never blocks the publisher or other subscribers, and a
// subscriber that falls behind simply sees its buffered channel overwritten
// latest-wins rather than grow unbounded.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscription
	nextID      int
}

type subscription struct {
	topics map[Topic]struct{} // empty set means "all topics"
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]*subscription)}
}

// Subscribe registers a new listener for the given topics (or every topic,
// if none are given) and returns a receive channel plus an unsubscribe
// func. The channel has a small buffer; when full, Publish drops the
// oldest queued event for that subscriber rather than blocking.
func (b *Bus) Subscribe(bufferSize int, topics ...Topic) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	set := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{topics: set, ch: make(chan Event, bufferSize)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts an event to every subscriber interested in its topic.
// Non-blocking: a subscriber whose buffer is full has its oldest pending
// event discarded to make room, so Publish never stalls the pipeline.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := Event{Topic: topic, At: time.Now(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
			// buffer full: drop the oldest queued event, then retry once
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}
