package streaming

import (
	"context"
	"time"
)

// Topics carried by the event stream.
const (
	TopicTaskEscalated = "task.escalated"
	TopicPoolScaled    = "pool.scaled"
	TopicPoolRebalance = "pool.rebalance"
	TopicPoolCleanup   = "pool.cleanup"
)

// Event is the envelope published to the stream.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher emits events to downstream consumers. Implementations must be
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
