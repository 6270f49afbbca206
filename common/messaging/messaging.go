// Package messaging defines the broker-neutral interfaces the collector and
// loader use to announce staging lifecycle changes.
package messaging

import (
	"context"
	"time"
)

// Message is a message received from the broker.
type Message struct {
	Subject   string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler processes a received message. A non-nil error asks the
// broker to redeliver.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Consumer delivers messages from a durable subscription until stop is called.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) (stop func(), err error)
}

// NoOpPublisher drops every message. Used when NATS is disabled.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NoOpPublisher) Close() error                                  { return nil }

// HealthChecker is implemented by broker clients that can be probed from
// the readiness endpoint.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}
