package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/accountscope/common/messaging"
)

// JetStreamClient publishes with acknowledgement and consumes durably.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// ConsumerConfig defines a durable consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before giving up. The sweep
	// picks up anything that exhausted its deliveries.
	MaxDeliver    int
	MaxAckPending int
}

// StagingStream captures every staging lifecycle event. Events are kept for
// a week so a restarted loader can replay what it missed.
var StagingStream = StreamConfig{
	Name:      messaging.StreamStaging,
	Subjects:  []string{messaging.SubjectStagingAll},
	MaxAge:    messaging.StreamMaxAge,
	MaxBytes:  256 * 1024 * 1024,
	MaxMsgs:   1000000,
	Retention: jetstream.LimitsPolicy,
	Storage:   jetstream.FileStorage,
}

// LoaderConsumer is the durable loader subscription to staged events.
var LoaderConsumer = ConsumerConfig{
	Name:          messaging.ConsumerLoader,
	FilterSubject: messaging.SubjectStaged,
	AckWait:       5 * time.Minute,
	MaxDeliver:    5,
	MaxAckPending: 1,
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config, logger *slog.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// Publish stores the message in JetStream and waits for the ack.
func (c *JetStreamClient) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Setup declares the staging stream and the loader consumer.
func (c *JetStreamClient) Setup(ctx context.Context) error {
	if _, err := c.CreateOrUpdateStream(ctx, StagingStream); err != nil {
		return err
	}
	_, err := c.CreateOrUpdateConsumer(ctx, StagingStream.Name, LoaderConsumer)
	return err
}

// Consumer binds a durable consumer as a messaging.Consumer.
func (c *JetStreamClient) Consumer(streamName, consumerName string) messaging.Consumer {
	return &durableConsumer{client: c, stream: streamName, name: consumerName}
}

type durableConsumer struct {
	client *JetStreamClient
	stream string
	name   string
}

// Consume delivers messages to handler. A handler error naks with delay so
// the message is redelivered up to MaxDeliver times.
func (d *durableConsumer) Consume(ctx context.Context, handler messaging.MessageHandler) (func(), error) {
	stream, err := d.client.js.Stream(ctx, d.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", d.stream, err)
	}

	consumer, err := stream.Consumer(ctx, d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", d.name, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := toMessage(msg.Subject(), msg.Data(), msg.Headers())
		if err := handler(consumeCtx, m); err != nil {
			d.client.logger.Warn("message handler failed, will redeliver",
				"subject", m.Subject,
				"error", err)
			_ = msg.NakWithDelay(30 * time.Second)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

var _ messaging.Publisher = (*JetStreamClient)(nil)
