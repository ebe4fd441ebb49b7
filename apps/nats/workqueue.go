package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/nats-io/nats.go"
)

// WorkQueueConfig describes a JetStream work queue stream
type WorkQueueConfig struct {
	Stream     string
	Subject    string
	Durable    string
	MaxAge     time.Duration
	AckWait    time.Duration
	MaxDeliver int
}

// WorkQueue is a durable at-least-once queue backed by a JetStream stream
// with work queue retention
type WorkQueue struct {
	js     nats.JetStreamContext
	config WorkQueueConfig
}

// NewWorkQueue creates or updates the stream
func NewWorkQueue(js nats.JetStreamContext, config WorkQueueConfig) (*WorkQueue, error) {
	if js == nil {
		return nil, errors.New("JetStream context is nil")
	}
	if config.AckWait <= 0 {
		config.AckWait = 30 * time.Second
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = 5
	}

	stream := &nats.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    config.MaxAge,
	}
	if _, err := js.StreamInfo(config.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info %s: %w", config.Stream, err)
		}
		if _, err := js.AddStream(stream); err != nil {
			return nil, fmt.Errorf("create stream %s: %w", config.Stream, err)
		}
		log.Info("Created JetStream stream %s", config.Stream)
	} else if _, err := js.UpdateStream(stream); err != nil {
		log.Warning("Failed to update stream %s: %v", config.Stream, err)
	}

	return &WorkQueue{js: js, config: config}, nil
}

// Enqueue stores data durably. id deduplicates redeliveries of the same
// item inside the stream's duplicate window.
func (q *WorkQueue) Enqueue(ctx context.Context, id string, data []byte) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	_, err := q.js.Publish(q.config.Subject, data, opts...)
	return err
}

// Consume delivers queued items to handler. Items whose handler fails are
// redelivered up to MaxDeliver times.
func (q *WorkQueue) Consume(handler func(ctx context.Context, data []byte) error) (*nats.Subscription, error) {
	return q.js.QueueSubscribe(q.config.Subject, q.config.Durable, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), q.config.AckWait)
		defer cancel()

		if err := handler(ctx, msg.Data); err != nil {
			attempt := uint64(1)
			if meta, metaErr := msg.Metadata(); metaErr == nil {
				attempt = meta.NumDelivered
			}
			log.Warning("work queue %s: attempt %d failed: %v", q.config.Stream, attempt, err)
			_ = msg.NakWithDelay(time.Duration(attempt) * time.Second)
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(q.config.Durable),
		nats.ManualAck(),
		nats.AckWait(q.config.AckWait),
		nats.MaxDeliver(q.config.MaxDeliver),
	)
}
