package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	appnats "github.com/iesreza/homa-inbox/apps/nats"
	"github.com/nats-io/nats.go"
)

// Envelope is a verified delivery waiting to be processed
type Envelope struct {
	ID            string    `json:"id"`
	Digest        string    `json:"digest"`
	Provider      string    `json:"provider"`
	TenantID      uint      `json:"tenant_id"`
	IntegrationID uint      `json:"integration_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	Slot          string    `json:"slot,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
	Body          []byte    `json:"body"`
}

// digest identifies identical redeliveries of one body
func digest(provider string, body []byte) string {
	sum := sha256.Sum256(body)
	return provider + "-" + hex.EncodeToString(sum[:16])
}

// Handler processes one envelope
type Handler func(ctx context.Context, envelope Envelope) error

// Enqueuer accepts verified envelopes
type Enqueuer interface {
	Enqueue(ctx context.Context, envelope Envelope) error
}

// ErrQueueFull is returned when the in-process queue cannot take more work
var ErrQueueFull = errors.New("webhook queue is full")

// Dispatcher prefers the durable queue and falls back to the in-process
// one when the durable queue is absent or rejects the envelope
type Dispatcher struct {
	mu       sync.RWMutex
	primary  Enqueuer
	fallback Enqueuer
}

// NewDispatcher creates a dispatcher over fallback
func NewDispatcher(fallback Enqueuer) *Dispatcher {
	return &Dispatcher{fallback: fallback}
}

// Use installs the durable queue
func (d *Dispatcher) Use(primary Enqueuer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primary = primary
}

func (d *Dispatcher) Enqueue(ctx context.Context, envelope Envelope) error {
	d.mu.RLock()
	primary := d.primary
	d.mu.RUnlock()

	if primary != nil {
		err := primary.Enqueue(ctx, envelope)
		if err == nil {
			return nil
		}
		log.Warning("webhook: durable enqueue of %s failed, using local queue: %v", envelope.ID, err)
	}
	return d.fallback.Enqueue(ctx, envelope)
}

// MemoryQueue is a bounded in-process queue drained by a fixed worker pool.
// Failed envelopes are retried with exponential backoff.
type MemoryQueue struct {
	items   chan Envelope
	handler Handler
	workers int

	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue holding at most size envelopes
func NewMemoryQueue(size, workers int, handler Handler) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &MemoryQueue{
		items:          make(chan Envelope, size),
		handler:        handler,
		workers:        workers,
		Retries:        3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Start launches the workers
func (q *MemoryQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for envelope := range q.items {
				q.run(envelope)
			}
		}()
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, envelope Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueFull
	}
	select {
	case q.items <- envelope:
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Stop refuses new work and waits until queued envelopes are processed
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *MemoryQueue) run(envelope Envelope) {
	backoff := q.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := q.handler(context.Background(), envelope)
		if err == nil {
			return
		}
		if attempt >= q.Retries {
			log.Error("webhook: giving up on %s after %d attempts: %v", envelope.ID, attempt+1, err)
			return
		}
		log.Warning("webhook: attempt %d for %s failed, retrying in %v: %v", attempt+1, envelope.ID, backoff, err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > q.MaxBackoff {
			backoff = q.MaxBackoff
		}
	}
}

// StreamQueue stores envelopes in a JetStream work queue
type StreamQueue struct {
	queue *appnats.WorkQueue
}

// NewStreamQueue wraps a work queue
func NewStreamQueue(queue *appnats.WorkQueue) *StreamQueue {
	return &StreamQueue{queue: queue}
}

func (q *StreamQueue) Enqueue(ctx context.Context, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return q.queue.Enqueue(ctx, envelope.Digest, data)
}

// Consume hands stored envelopes to handler
func (q *StreamQueue) Consume(handler Handler) (*nats.Subscription, error) {
	return q.queue.Consume(func(ctx context.Context, data []byte) error {
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Error("webhook: dropping undecodable envelope: %v", err)
			return nil
		}
		return handler(ctx, envelope)
	})
}
