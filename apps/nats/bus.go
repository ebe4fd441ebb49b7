package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/nats-io/nats.go"
)

// EventSubjectPrefix prefixes the per tenant event subjects
const EventSubjectPrefix = "inbox.tenant"

// EventSubject is the subject a tenant's events travel on
func EventSubject(tenantID uint) string {
	return fmt.Sprintf("%s.%d", EventSubjectPrefix, tenantID)
}

// Bus publishes events to every instance over NATS. Each instance
// subscribes and hands received events to its local fanout. While NATS is
// unreachable events are delivered to the local fanout directly.
type Bus struct {
	local events.Publisher
	conn  func() *nats.Conn

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewBus creates a bus delivering to local
func NewBus(local events.Publisher) *Bus {
	return &Bus{local: local, conn: GetConnection}
}

// Publish sends the event to all instances
func (b *Bus) Publish(ctx context.Context, event events.Event) error {
	conn := b.conn()
	if conn == nil || !conn.IsConnected() || !b.subscribed() {
		return b.local.Publish(ctx, event)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := conn.Publish(EventSubject(event.TenantID), data); err != nil {
		log.Warning("event bus: publish failed, delivering locally: %v", err)
		return b.local.Publish(ctx, event)
	}
	return nil
}

// Start subscribes to every tenant subject. Without a connection it is a
// no-op and the bus stays local.
func (b *Bus) Start() error {
	conn := b.conn()
	if conn == nil || !conn.IsConnected() {
		log.Warning("event bus: NATS not connected, events stay on this instance")
		return nil
	}
	sub, err := conn.Subscribe(EventSubjectPrefix+".*", b.receive)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	log.Info("event bus: subscribed to %s.*", EventSubjectPrefix)
	return nil
}

// Stop removes the subscription
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

func (b *Bus) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

func (b *Bus) receive(msg *nats.Msg) {
	var event events.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Warning("event bus: dropping malformed event on %s: %v", msg.Subject, err)
		return
	}
	if err := b.local.Publish(context.Background(), event); err != nil {
		log.Warning("event bus: local delivery failed: %v", err)
	}
}
