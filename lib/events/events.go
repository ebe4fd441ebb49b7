// Package events defines the real-time event envelope and the publishing
// capability handed to every component that notifies connected clients.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Event types pushed to clients
const (
	TypeNewMessage        = "new-message"
	TypeMessageUpdated    = "message-updated"
	TypeTypingChanged     = "typing-changed"
	TypeReadChanged       = "read-changed"
	TypeSeenChanged       = "seen-changed"
	TypeAssignmentChanged = "assignment-changed"
	TypeConversationNew   = "conversation-created"
	TypeConversationState = "conversation-changed"
	TypePresenceChanged   = "presence-changed"

	// Session-based adapter lifecycle
	TypeQR           = "qr"
	TypeReady        = "ready"
	TypeDisconnected = "disconnected"
	TypeAuthFailure  = "auth-failure"
	TypeQRRetry      = "qr-retry"
)

// Event is the unit fanned out to websocket rooms.
// Slot scopes session lifecycle events to one provider slot; it is empty
// for tenant-wide events.
type Event struct {
	Type           string      `json:"type"`
	TenantID       uint        `json:"tenant_id"`
	Provider       string      `json:"provider,omitempty"`
	Slot           string      `json:"slot,omitempty"`
	ConversationID uint        `json:"conversation_id,omitempty"`
	Data           interface{} `json:"data,omitempty"`
	At             time.Time   `json:"at"`
}

// Room returns the room key the event is delivered to
func (e Event) Room() string {
	if e.Slot != "" {
		return SlotRoom(e.TenantID, e.Provider, e.Slot)
	}
	return TenantRoom(e.TenantID)
}

// TenantRoom is joined by every socket of the tenant
func TenantRoom(tenantID uint) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

// SlotRoom is joined by sockets entitled to a provider slot
func SlotRoom(tenantID uint, provider, slot string) string {
	return fmt.Sprintf("tenant:%d:%s:%s", tenantID, provider, slot)
}

// Publisher delivers events to interested clients
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Relay forwards to a publisher attached after construction. Services are
// built with the relay during registration; the transport attaches itself
// once it is connected.
type Relay struct {
	mu     sync.RWMutex
	target Publisher
}

// Attach sets the publisher events are forwarded to
func (r *Relay) Attach(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = p
}

func (r *Relay) Publish(ctx context.Context, event Event) error {
	r.mu.RLock()
	target := r.target
	r.mu.RUnlock()
	if target == nil {
		return nil
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return target.Publish(ctx, event)
}

// Broadcast is the process-wide relay handed to services by their apps
var Broadcast = &Relay{}
