// Package realtime fans events out to connected agent sockets. Every
// instance runs its own hub; events reach it from the NATS bus so a socket
// sees events published on any instance.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/lib/events"
)

// DefaultBuffer is the number of frames queued per socket before the socket
// counts as a slow consumer
const DefaultBuffer = 64

// Client is one connected socket
type Client struct {
	ID       string
	TenantID uint
	UserID   uuid.UUID

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client with a bounded send buffer
func NewClient(tenantID uint, userID uuid.UUID, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Client{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Messages delivers queued frames
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Done is closed once the client was closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close marks the client closed. The send channel is never closed so a
// concurrent publish can not panic.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// offer queues a frame without blocking; false means the buffer is full
func (c *Client) offer(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks room membership of local sockets
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	members map[*Client][]string
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		members: make(map[*Client][]string),
	}
}

// Join adds a client to rooms
func (h *Hub) Join(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range rooms {
		set, ok := h.rooms[room]
		if !ok {
			set = make(map[*Client]struct{})
			h.rooms[room] = set
		}
		if _, joined := set[client]; joined {
			continue
		}
		set[client] = struct{}{}
		h.members[client] = append(h.members[client], room)
	}
}

// Leave removes a client from every room it joined
func (h *Hub) Leave(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client)
}

func (h *Hub) leaveLocked(client *Client) {
	for _, room := range h.members[client] {
		if set, ok := h.rooms[room]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.members, client)
}

// Rooms returns the rooms a client joined
func (h *Hub) Rooms(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.members[client]...)
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Publish delivers an event to the local members of its room. Clients whose
// buffer is full are dropped.
func (h *Hub) Publish(_ context.Context, event events.Event) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return err
	}

	room := event.Room()
	var slow []*Client

	h.mu.RLock()
	for client := range h.rooms[room] {
		if !client.offer(frame) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return nil
	}
	h.mu.Lock()
	for _, client := range slow {
		h.leaveLocked(client)
	}
	h.mu.Unlock()
	for _, client := range slow {
		log.Warning("realtime: dropping slow socket %s of user %s", client.ID, client.UserID)
		client.Close()
	}
	return nil
}
