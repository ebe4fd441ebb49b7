package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/sessions"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/iesreza/homa-inbox/lib/response"
	"gorm.io/gorm"
)

const (
	localsUser   = "realtime.user"
	localsClient = "realtime.client"

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	frameTimeout = 5 * time.Second
)

var ErrUnauthenticated = response.NewError(response.ErrorCodeUnauthorized, "A valid session token is required", http.StatusUnauthorized)

// Presence opens and closes live sessions for sockets
type Presence interface {
	Connect(ctx context.Context, tenantID uint, userID uuid.UUID, client sessions.Client) (*models.LiveSession, error)
	Disconnect(ctx context.Context, tenantID uint, userID uuid.UUID) error
}

// SlotLister lists the slots of session based providers
type SlotLister interface {
	Slots(ctx context.Context, tenantID uint, provider string) ([]models.Integration, error)
}

// Frame is a client to server message
type Frame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
	MessageID      uint   `json:"message_id,omitempty"`
}

// Reply answers a client frame on the same socket
type Reply struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Gateway authenticates sockets, places them in rooms and handles the
// frames they send
type Gateway struct {
	hub           *Hub
	secret        func() []byte
	users         func() *gorm.DB
	slots         SlotLister
	presence      Presence
	typing        *Typing
	conversations Conversations
	buffer        int
}

// GatewayConfig wires a gateway
type GatewayConfig struct {
	Hub           *Hub
	Secret        func() []byte
	Users         func() *gorm.DB
	Slots         SlotLister
	Presence      Presence
	Typing        *Typing
	Conversations Conversations
	Buffer        int
}

func NewGateway(config GatewayConfig) *Gateway {
	return &Gateway{
		hub:           config.Hub,
		secret:        config.Secret,
		users:         config.Users,
		slots:         config.Slots,
		presence:      config.Presence,
		typing:        config.Typing,
		conversations: config.Conversations,
		buffer:        config.Buffer,
	}
}

// Authenticate verifies the session token before the upgrade. The token is
// read from the token query parameter or a Bearer Authorization header.
func (g *Gateway) Authenticate(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.Get("Authorization"))
	}
	if token == "" {
		return c.Status(ErrUnauthenticated.StatusCode).JSON(ErrUnauthenticated.Payload())
	}

	claims, err := auth.ParseToken(g.secret(), token)
	if err != nil {
		log.Debug("realtime: rejected handshake: %v", err)
		return c.Status(ErrUnauthenticated.StatusCode).JSON(ErrUnauthenticated.Payload())
	}
	user, err := auth.LoadUser(g.users(), claims)
	if err != nil || (user.Type != auth.UserTypeAgent && user.Type != auth.UserTypeAdministrator) {
		return c.Status(ErrUnauthenticated.StatusCode).JSON(ErrUnauthenticated.Payload())
	}

	c.Locals(localsUser, user)
	c.Locals(localsClient, sessions.Client{IPAddress: clientIP(c), UserAgent: c.Get("User-Agent")})
	return c.Next()
}

func clientIP(c *fiber.Ctx) string {
	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return c.IP()
}

// RoomsFor returns the rooms a user's socket joins: the tenant room and one
// room per slot of every session based provider
func (g *Gateway) RoomsFor(ctx context.Context, user *auth.User) []string {
	rooms := []string{events.TenantRoom(user.TenantID)}
	if g.slots == nil {
		return rooms
	}
	for _, adapter := range drivers.GetAll() {
		if _, ok := adapter.(drivers.Stateful); !ok {
			continue
		}
		provider := adapter.Provider()
		slots, err := g.slots.Slots(ctx, user.TenantID, provider)
		if err != nil {
			log.Error("realtime: failed to list %s slots of tenant %d: %v", provider, user.TenantID, err)
			continue
		}
		for _, slot := range slots {
			rooms = append(rooms, events.SlotRoom(user.TenantID, provider, slot.ExternalChannelID))
		}
	}
	return rooms
}

// Serve runs one upgraded socket until it closes
func (g *Gateway) Serve(conn *websocket.Conn) {
	user, ok := conn.Locals(localsUser).(*auth.User)
	if !ok || user == nil {
		_ = conn.Close()
		return
	}
	device, _ := conn.Locals(localsClient).(sessions.Client)

	ctx := context.Background()
	client := NewClient(user.TenantID, user.UserID, g.buffer)
	g.hub.Join(client, g.RoomsFor(ctx, user)...)

	if g.presence != nil {
		if _, err := g.presence.Connect(ctx, user.TenantID, user.UserID, device); err != nil {
			log.Error("realtime: failed to open session for %s: %v", user.UserID, err)
		}
	}
	log.Info("realtime: socket %s connected for user %s (tenant %d)", client.ID, user.UserID, user.TenantID)

	writer := &socketWriter{conn: conn}
	go g.writeLoop(client, writer)

	defer func() {
		g.hub.Leave(client)
		client.Close()
		if g.presence != nil {
			if err := g.presence.Disconnect(context.Background(), user.TenantID, user.UserID); err != nil {
				log.Error("realtime: failed to close session for %s: %v", user.UserID, err)
			}
		}
		log.Info("realtime: socket %s disconnected", client.ID)
	}()

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("realtime: socket %s error: %v", client.ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frameCtx, cancel := context.WithTimeout(ctx, frameTimeout)
		reply := g.HandleFrame(frameCtx, user, raw)
		cancel()
		if reply != nil {
			if err := writer.write(reply); err != nil {
				return
			}
		}
	}
}

// writeLoop pushes hub frames and keepalive pings until the client closes.
// A dropped client closes the socket, which ends the read loop.
func (g *Gateway) writeLoop(client *Client, writer *socketWriter) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-client.Messages():
			if err := writer.write(frame); err != nil {
				client.Close()
				_ = writer.conn.Close()
				return
			}
		case <-ticker.C:
			if err := writer.ping(); err != nil {
				client.Close()
				_ = writer.conn.Close()
				return
			}
		case <-client.Done():
			_ = writer.conn.Close()
			return
		}
	}
}

// HandleFrame processes one client frame and returns the encoded reply
func (g *Gateway) HandleFrame(ctx context.Context, user *auth.User, raw []byte) []byte {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return encodeReply(Reply{Type: "error", Error: "malformed frame"})
	}

	switch frame.Type {
	case "ping":
		return encodeReply(Reply{Type: "pong"})

	case "typing":
		if g.typing == nil {
			return encodeReply(Reply{Type: "error", Error: "typing is unavailable"})
		}
		state, err := g.typing.Set(ctx, user.TenantID, frame.ConversationID, user.UserID, frame.IsTyping)
		if err != nil {
			return errorReply(err)
		}
		return encodeReply(Reply{Type: "typing", Data: state})

	case "read":
		if _, err := g.conversations.GetMessage(ctx, user.TenantID, frame.MessageID); err != nil {
			return errorReply(err)
		}
		message, err := g.conversations.MarkRead(ctx, frame.MessageID)
		if err != nil {
			return errorReply(err)
		}
		return encodeReply(Reply{Type: "read", Data: message})
	}

	return encodeReply(Reply{Type: "error", Error: "unknown frame type"})
}

func errorReply(err error) []byte {
	var appErr response.AppError
	if errors.As(err, &appErr) {
		return encodeReply(Reply{Type: "error", Error: appErr.Message})
	}
	log.Error("realtime: frame failed: %v", err)
	return encodeReply(Reply{Type: "error", Error: "internal error"})
}

func encodeReply(reply Reply) []byte {
	data, _ := json.Marshal(reply)
	return data
}
