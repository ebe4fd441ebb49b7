package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/conversation"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/whatsapp"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/models/testdb"
	"github.com/iesreza/homa-inbox/apps/redis"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testSecret = []byte("realtime-test-secret")

type slotStub map[string][]string

func (s slotStub) Slots(_ context.Context, _ uint, provider string) ([]models.Integration, error) {
	var out []models.Integration
	for _, slot := range s[provider] {
		out = append(out, models.Integration{Provider: provider, ExternalChannelID: slot})
	}
	return out, nil
}

type env struct {
	db       *gorm.DB
	store    *conversation.Store
	recorder *events.Recorder
	gateway  *Gateway
	agent    *auth.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := testdb.Open(t)
	recorder := &events.Recorder{}
	store := conversation.NewStore(conn, recorder).WithLanguageDetector(nil)

	agent := &auth.User{TenantID: 1, Name: "Ada", Email: "ada@example.com", Type: auth.UserTypeAgent}
	require.NoError(t, conn.Create(agent).Error)

	gateway := NewGateway(GatewayConfig{
		Hub:           NewHub(),
		Secret:        func() []byte { return testSecret },
		Users:         func() *gorm.DB { return conn },
		Typing:        NewTyping(redis.NewTypingStore(nil, time.Minute), store, recorder),
		Conversations: store,
	})
	return &env{db: conn, store: store, recorder: recorder, gateway: gateway, agent: agent}
}

func (e *env) inbound(t *testing.T, tenantID uint, externalID string) (*models.Conversation, *models.Message) {
	t.Helper()
	ctx := context.Background()
	conv, _, err := e.store.UpsertConversation(ctx, conversation.Identity{
		TenantID:   tenantID,
		Provider:   models.ProviderMessenger,
		ExternalID: externalID,
	}, conversation.Contact{Identifier: externalID, Name: "Contact"})
	require.NoError(t, err)
	message, _, err := e.store.AppendMessage(ctx, conv.ID, drivers.InboundEvent{
		ExternalConversationID: externalID,
		ExternalMessageID:      "mid-" + externalID,
		ContactIdentifier:      externalID,
		Content:                "hello",
		Timestamp:              time.Now().UTC(),
	})
	require.NoError(t, err)
	return conv, message
}

func decodeReply(t *testing.T, raw []byte) Reply {
	t.Helper()
	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func handshake(t *testing.T, gateway *Gateway, path string, headers map[string]string) (int, string) {
	t.Helper()
	app := fiber.New()
	app.Get("/ws", gateway.Authenticate, func(c *fiber.Ctx) error {
		user := c.Locals(localsUser).(*auth.User)
		return c.SendString(user.UserID.String())
	})

	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

var upgradeHeaders = map[string]string{
	"Connection":            "Upgrade",
	"Upgrade":               "websocket",
	"Sec-WebSocket-Version": "13",
	"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	e := newEnv(t)
	token, err := e.agent.GenerateJWT(testSecret, time.Hour)
	require.NoError(t, err)

	status, _ := handshake(t, e.gateway, "/ws?token="+token, nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, status)

	status, _ = handshake(t, e.gateway, "/ws", upgradeHeaders)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	forged, err := e.agent.GenerateJWT([]byte("someone-else"), time.Hour)
	require.NoError(t, err)
	status, _ = handshake(t, e.gateway, "/ws?token="+forged, upgradeHeaders)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	expired, err := e.agent.GenerateJWT(testSecret, -time.Minute)
	require.NoError(t, err)
	status, _ = handshake(t, e.gateway, "/ws?token="+expired, upgradeHeaders)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := handshake(t, e.gateway, "/ws?token="+token, upgradeHeaders)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, e.agent.UserID.String(), body)

	bearer := map[string]string{"Authorization": "Bearer " + token}
	for k, v := range upgradeHeaders {
		bearer[k] = v
	}
	status, _ = handshake(t, e.gateway, "/ws", bearer)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestHandshakeRejectsUnknownUser(t *testing.T) {
	e := newEnv(t)
	ghost := &auth.User{UserID: uuid.New(), TenantID: 1, Type: auth.UserTypeAgent}
	token, err := ghost.GenerateJWT(testSecret, time.Hour)
	require.NoError(t, err)

	status, _ := handshake(t, e.gateway, "/ws?token="+token, upgradeHeaders)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestRoomsCoverTenantAndSessionSlots(t *testing.T) {
	drivers.Register(whatsapp.New(whatsapp.Config{}, nil, events.Nop, nil))

	e := newEnv(t)
	e.gateway.slots = slotStub{models.ProviderWhatsApp: {"main", "backup"}}

	rooms := e.gateway.RoomsFor(context.Background(), e.agent)
	assert.Equal(t, []string{"tenant:1", "tenant:1:whatsapp:main", "tenant:1:whatsapp:backup"}, rooms)
}

func TestPingFrame(t *testing.T) {
	e := newEnv(t)
	reply := decodeReply(t, e.gateway.HandleFrame(context.Background(), e.agent, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", reply.Type)

	reply = decodeReply(t, e.gateway.HandleFrame(context.Background(), e.agent, []byte(`not json`)))
	assert.Equal(t, "error", reply.Type)

	reply = decodeReply(t, e.gateway.HandleFrame(context.Background(), e.agent, []byte(`{"type":"dance"}`)))
	assert.Equal(t, "error", reply.Type)
}

func TestTypingFrameSetsAndAnnounces(t *testing.T) {
	e := newEnv(t)
	conv, _ := e.inbound(t, 1, "psid-1")
	ctx := context.Background()

	raw, _ := json.Marshal(Frame{Type: "typing", ConversationID: conv.ID, IsTyping: true})
	reply := decodeReply(t, e.gateway.HandleFrame(ctx, e.agent, raw))
	require.Equal(t, "typing", reply.Type)

	state, err := e.gateway.typing.Get(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.True(t, state.IsTyping)
	assert.Equal(t, []uuid.UUID{e.agent.UserID}, state.Typing)

	announced := e.recorder.OfType(events.TypeTypingChanged)
	require.Len(t, announced, 1)
	assert.Equal(t, conv.ID, announced[0].ConversationID)
	assert.Equal(t, "tenant:1", announced[0].Room())

	raw, _ = json.Marshal(Frame{Type: "typing", ConversationID: conv.ID, IsTyping: false})
	decodeReply(t, e.gateway.HandleFrame(ctx, e.agent, raw))
	state, err = e.gateway.typing.Get(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.False(t, state.IsTyping)
	assert.Empty(t, state.Typing)
}

func TestTypingIsScopedToTenant(t *testing.T) {
	e := newEnv(t)
	foreign, _ := e.inbound(t, 2, "psid-2")

	raw, _ := json.Marshal(Frame{Type: "typing", ConversationID: foreign.ID, IsTyping: true})
	reply := decodeReply(t, e.gateway.HandleFrame(context.Background(), e.agent, raw))
	assert.Equal(t, "error", reply.Type)
	assert.Empty(t, e.recorder.OfType(events.TypeTypingChanged))

	_, err := e.gateway.typing.Get(context.Background(), 1, foreign.ID)
	assert.ErrorIs(t, err, conversation.ErrConversationNotFound)
}

func TestReadFrameMarksMessage(t *testing.T) {
	e := newEnv(t)
	_, message := e.inbound(t, 1, "psid-1")
	_, foreign := e.inbound(t, 2, "psid-2")
	ctx := context.Background()

	raw, _ := json.Marshal(Frame{Type: "read", MessageID: foreign.ID})
	reply := decodeReply(t, e.gateway.HandleFrame(ctx, e.agent, raw))
	assert.Equal(t, "error", reply.Type)

	raw, _ = json.Marshal(Frame{Type: "read", MessageID: message.ID})
	reply = decodeReply(t, e.gateway.HandleFrame(ctx, e.agent, raw))
	require.Equal(t, "read", reply.Type)

	var stored models.Message
	require.NoError(t, e.db.First(&stored, message.ID).Error)
	assert.True(t, stored.IsRead)
	assert.Len(t, e.recorder.OfType(events.TypeReadChanged), 1)

	var other models.Message
	require.NoError(t, e.db.First(&other, foreign.ID).Error)
	assert.False(t, other.IsRead)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("bus down")
}

func TestTypingSurvivesPublishFailure(t *testing.T) {
	e := newEnv(t)
	conv, _ := e.inbound(t, 1, "psid-typing")
	typing := NewTyping(redis.NewTypingStore(nil, time.Minute), e.store, failingPublisher{})

	state, err := typing.Set(context.Background(), 1, conv.ID, e.agent.UserID, true)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{e.agent.UserID}, state.Typing)
}
