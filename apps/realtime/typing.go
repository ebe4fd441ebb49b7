package realtime

import (
	"context"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
)

// TypingBackend stores ephemeral typing indicators
type TypingBackend interface {
	SetTyping(ctx context.Context, conversationID uint, userID uuid.UUID, isTyping bool) error
	Typing(ctx context.Context, conversationID uint) ([]uuid.UUID, error)
	TTL() time.Duration
}

// Conversations is the part of the conversation store used by sockets
type Conversations interface {
	Get(ctx context.Context, tenantID, conversationID uint) (*models.Conversation, error)
	GetMessage(ctx context.Context, tenantID, messageID uint) (*models.Message, error)
	MarkRead(ctx context.Context, messageID uint) (*models.Message, error)
}

// TypingState is the payload of typing-changed events and typing reads
type TypingState struct {
	ConversationID uint        `json:"conversation_id"`
	UserID         uuid.UUID   `json:"user_id,omitempty"`
	IsTyping       bool        `json:"is_typing"`
	Typing         []uuid.UUID `json:"typing"`
	TTLSeconds     float64     `json:"ttl_seconds"`
}

// Typing scopes typing indicators to the caller's tenant and announces
// changes. Indicators are lossy: an expired TTL means not typing.
type Typing struct {
	backend       TypingBackend
	conversations Conversations
	publisher     events.Publisher
}

func NewTyping(backend TypingBackend, conversations Conversations, publisher events.Publisher) *Typing {
	if publisher == nil {
		publisher = events.Nop
	}
	return &Typing{backend: backend, conversations: conversations, publisher: publisher}
}

// Set starts, refreshes or stops the indicator of a user
func (t *Typing) Set(ctx context.Context, tenantID, conversationID uint, userID uuid.UUID, isTyping bool) (*TypingState, error) {
	conversation, err := t.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := t.backend.SetTyping(ctx, conversation.ID, userID, isTyping); err != nil {
		return nil, err
	}
	users, err := t.backend.Typing(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	state := &TypingState{
		ConversationID: conversation.ID,
		UserID:         userID,
		IsTyping:       isTyping,
		Typing:         users,
		TTLSeconds:     t.backend.TTL().Seconds(),
	}
	if err := t.publisher.Publish(ctx, events.Event{
		Type:           events.TypeTypingChanged,
		TenantID:       tenantID,
		Provider:       conversation.Provider,
		ConversationID: conversation.ID,
		Data:           state,
	}); err != nil {
		log.Warning("realtime: failed to publish typing of conversation %d: %v", conversation.ID, err)
	}
	return state, nil
}

// Get lists the users typing in a conversation of the tenant
func (t *Typing) Get(ctx context.Context, tenantID, conversationID uint) (*TypingState, error) {
	conversation, err := t.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	users, err := t.backend.Typing(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}
	return &TypingState{
		ConversationID: conversation.ID,
		IsTyping:       len(users) > 0,
		Typing:         users,
		TTLSeconds:     t.backend.TTL().Seconds(),
	}, nil
}
