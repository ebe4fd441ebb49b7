package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation status constants
const (
	ConversationStatusOpen     = "open"
	ConversationStatusAssigned = "assigned"
	ConversationStatusClosed   = "closed"
)

// Message direction
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message sender kinds
const (
	SenderContact = "contact"
	SenderAgent   = "agent"
	SenderSystem  = "system"
)

// Outbound send status. Inbound messages keep an empty status.
const (
	SendStatusPending = "pending"
	SendStatusSent    = "sent"
	SendStatusFailed  = "failed"
)

// Conversation is one thread with one external contact on one provider.
// status = assigned iff assigned_agent_id is set.
type Conversation struct {
	ID                     uint       `gorm:"column:id;primaryKey" json:"id"`
	TenantID               uint       `gorm:"column:tenant_id;not null;uniqueIndex:idx_conversation_identity,priority:1;index:idx_conversation_pool,priority:1" json:"tenant_id"`
	Provider               string     `gorm:"column:provider;size:32;not null;uniqueIndex:idx_conversation_identity,priority:2" json:"provider"`
	ExternalConversationID string     `gorm:"column:external_conversation_id;size:191;not null;uniqueIndex:idx_conversation_identity,priority:3" json:"external_conversation_id"`
	IntegrationID          *uint      `gorm:"column:integration_id;index" json:"integration_id,omitempty"`
	ContactIdentifier      string     `gorm:"column:contact_identifier;size:255;not null" json:"contact_identifier"`
	ContactName            string     `gorm:"column:contact_name;size:255" json:"contact_name,omitempty"`
	Status                 string     `gorm:"column:status;size:16;not null;default:'open';index:idx_conversation_pool,priority:2" json:"status"`
	AssignedAgentID        *uuid.UUID `gorm:"column:assigned_agent_id;type:char(36);index" json:"assigned_agent_id"`
	LastActivityAt         time.Time  `gorm:"column:last_activity_at;not null;index:idx_conversation_pool,priority:3" json:"last_activity_at"`
	UnreadCount            int        `gorm:"column:unread_count;not null;default:0" json:"unread_count"`
	CreatedAt              time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	ClosedAt               *time.Time `gorm:"column:closed_at" json:"closed_at,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message belongs to a conversation. When ExternalMessageID is set it is
// unique per conversation and serves as the webhook dedup key.
type Message struct {
	ID                uint       `gorm:"column:id;primaryKey" json:"id"`
	ConversationID    uint       `gorm:"column:conversation_id;not null;index;uniqueIndex:idx_message_dedup,priority:1" json:"conversation_id"`
	ExternalMessageID *string    `gorm:"column:external_message_id;size:191;uniqueIndex:idx_message_dedup,priority:2" json:"external_message_id"`
	Direction         string     `gorm:"column:direction;size:16;not null" json:"direction"`
	SenderKind        string     `gorm:"column:sender_kind;size:16;not null" json:"sender_kind"`
	SenderID          *uuid.UUID `gorm:"column:sender_id;type:char(36)" json:"sender_id,omitempty"`
	Content           string     `gorm:"column:content;type:text" json:"content"`
	MediaURL          *string    `gorm:"column:media_url;size:1024" json:"media_url,omitempty"`
	MediaType         string     `gorm:"column:media_type;size:128" json:"media_type,omitempty"`
	Language          string     `gorm:"column:language;size:8" json:"language,omitempty"`
	SendStatus        string     `gorm:"column:send_status;size:16" json:"send_status,omitempty"`
	SendError         string     `gorm:"column:send_error;type:text" json:"send_error,omitempty"`
	ProviderTimestamp *time.Time `gorm:"column:provider_timestamp" json:"provider_timestamp,omitempty"`
	IsRead            bool       `gorm:"column:is_read;not null;default:false" json:"is_read"`
	ReadAt            *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
	IsSeen            bool       `gorm:"column:is_seen;not null;default:false" json:"is_seen"`
	SeenAt            *time.Time `gorm:"column:seen_at" json:"seen_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
