package models

import (
	"time"

	"gorm.io/datatypes"
)

// Providers
const (
	ProviderMessenger = "messenger"
	ProviderWhatsApp  = "whatsapp"
	ProviderBroker    = "broker"
)

// Webhook modes
const (
	WebhookModeWebhook = "webhook" // provider pushes to our public endpoint
	WebhookModeSession = "session" // a locally run client holds a live session
)

// Session states of a session-based integration
const (
	SessionStateDisconnected = "disconnected"
	SessionStateInitializing = "initializing"
	SessionStateAwaitingScan = "awaiting_scan"
	SessionStateReady        = "ready"
)

// Integration holds one tenant's connection to one provider channel.
// At most one row per tenant has is_active = true.
type Integration struct {
	ID                uint           `gorm:"column:id;primaryKey" json:"id"`
	TenantID          uint           `gorm:"column:tenant_id;not null;uniqueIndex:idx_integration_identity,priority:1;index:idx_integration_active,priority:1" json:"tenant_id"`
	Provider          string         `gorm:"column:provider;size:32;not null;uniqueIndex:idx_integration_identity,priority:2" json:"provider"`
	ExternalChannelID string         `gorm:"column:external_channel_id;size:191;not null;uniqueIndex:idx_integration_identity,priority:3" json:"external_channel_id"`
	Name              string         `gorm:"column:name;size:255" json:"name"`
	Credentials       string         `gorm:"column:credentials;type:text" json:"-"` // Encrypted JSON (hidden from API)
	Settings          datatypes.JSON `gorm:"column:settings;type:json" json:"settings,omitempty"`
	IsActive          bool           `gorm:"column:is_active;not null;default:false;index:idx_integration_active,priority:2" json:"is_active"`
	WebhookMode       string         `gorm:"column:webhook_mode;size:16;not null;default:'webhook'" json:"webhook_mode"`
	SessionState      string         `gorm:"column:session_state;size:32" json:"session_state,omitempty"`
	WasConnected      bool           `gorm:"column:was_connected;not null;default:false" json:"was_connected"`
	PhoneNumber       string         `gorm:"column:phone_number;size:64" json:"phone_number,omitempty"`
	LastError         string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	TestedAt          *time.Time     `gorm:"column:tested_at" json:"tested_at,omitempty"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for the Integration model
func (Integration) TableName() string {
	return "integrations"
}

// Slot is the name a session-based integration is addressed by
func (i Integration) Slot() string {
	return i.ExternalChannelID
}

// MessengerCredentials holds page API credentials
type MessengerCredentials struct {
	PageID          string `json:"page_id"`
	PageAccessToken string `json:"page_access_token"`
	AppSecret       string `json:"app_secret"`
}

// WhatsAppCredentials holds the callback secret the bridge presents for one slot
type WhatsAppCredentials struct {
	BridgeToken string `json:"bridge_token,omitempty"`
}

// BrokerCredentials holds conversation broker credentials
type BrokerCredentials struct {
	AccountID    string `json:"account_id"`
	APIURL       string `json:"api_url,omitempty"`
	APIToken     string `json:"api_token"`
	WebhookToken string `json:"webhook_token"`
}
