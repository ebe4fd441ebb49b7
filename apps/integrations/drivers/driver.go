// Package drivers provides the channel adapter contract and common types.
package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInvalidSignature is returned when a webhook fails authentication
var ErrInvalidSignature = errors.New("invalid webhook signature")

// TestResult represents the result of a connection test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ConfigField represents a credential field for an integration.
type ConfigField struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Type        string `json:"type"` // text, password, url
	Required    bool   `json:"required"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Descriptor describes a provider to administrators
type Descriptor struct {
	Provider    string        `json:"provider"`
	Name        string        `json:"name"`
	WebhookMode string        `json:"webhook_mode"`
	Fields      []ConfigField `json:"fields"`
}

// InboundEvent is one provider message normalized for the store
type InboundEvent struct {
	ExternalConversationID string    `json:"external_conversation_id"`
	ExternalMessageID      string    `json:"external_message_id,omitempty"`
	ContactIdentifier      string    `json:"contact_identifier"`
	ContactName            string    `json:"contact_name,omitempty"`
	Content                string    `json:"content"`
	MediaURL               string    `json:"media_url,omitempty"`
	MediaType              string    `json:"media_type,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
	// ChannelID is the provider channel the event arrived on when one
	// delivery can carry several channels
	ChannelID string `json:"channel_id,omitempty"`
}

// Receipt kinds
const (
	ReceiptRead = "read"
	ReceiptSeen = "seen"
)

// ReceiptEvent is a provider read or delivery notification. Either a
// message id or a watermark identifies the messages it covers.
type ReceiptEvent struct {
	Kind                   string    `json:"kind"`
	ExternalConversationID string    `json:"external_conversation_id"`
	ExternalMessageID      string    `json:"external_message_id,omitempty"`
	Watermark              time.Time `json:"watermark,omitempty"`
	ChannelID              string    `json:"channel_id,omitempty"`
}

// WebhookBatch is everything one webhook delivery carried
type WebhookBatch struct {
	ChannelID string         `json:"channel_id"`
	Events    []InboundEvent `json:"events"`
	Receipts  []ReceiptEvent `json:"receipts"`
}

// Empty reports whether the batch carries nothing to store
func (b WebhookBatch) Empty() bool {
	return len(b.Events) == 0 && len(b.Receipts) == 0
}

// SendTarget addresses an outbound message
type SendTarget struct {
	TenantID               uint
	ChannelID              string
	ExternalConversationID string
	ContactIdentifier      string
	Credentials            []byte
}

// OutboundMessage is an agent reply
type OutboundMessage struct {
	Content   string
	MediaURL  string
	MediaType string
}

// SendError describes a failed provider call
type SendError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failed (%d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s send failed: %s", e.Provider, e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SessionStatus is the connection state of a session-based slot
type SessionStatus struct {
	Slot        string `json:"slot"`
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phone_number,omitempty"`
	QR          string `json:"qr,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Adapter is implemented by every provider
type Adapter interface {
	// Provider returns the unique identifier for this provider.
	Provider() string

	// Descriptor returns display data and credential fields.
	Descriptor() Descriptor

	// Validate checks that decrypted credentials are complete.
	Validate(credentials []byte) error
}

// WebhookVerifier authenticates a raw webhook delivery before anything parses it
type WebhookVerifier interface {
	VerifyWebhook(credentials []byte, raw []byte, headers http.Header) error
}

// WebhookReceiver turns a verified raw body into normalized events
type WebhookReceiver interface {
	ReceiveWebhook(raw []byte, headers http.Header) (WebhookBatch, error)
}

// Sender delivers an agent reply and returns the provider message id.
// Failures are reported as *SendError.
type Sender interface {
	Send(ctx context.Context, target SendTarget, msg OutboundMessage) (string, error)
}

// Stateful exposes connection state of session-based providers
type Stateful interface {
	State(tenantID uint, slot string) SessionStatus
}

// SignalReceiver consumes lifecycle callbacks of session-based providers.
// It reports false for payloads that are not lifecycle signals.
type SignalReceiver interface {
	HandleSignal(ctx context.Context, tenantID uint, slot string, raw []byte) (bool, error)
}

// ChannelResolver finds the routing key of a raw delivery so the owning
// integration can be loaded before verification
type ChannelResolver interface {
	ChannelID(raw []byte, headers http.Header) string
}

// Tester checks credentials against the provider
type Tester interface {
	Test(ctx context.Context, credentials []byte) TestResult
}

// SensitiveFields contains credential names that are masked in responses.
var SensitiveFields = map[string]bool{
	"page_access_token": true,
	"app_secret":        true,
	"bridge_token":      true,
	"api_token":         true,
	"webhook_token":     true,
}

// MaskCredentials returns the credentials with sensitive fields masked.
func MaskCredentials(credentials []byte) map[string]interface{} {
	var config map[string]interface{}
	if err := json.Unmarshal(credentials, &config); err != nil {
		return nil
	}

	for key, value := range config {
		if !SensitiveFields[key] {
			continue
		}
		if str, ok := value.(string); ok && len(str) > 8 {
			config[key] = str[:4] + "..." + str[len(str)-4:]
		} else if ok && len(str) > 0 {
			config[key] = "****"
		}
	}

	return config
}

// Decode unmarshals credentials into the provider's struct
func Decode(credentials []byte, into interface{}) error {
	if len(credentials) == 0 {
		return errors.New("credentials are empty")
	}
	if err := json.Unmarshal(credentials, into); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	return nil
}
