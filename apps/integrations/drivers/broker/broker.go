// Package broker provides the third-party conversation broker adapter.
package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/tidwall/gjson"
)

const (
	// DisplayName is the human-readable name.
	DisplayName = "Conversation Broker"

	eventMessageCreated = "message_created"
	eventMessageStatus  = "message_status"
)

// Config holds platform-wide broker settings
type Config struct {
	// APIURL is used when an integration carries none of its own
	APIURL  string
	Timeout time.Duration
}

// Adapter implements the broker provider.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a broker adapter.
func New(config Config) *Adapter {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Adapter{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (a *Adapter) Provider() string {
	return models.ProviderBroker
}

func (a *Adapter) Descriptor() drivers.Descriptor {
	return drivers.Descriptor{
		Provider:    models.ProviderBroker,
		Name:        DisplayName,
		WebhookMode: models.WebhookModeWebhook,
		Fields: []drivers.ConfigField{
			{Name: "account_id", Label: "Account ID", Type: "text", Required: true},
			{Name: "api_url", Label: "API URL", Type: "url", Required: false, Placeholder: "https://broker.example.com"},
			{Name: "api_token", Label: "API Token", Type: "password", Required: true},
			{Name: "webhook_token", Label: "Webhook Token", Type: "password", Required: true},
		},
	}
}

func (a *Adapter) Validate(credentials []byte) error {
	var creds models.BrokerCredentials
	if err := drivers.Decode(credentials, &creds); err != nil {
		return err
	}
	if creds.AccountID == "" || creds.APIToken == "" || creds.WebhookToken == "" {
		return fmt.Errorf("account ID, API token and webhook token are required")
	}
	if creds.APIURL == "" && a.config.APIURL == "" {
		return fmt.Errorf("API URL is required")
	}
	return nil
}

// ChannelID reads the account the delivery belongs to. The ?account= query
// parameter takes precedence and is resolved by the caller.
func (a *Adapter) ChannelID(raw []byte, _ http.Header) string {
	return gjson.GetBytes(raw, "account.id").String()
}

// VerifyWebhook compares the bearer token against the account's webhook token.
func (a *Adapter) VerifyWebhook(credentials []byte, _ []byte, headers http.Header) error {
	var creds models.BrokerCredentials
	if err := drivers.Decode(credentials, &creds); err != nil {
		return err
	}
	header := headers.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") || creds.WebhookToken == "" {
		return drivers.ErrInvalidSignature
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !hmac.Equal([]byte(token), []byte(creds.WebhookToken)) {
		return drivers.ErrInvalidSignature
	}
	return nil
}

// flexibleID accepts ids sent either as numbers or strings
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexibleID(b)
	return nil
}

func (f flexibleID) String() string {
	return string(f)
}

type webhookPayload struct {
	Event   string `json:"event"`
	Account struct {
		ID flexibleID `json:"id"`
	} `json:"account"`
	Conversation struct {
		ID      flexibleID `json:"id"`
		Contact struct {
			Identifier string `json:"identifier"`
			Name       string `json:"name"`
		} `json:"contact"`
	} `json:"conversation"`
	Message struct {
		ID          flexibleID `json:"id"`
		Content     string     `json:"content"`
		MessageType string     `json:"message_type"`
		Status      string     `json:"status"`
		CreatedAt   int64      `json:"created_at"`
		Attachments []struct {
			DataURL  string `json:"data_url"`
			FileType string `json:"file_type"`
		} `json:"attachments"`
	} `json:"message"`
}

// ReceiveWebhook normalizes a verified broker delivery. Outgoing messages
// echoed back by the broker are ignored.
func (a *Adapter) ReceiveWebhook(raw []byte, _ http.Header) (drivers.WebhookBatch, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return drivers.WebhookBatch{}, fmt.Errorf("invalid broker payload: %w", err)
	}

	batch := drivers.WebhookBatch{ChannelID: payload.Account.ID.String()}
	conversationID := payload.Conversation.ID.String()
	if conversationID == "" {
		return batch, fmt.Errorf("broker payload has no conversation id")
	}

	switch payload.Event {
	case eventMessageCreated:
		if payload.Message.MessageType != "incoming" {
			return batch, nil
		}
		contact := payload.Conversation.Contact.Identifier
		if contact == "" {
			contact = conversationID
		}
		event := drivers.InboundEvent{
			ExternalConversationID: conversationID,
			ExternalMessageID:      payload.Message.ID.String(),
			ContactIdentifier:      contact,
			ContactName:            payload.Conversation.Contact.Name,
			Content:                payload.Message.Content,
		}
		if payload.Message.CreatedAt > 0 {
			event.Timestamp = time.Unix(payload.Message.CreatedAt, 0).UTC()
		}
		if len(payload.Message.Attachments) > 0 {
			event.MediaURL = payload.Message.Attachments[0].DataURL
			event.MediaType = payload.Message.Attachments[0].FileType
		}
		batch.Events = append(batch.Events, event)
	case eventMessageStatus:
		kind := ""
		switch payload.Message.Status {
		case "delivered":
			kind = drivers.ReceiptRead
		case "read":
			kind = drivers.ReceiptSeen
		}
		if kind != "" {
			batch.Receipts = append(batch.Receipts, drivers.ReceiptEvent{
				Kind:                   kind,
				ExternalConversationID: conversationID,
				ExternalMessageID:      payload.Message.ID.String(),
			})
		}
	}
	return batch, nil
}

// Send posts an outgoing message to the broker conversation.
func (a *Adapter) Send(ctx context.Context, target drivers.SendTarget, msg drivers.OutboundMessage) (string, error) {
	var creds models.BrokerCredentials
	if err := drivers.Decode(target.Credentials, &creds); err != nil {
		return "", &drivers.SendError{Provider: models.ProviderBroker, Message: "credentials unavailable", Err: err}
	}

	payload := map[string]interface{}{
		"content":      msg.Content,
		"message_type": "outgoing",
	}
	if msg.MediaURL != "" {
		payload["attachments"] = []map[string]string{{"data_url": msg.MediaURL, "file_type": msg.MediaType}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderBroker, Message: "failed to encode message", Err: err}
	}

	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/messages",
		strings.TrimRight(a.apiURL(creds), "/"), url.PathEscape(creds.AccountID), url.PathEscape(target.ExternalConversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderBroker, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderBroker, Retryable: true, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &drivers.SendError{
			Provider:   models.ProviderBroker,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Message:    string(respBody),
		}
	}

	id := gjson.GetBytes(respBody, "id").String()
	if id == "" {
		return "", &drivers.SendError{Provider: models.ProviderBroker, StatusCode: resp.StatusCode, Message: "response carried no message id"}
	}
	return id, nil
}

// Test fetches the account profile with the API token.
func (a *Adapter) Test(ctx context.Context, credentials []byte) drivers.TestResult {
	var creds models.BrokerCredentials
	if err := drivers.Decode(credentials, &creds); err != nil {
		return drivers.TestResult{Success: false, Message: "Invalid configuration", Details: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s", strings.TrimRight(a.apiURL(creds), "/"), url.PathEscape(creds.AccountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return drivers.TestResult{Success: false, Message: "Failed to create request", Details: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return drivers.TestResult{Success: false, Message: "Failed to connect to the broker", Details: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return drivers.TestResult{Success: false, Message: "Broker authentication failed", Details: string(body)}
	}
	return drivers.TestResult{Success: true, Message: "Successfully connected to the broker account " + creds.AccountID}
}

func (a *Adapter) apiURL(creds models.BrokerCredentials) string {
	if creds.APIURL != "" {
		return creds.APIURL
	}
	return a.config.APIURL
}
