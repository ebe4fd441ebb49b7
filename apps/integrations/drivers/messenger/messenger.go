// Package messenger provides the page API channel adapter.
package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
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
	DisplayName = "Messenger"

	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	// Graph error code for throttled page sends
	codeRateLimited = 613
)

// ErrVerificationFailed is returned for a bad subscribe handshake
var ErrVerificationFailed = errors.New("webhook verification failed")

// Config holds the platform-wide messenger settings
type Config struct {
	GraphURL     string
	GraphVersion string
	VerifyToken  string
	// AppSecret is used when an integration carries none of its own
	AppSecret string
	Timeout   time.Duration
}

// Adapter implements the page API provider.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a messenger adapter.
func New(config Config) *Adapter {
	if config.GraphURL == "" {
		config.GraphURL = "https://graph.facebook.com"
	}
	if config.GraphVersion == "" {
		config.GraphVersion = "v18.0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Adapter{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (a *Adapter) Provider() string {
	return models.ProviderMessenger
}

func (a *Adapter) Descriptor() drivers.Descriptor {
	return drivers.Descriptor{
		Provider:    models.ProviderMessenger,
		Name:        DisplayName,
		WebhookMode: models.WebhookModeWebhook,
		Fields: []drivers.ConfigField{
			{Name: "page_id", Label: "Page ID", Type: "text", Required: true, Placeholder: "1234567890"},
			{Name: "page_access_token", Label: "Page Access Token", Type: "password", Required: true},
			{Name: "app_secret", Label: "App Secret", Type: "password", Required: false, Placeholder: "Defaults to the platform app secret"},
		},
	}
}

func (a *Adapter) Validate(credentials []byte) error {
	var creds models.MessengerCredentials
	if err := drivers.Decode(credentials, &creds); err != nil {
		return err
	}
	if creds.PageID == "" || creds.PageAccessToken == "" {
		return fmt.Errorf("page ID and page access token are required")
	}
	return nil
}

// VerifySubscription answers the GET handshake. It returns the challenge to
// echo when the verify token matches.
func (a *Adapter) VerifySubscription(mode, token, challenge string) (string, error) {
	if a.config.VerifyToken == "" || mode != "subscribe" {
		return "", ErrVerificationFailed
	}
	if !hmac.Equal([]byte(token), []byte(a.config.VerifyToken)) {
		return "", ErrVerificationFailed
	}
	return challenge, nil
}

// ChannelID peeks the page id of the first entry without decoding the body.
func (a *Adapter) ChannelID(raw []byte, _ http.Header) string {
	return gjson.GetBytes(raw, "entry.0.id").String()
}

// VerifyWebhook checks the HMAC-SHA256 signature over the raw body.
func (a *Adapter) VerifyWebhook(credentials []byte, raw []byte, headers http.Header) error {
	secret := a.config.AppSecret
	if len(credentials) > 0 {
		var creds models.MessengerCredentials
		if err := drivers.Decode(credentials, &creds); err != nil {
			return err
		}
		if creds.AppSecret != "" {
			secret = creds.AppSecret
		}
	}
	if secret == "" {
		return fmt.Errorf("%w: no app secret configured", drivers.ErrInvalidSignature)
	}

	signature := headers.Get(signatureHeader)
	if !strings.HasPrefix(signature, signaturePrefix) {
		return drivers.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return drivers.ErrInvalidSignature
	}

	if !hmac.Equal(got, Sign([]byte(secret), raw)) {
		return drivers.ErrInvalidSignature
	}
	return nil
}

// Sign computes the raw signature of body
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader renders the header value for body
func SignatureHeader(secret, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}

// webhookPayload is the page webhook shape
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				Mid         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message,omitempty"`
			Read *struct {
				Watermark int64 `json:"watermark"`
			} `json:"read,omitempty"`
			Delivery *struct {
				Mids      []string `json:"mids"`
				Watermark int64    `json:"watermark"`
			} `json:"delivery,omitempty"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ReceiveWebhook normalizes a verified page delivery. The conversation is
// keyed by the page-scoped id of the contact.
func (a *Adapter) ReceiveWebhook(raw []byte, _ http.Header) (drivers.WebhookBatch, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return drivers.WebhookBatch{}, fmt.Errorf("invalid messenger payload: %w", err)
	}
	if payload.Object != "page" {
		return drivers.WebhookBatch{}, fmt.Errorf("unexpected object %q", payload.Object)
	}

	var batch drivers.WebhookBatch
	for _, entry := range payload.Entry {
		if batch.ChannelID == "" {
			batch.ChannelID = entry.ID
		}
		for _, item := range entry.Messaging {
			contact := item.Sender.ID
			switch {
			case item.Message != nil:
				if item.Message.IsEcho {
					continue
				}
				event := drivers.InboundEvent{
					ExternalConversationID: contact,
					ExternalMessageID:      item.Message.Mid,
					ContactIdentifier:      contact,
					Content:                item.Message.Text,
					Timestamp:              fromMillis(item.Timestamp),
					ChannelID:              entry.ID,
				}
				if len(item.Message.Attachments) > 0 {
					event.MediaURL = item.Message.Attachments[0].Payload.URL
					event.MediaType = item.Message.Attachments[0].Type
				}
				batch.Events = append(batch.Events, event)
			case item.Read != nil:
				batch.Receipts = append(batch.Receipts, drivers.ReceiptEvent{
					Kind:                   drivers.ReceiptSeen,
					ExternalConversationID: contact,
					Watermark:              fromMillis(item.Read.Watermark),
					ChannelID:              entry.ID,
				})
			case item.Delivery != nil:
				for _, mid := range item.Delivery.Mids {
					batch.Receipts = append(batch.Receipts, drivers.ReceiptEvent{
						Kind:                   drivers.ReceiptRead,
						ExternalConversationID: contact,
						ExternalMessageID:      mid,
						ChannelID:              entry.ID,
					})
				}
				if len(item.Delivery.Mids) == 0 && item.Delivery.Watermark > 0 {
					batch.Receipts = append(batch.Receipts, drivers.ReceiptEvent{
						Kind:                   drivers.ReceiptRead,
						ExternalConversationID: contact,
						Watermark:              fromMillis(item.Delivery.Watermark),
						ChannelID:              entry.ID,
					})
				}
			}
		}
	}
	return batch, nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Send posts a message through the Send API.
func (a *Adapter) Send(ctx context.Context, target drivers.SendTarget, msg drivers.OutboundMessage) (string, error) {
	var creds models.MessengerCredentials
	if err := drivers.Decode(target.Credentials, &creds); err != nil {
		return "", &drivers.SendError{Provider: models.ProviderMessenger, Message: "credentials unavailable", Err: err}
	}

	message := map[string]interface{}{}
	if msg.MediaURL != "" {
		message["attachment"] = map[string]interface{}{
			"type":    attachmentType(msg.MediaType),
			"payload": map[string]interface{}{"url": msg.MediaURL, "is_reusable": true},
		}
	} else {
		message["text"] = msg.Content
	}

	body, err := json.Marshal(map[string]interface{}{
		"recipient":      map[string]string{"id": target.ContactIdentifier},
		"messaging_type": "RESPONSE",
		"message":        message,
	})
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderMessenger, Message: "failed to encode message", Err: err}
	}

	endpoint := a.endpoint("me/messages", creds.PageAccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderMessenger, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderMessenger, Retryable: true, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		code := gjson.GetBytes(respBody, "error.code").Int()
		return "", &drivers.SendError{
			Provider:   models.ProviderMessenger,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || code == codeRateLimited,
			Message:    firstNonEmpty(gjson.GetBytes(respBody, "error.message").String(), string(respBody)),
		}
	}

	messageID := gjson.GetBytes(respBody, "message_id").String()
	if messageID == "" {
		return "", &drivers.SendError{Provider: models.ProviderMessenger, StatusCode: resp.StatusCode, Message: "response carried no message id"}
	}
	return messageID, nil
}

// Test reads the page behind the access token.
func (a *Adapter) Test(ctx context.Context, credentials []byte) drivers.TestResult {
	var creds models.MessengerCredentials
	if err := drivers.Decode(credentials, &creds); err != nil {
		return drivers.TestResult{Success: false, Message: "Invalid configuration", Details: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(url.PathEscape(creds.PageID), creds.PageAccessToken), nil)
	if err != nil {
		return drivers.TestResult{Success: false, Message: "Failed to create request", Details: err.Error()}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return drivers.TestResult{Success: false, Message: "Failed to connect to the Graph API", Details: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return drivers.TestResult{Success: false, Message: "Page authentication failed", Details: string(body)}
	}
	return drivers.TestResult{
		Success: true,
		Message: fmt.Sprintf("Successfully connected to page: %s", gjson.GetBytes(body, "name").String()),
	}
}

func (a *Adapter) endpoint(path, accessToken string) string {
	q := url.Values{}
	q.Set("access_token", accessToken)
	return strings.TrimRight(a.config.GraphURL, "/") + "/" + a.config.GraphVersion + "/" + path + "?" + q.Encode()
}

func attachmentType(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image"):
		return "image"
	case strings.HasPrefix(mediaType, "video"):
		return "video"
	case strings.HasPrefix(mediaType, "audio"):
		return "audio"
	}
	return "file"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

