// Package whatsapp provides the session-based WhatsApp adapter. Each
// (tenant, slot) is backed by a session on a locally run bridge whose
// connection state is tracked by an explicit state machine.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/tidwall/gjson"
)

// DisplayName is the human-readable name.
const DisplayName = "WhatsApp"

// SlotRef addresses one session
type SlotRef struct {
	TenantID uint
	Slot     string
}

// StateStore persists session state so sessions can be restored after a restart
type StateStore interface {
	SaveSessionState(ctx context.Context, tenantID uint, slot string, status drivers.SessionStatus, wasConnected bool) error
	ConnectedSlots(ctx context.Context) ([]SlotRef, error)
}

// Config holds the platform-wide session settings
type Config struct {
	// BridgeToken authenticates bridge callbacks when a slot has no token of its own
	BridgeToken    string
	ConnectTimeout time.Duration
}

// Adapter implements the session-based provider.
type Adapter struct {
	config    Config
	bridge    Bridge
	publisher events.Publisher
	store     StateStore

	mu       sync.Mutex
	sessions map[SlotRef]*Session
}

// New creates a WhatsApp adapter.
func New(config Config, bridge Bridge, publisher events.Publisher, store StateStore) *Adapter {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 2 * time.Minute
	}
	if publisher == nil {
		publisher = events.Nop
	}
	return &Adapter{
		config:    config,
		bridge:    bridge,
		publisher: publisher,
		store:     store,
		sessions:  make(map[SlotRef]*Session),
	}
}

func (a *Adapter) Provider() string {
	return models.ProviderWhatsApp
}

func (a *Adapter) Descriptor() drivers.Descriptor {
	return drivers.Descriptor{
		Provider:    models.ProviderWhatsApp,
		Name:        DisplayName,
		WebhookMode: models.WebhookModeSession,
		Fields: []drivers.ConfigField{
			{Name: "bridge_token", Label: "Bridge Callback Token", Type: "password", Required: false, Placeholder: "Defaults to the platform bridge token"},
		},
	}
}

func (a *Adapter) Validate(credentials []byte) error {
	if len(credentials) == 0 {
		return nil
	}
	var creds models.WhatsAppCredentials
	return drivers.Decode(credentials, &creds)
}

func (a *Adapter) session(tenantID uint, slot string) *Session {
	key := SlotRef{TenantID: tenantID, Slot: slot}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[key]
	if !ok {
		s = newSession(tenantID, slot)
		a.sessions[key] = s
	}
	return s
}

// State reports the current status of a slot.
func (a *Adapter) State(tenantID uint, slot string) drivers.SessionStatus {
	return a.session(tenantID, slot).Status()
}

// Connect starts a session. Connecting a slot that is already connecting or
// connected returns its current status.
func (a *Adapter) Connect(ctx context.Context, tenantID uint, slot string) (drivers.SessionStatus, error) {
	s := a.session(tenantID, slot)
	status, err := s.apply(SignalConnect, "")
	if errors.Is(err, ErrInvalidTransition) {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	a.persist(ctx, tenantID, slot, status)
	a.armTimeout(s, s.currentAttempt())

	if err := a.bridge.Start(ctx, tenantID, slot); err != nil {
		log.Error("whatsapp: failed to start session %d/%s: %v", tenantID, slot, err)
		if failed, ferr := s.apply(SignalDisconnect, err.Error()); ferr == nil {
			a.commit(ctx, tenantID, slot, SignalDisconnect, failed)
			status = failed
		}
		return status, fmt.Errorf("failed to start session: %w", err)
	}
	return status, nil
}

// RetryChallenge asks the bridge for a fresh QR code and extends the scan window.
func (a *Adapter) RetryChallenge(ctx context.Context, tenantID uint, slot string) (drivers.SessionStatus, error) {
	s := a.session(tenantID, slot)
	status := s.Status()
	if status.State != models.SessionStateAwaitingScan && status.State != models.SessionStateInitializing {
		return status, fmt.Errorf("%w: no pending challenge in state %s", ErrInvalidTransition, status.State)
	}
	if err := a.bridge.RequestQR(ctx, tenantID, slot); err != nil {
		return status, fmt.Errorf("failed to request QR code: %w", err)
	}

	a.armTimeout(s, s.renew())
	a.publish(ctx, tenantID, slot, events.TypeQRRetry, status)
	return status, nil
}

// Disconnect stops a session on request. Disconnecting an idle slot is a no-op.
func (a *Adapter) Disconnect(ctx context.Context, tenantID uint, slot string) (drivers.SessionStatus, error) {
	s := a.session(tenantID, slot)
	if s.Status().State == models.SessionStateDisconnected {
		return s.Status(), nil
	}
	if err := a.bridge.Stop(ctx, tenantID, slot); err != nil {
		log.Warning("whatsapp: bridge stop failed for %d/%s: %v", tenantID, slot, err)
	}
	status, err := s.apply(SignalDisconnect, "")
	if errors.Is(err, ErrInvalidTransition) {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	a.commit(ctx, tenantID, slot, SignalDisconnect, status)
	return status, nil
}

// HandleSignal applies a lifecycle callback pushed by the bridge. It returns
// false when raw is not a lifecycle signal.
func (a *Adapter) HandleSignal(ctx context.Context, tenantID uint, slot string, raw []byte) (bool, error) {
	parsed := gjson.ParseBytes(raw)
	signal := parsed.Get("type").String()

	var detail string
	switch signal {
	case SignalQR:
		detail = parsed.Get("qr").String()
	case SignalReady:
		detail = parsed.Get("phone").String()
	case SignalAuthFailure, SignalDisconnect:
		detail = parsed.Get("reason").String()
	default:
		return false, nil
	}

	s := a.session(tenantID, slot)
	status, err := s.apply(signal, detail)
	if err != nil {
		return true, err
	}
	if signal == SignalQR {
		a.armTimeout(s, s.renew())
	}
	a.commit(ctx, tenantID, slot, signal, status)
	return true, nil
}

// Restore reconnects every slot that was connected when the process stopped.
// Reconnection happens once; failures are left for an explicit connect.
func (a *Adapter) Restore(ctx context.Context) int {
	if a.store == nil {
		return 0
	}
	slots, err := a.store.ConnectedSlots(ctx)
	if err != nil {
		log.Error("whatsapp: failed to load connected slots: %v", err)
		return 0
	}

	restored := 0
	for _, ref := range slots {
		if _, err := a.Connect(ctx, ref.TenantID, ref.Slot); err != nil {
			log.Warning("whatsapp: failed to restore %d/%s: %v", ref.TenantID, ref.Slot, err)
			continue
		}
		restored++
	}
	return restored
}

// ExpireStale forces every session stuck before ready for longer than the
// connect timeout into disconnected. Timers normally do this; the watchdog
// covers timers that never fired.
func (a *Adapter) ExpireStale(ctx context.Context, now time.Time) int {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	expired := 0
	for _, s := range sessions {
		waited, pending := s.pendingFor(now)
		if !pending || waited < a.config.ConnectTimeout {
			continue
		}
		status, err := s.apply(SignalTimeout, "")
		if err != nil {
			continue
		}
		a.commit(ctx, s.tenantID, s.slot, SignalTimeout, status)
		expired++
	}
	return expired
}

// Sessions lists the known sessions of a tenant
func (a *Adapter) Sessions(tenantID uint) []drivers.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []drivers.SessionStatus
	for ref, s := range a.sessions {
		if ref.TenantID == tenantID {
			out = append(out, s.Status())
		}
	}
	return out
}

func (a *Adapter) armTimeout(s *Session, attempt uint64) {
	time.AfterFunc(a.config.ConnectTimeout, func() {
		if s.currentAttempt() != attempt {
			return
		}
		status, err := s.apply(SignalTimeout, "")
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.bridge.Stop(ctx, s.tenantID, s.slot); err != nil {
			log.Warning("whatsapp: bridge stop after timeout failed for %d/%s: %v", s.tenantID, s.slot, err)
		}
		a.commit(ctx, s.tenantID, s.slot, SignalTimeout, status)
	})
}

// commit persists a transition and tells the slot room about it
func (a *Adapter) commit(ctx context.Context, tenantID uint, slot, signal string, status drivers.SessionStatus) {
	a.persist(ctx, tenantID, slot, status)
	if eventType, ok := lifecycleEvents[signal]; ok {
		a.publish(ctx, tenantID, slot, eventType, status)
	}
}

func (a *Adapter) persist(ctx context.Context, tenantID uint, slot string, status drivers.SessionStatus) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveSessionState(ctx, tenantID, slot, status, status.Connected); err != nil {
		log.Error("whatsapp: failed to persist state of %d/%s: %v", tenantID, slot, err)
	}
}

func (a *Adapter) publish(ctx context.Context, tenantID uint, slot, eventType string, status drivers.SessionStatus) {
	err := a.publisher.Publish(ctx, events.Event{
		Type:     eventType,
		TenantID: tenantID,
		Provider: models.ProviderWhatsApp,
		Slot:     slot,
		Data:     status,
		At:       time.Now().UTC(),
	})
	if err != nil {
		log.Warning("whatsapp: failed to publish %s for %d/%s: %v", eventType, tenantID, slot, err)
	}
}

// Send delivers a reply through a ready session.
func (a *Adapter) Send(ctx context.Context, target drivers.SendTarget, msg drivers.OutboundMessage) (string, error) {
	if !a.State(target.TenantID, target.ChannelID).Connected {
		return "", &drivers.SendError{Provider: models.ProviderWhatsApp, Message: ErrNotConnected.Error(), Err: ErrNotConnected}
	}
	to := target.ContactIdentifier
	if to == "" {
		to = target.ExternalConversationID
	}
	id, err := a.bridge.Send(ctx, target.TenantID, target.ChannelID, to, msg.Content, msg.MediaURL)
	if err != nil {
		return "", &drivers.SendError{Provider: models.ProviderWhatsApp, Retryable: true, Message: err.Error(), Err: err}
	}
	return id, nil
}

// VerifyWebhook authenticates a bridge callback.
func (a *Adapter) VerifyWebhook(credentials []byte, _ []byte, headers http.Header) error {
	expected := a.config.BridgeToken
	if len(credentials) > 0 {
		var creds models.WhatsAppCredentials
		if err := drivers.Decode(credentials, &creds); err != nil {
			return err
		}
		if creds.BridgeToken != "" {
			expected = creds.BridgeToken
		}
	}
	header := headers.Get("Authorization")
	if expected == "" || !strings.HasPrefix(header, "Bearer ") {
		return drivers.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(strings.TrimPrefix(header, "Bearer ")), []byte(expected)) {
		return drivers.ErrInvalidSignature
	}
	return nil
}

type callbackPayload struct {
	Type    string `json:"type"`
	Message *struct {
		ID        string `json:"id"`
		ChatID    string `json:"chat_id"`
		From      string `json:"from"`
		Name      string `json:"name"`
		Body      string `json:"body"`
		Timestamp int64  `json:"timestamp"`
		MediaURL  string `json:"media_url"`
		MimeType  string `json:"mimetype"`
		FromMe    bool   `json:"from_me"`
	} `json:"message,omitempty"`
	Ack *struct {
		ID     string `json:"id"`
		ChatID string `json:"chat_id"`
		Level  int    `json:"level"`
	} `json:"ack,omitempty"`
}

// Ack levels reported by the session client
const (
	ackDelivered = 2
	ackRead      = 3
)

// ReceiveWebhook normalizes message and ack callbacks.
func (a *Adapter) ReceiveWebhook(raw []byte, _ http.Header) (drivers.WebhookBatch, error) {
	var payload callbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return drivers.WebhookBatch{}, fmt.Errorf("invalid bridge payload: %w", err)
	}

	var batch drivers.WebhookBatch
	switch {
	case payload.Type == "message" && payload.Message != nil:
		m := payload.Message
		if m.FromMe {
			return batch, nil
		}
		chat := m.ChatID
		if chat == "" {
			chat = m.From
		}
		event := drivers.InboundEvent{
			ExternalConversationID: chat,
			ExternalMessageID:      m.ID,
			ContactIdentifier:      m.From,
			ContactName:            m.Name,
			Content:                m.Body,
			MediaURL:               m.MediaURL,
			MediaType:              m.MimeType,
		}
		if m.Timestamp > 0 {
			event.Timestamp = time.Unix(m.Timestamp, 0).UTC()
		}
		batch.Events = append(batch.Events, event)
	case payload.Type == "ack" && payload.Ack != nil:
		kind := ""
		switch {
		case payload.Ack.Level >= ackRead:
			kind = drivers.ReceiptSeen
		case payload.Ack.Level == ackDelivered:
			kind = drivers.ReceiptRead
		}
		if kind != "" {
			batch.Receipts = append(batch.Receipts, drivers.ReceiptEvent{
				Kind:                   kind,
				ExternalConversationID: payload.Ack.ChatID,
				ExternalMessageID:      payload.Ack.ID,
			})
		}
	}
	return batch, nil
}
