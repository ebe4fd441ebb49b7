package conversation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/response"
)

var (
	ErrSendFailed    = response.NewError(response.ErrorCodeSendFailed, "The provider did not accept the message", http.StatusBadGateway)
	ErrNotResendable = response.NewError(response.ErrorCodeInvalidState, "Only failed replies can be resent", http.StatusConflict)
)

// CredentialSource resolves the integration allowed to send for a conversation
type CredentialSource interface {
	ForConversation(ctx context.Context, tenantID uint, provider string) (*integrations.ActiveIntegration, error)
}

// Outbox records agent replies and hands them to the provider. A reply is
// stored as pending first so a failed send is never lost; failed replies
// are only sent again on an explicit resend.
type Outbox struct {
	store       *Store
	credentials CredentialSource
	timeout     time.Duration
}

// NewOutbox creates an outbox. timeout bounds every provider call.
func NewOutbox(store *Store, credentials CredentialSource, timeout time.Duration) *Outbox {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Outbox{store: store, credentials: credentials, timeout: timeout}
}

// Reply stores and sends an agent reply. On a send failure the stored
// message is returned together with the error.
func (o *Outbox) Reply(ctx context.Context, tenantID, conversationID uint, agentID uuid.UUID, content string, media *Media) (*models.Message, error) {
	conversation, err := o.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Status == models.ConversationStatusClosed {
		return nil, ErrConversationClosed
	}

	message, err := o.store.AppendOutbound(ctx, conversation.ID, agentID, content, media)
	if err != nil {
		return nil, err
	}
	return o.deliver(ctx, conversation, message)
}

// Resend retries a failed reply
func (o *Outbox) Resend(ctx context.Context, tenantID, conversationID, messageID uint) (*models.Message, error) {
	conversation, err := o.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	message, err := o.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if message.ConversationID != conversation.ID {
		return nil, ErrMessageNotFound
	}
	if message.Direction != models.DirectionOutbound || message.SendStatus != models.SendStatusFailed {
		return nil, ErrNotResendable
	}
	claimed, err := o.store.ClaimResend(ctx, message.ID)
	if err != nil {
		return nil, err
	}
	return o.deliver(ctx, conversation, claimed)
}

func (o *Outbox) deliver(ctx context.Context, conversation *models.Conversation, message *models.Message) (*models.Message, error) {
	active, err := o.credentials.ForConversation(ctx, conversation.TenantID, conversation.Provider)
	if err != nil {
		return o.fail(ctx, message, err, err)
	}
	adapter, ok := drivers.Get(conversation.Provider)
	if !ok {
		return o.fail(ctx, message, errors.New("provider is not registered"), nil)
	}
	sender, ok := adapter.(drivers.Sender)
	if !ok {
		return o.fail(ctx, message, errors.New("provider cannot send replies"), nil)
	}

	outbound := drivers.OutboundMessage{Content: message.Content, MediaType: message.MediaType}
	if message.MediaURL != nil {
		outbound.MediaURL = *message.MediaURL
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	externalID, err := sender.Send(sendCtx, drivers.SendTarget{
		TenantID:               conversation.TenantID,
		ChannelID:              active.ExternalChannelID,
		ExternalConversationID: conversation.ExternalConversationID,
		ContactIdentifier:      conversation.ContactIdentifier,
		Credentials:            active.Credentials,
	}, outbound)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &drivers.SendError{Provider: conversation.Provider, Retryable: true, Message: "timed out", Err: err}
		}
		return o.fail(ctx, message, err, nil)
	}

	sent, err := o.store.MarkSent(ctx, message.ID, externalID)
	if err != nil {
		return message, err
	}
	return sent, nil
}

// fail records the reason on the message. surface replaces the generic
// send error returned to the caller when set.
func (o *Outbox) fail(ctx context.Context, message *models.Message, reason error, surface error) (*models.Message, error) {
	log.Warning("conversation: reply %d was not delivered: %v", message.ID, reason)

	failed, err := o.store.MarkFailed(ctx, message.ID, reason.Error())
	if err != nil {
		log.Error("conversation: failed to record send failure of %d: %v", message.ID, err)
		failed = message
	}

	var appErr response.AppError
	if surface != nil && errors.As(surface, &appErr) {
		return failed, appErr
	}
	return failed, response.NewErrorWithDetails(ErrSendFailed.Code, ErrSendFailed.Message, ErrSendFailed.StatusCode, reason.Error())
}
