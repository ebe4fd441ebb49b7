package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/lib/response"
)

var (
	ErrVerificationFailed = response.NewError(response.ErrorCodeForbidden, "Webhook authentication failed", http.StatusForbidden)
	ErrUnknownProvider    = response.NewError(response.ErrorCodeNotFound, "Unknown webhook provider", http.StatusNotFound)
	ErrQueueUnavailable   = response.NewError(response.ErrorCodeInternalError, "Webhook could not be queued", http.StatusServiceUnavailable)
)

// Resolver finds the integration a delivery belongs to
type Resolver interface {
	FindByChannel(ctx context.Context, provider, externalChannelID string) (*integrations.ActiveIntegration, error)
	FindSlot(ctx context.Context, tenantID uint, provider, slot string) (*integrations.ActiveIntegration, error)
}

// Delivery is one raw provider callback
type Delivery struct {
	Provider string
	// ChannelID overrides the routing key found in the body
	ChannelID string
	// TenantID and Slot address session based providers
	TenantID uint
	Slot     string
	Body     []byte
	Headers  http.Header
}

// Ingestor is the verification stage. It only ever sees raw bytes and
// headers; nothing is parsed for storage before the delivery is verified
// and queued.
type Ingestor struct {
	resolver Resolver
	queue    Enqueuer
	now      func() time.Time
}

// NewIngestor creates the verification stage
func NewIngestor(resolver Resolver, queue Enqueuer) *Ingestor {
	return &Ingestor{
		resolver: resolver,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Accept verifies a delivery and queues it. Session lifecycle signals are
// applied immediately and return a nil envelope.
func (i *Ingestor) Accept(ctx context.Context, delivery Delivery) (*Envelope, error) {
	adapter, ok := drivers.Get(delivery.Provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	verifier, ok := adapter.(drivers.WebhookVerifier)
	if !ok {
		return nil, ErrUnknownProvider
	}

	integration, err := i.resolve(ctx, adapter, delivery)
	if err != nil {
		if !errors.Is(err, integrations.ErrIntegrationNotFound) {
			log.Error("webhook: resolving %s delivery failed: %v", delivery.Provider, err)
		} else {
			log.Warning("webhook: %s delivery for an unknown channel", delivery.Provider)
		}
		return nil, ErrVerificationFailed
	}

	if err := verifier.VerifyWebhook(integration.Credentials, delivery.Body, delivery.Headers); err != nil {
		log.Warning("webhook: %s delivery for integration %d rejected: %v", delivery.Provider, integration.ID, err)
		return nil, ErrVerificationFailed
	}

	if receiver, ok := adapter.(drivers.SignalReceiver); ok && delivery.Slot != "" {
		handled, err := receiver.HandleSignal(ctx, integration.TenantID, delivery.Slot, delivery.Body)
		if handled {
			if err != nil {
				log.Warning("webhook: signal for %d/%s ignored: %v", integration.TenantID, delivery.Slot, err)
			}
			return nil, nil
		}
	}

	envelope := Envelope{
		ID:            uuid.NewString(),
		Digest:        digest(delivery.Provider, delivery.Body),
		Provider:      delivery.Provider,
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		ChannelID:     integration.ExternalChannelID,
		Slot:          delivery.Slot,
		ReceivedAt:    i.now(),
		Body:          delivery.Body,
	}
	if err := i.queue.Enqueue(ctx, envelope); err != nil {
		log.Error("webhook: failed to queue %s delivery: %v", delivery.Provider, err)
		return nil, ErrQueueUnavailable
	}
	return &envelope, nil
}

func (i *Ingestor) resolve(ctx context.Context, adapter drivers.Adapter, delivery Delivery) (*integrations.ActiveIntegration, error) {
	if delivery.Slot != "" {
		return i.resolver.FindSlot(ctx, delivery.TenantID, delivery.Provider, delivery.Slot)
	}
	channel := delivery.ChannelID
	if channel == "" {
		if peek, ok := adapter.(drivers.ChannelResolver); ok {
			channel = peek.ChannelID(delivery.Body, delivery.Headers)
		}
	}
	return i.resolver.FindByChannel(ctx, delivery.Provider, channel)
}
