package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/iesreza/homa-inbox/apps/conversation"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
)

// ErrMalformedPayload marks envelopes that can never be processed
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Result summarizes one processed envelope
type Result struct {
	Created    int
	Duplicates int
	Receipts   int
	Skipped    int
}

// Processor is the second stage: it parses verified envelopes and hands
// the events to the conversation store
type Processor struct {
	store *conversation.Store
}

// NewProcessor creates the processing stage
func NewProcessor(store *conversation.Store) *Processor {
	return &Processor{store: store}
}

// Process stores every event of the envelope. Replaying an envelope is a
// no-op: events already stored are reported as duplicates.
func (p *Processor) Process(ctx context.Context, envelope Envelope) (Result, error) {
	var result Result

	adapter, ok := drivers.Get(envelope.Provider)
	if !ok {
		return result, fmt.Errorf("%w: unknown provider %q", ErrMalformedPayload, envelope.Provider)
	}
	receiver, ok := adapter.(drivers.WebhookReceiver)
	if !ok {
		return result, fmt.Errorf("%w: %s does not receive webhooks", ErrMalformedPayload, envelope.Provider)
	}
	batch, err := receiver.ReceiveWebhook(envelope.Body, nil)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	integrationID := envelope.IntegrationID
	for _, event := range batch.Events {
		if event.ExternalConversationID == "" || foreign(envelope, event.ChannelID) {
			result.Skipped++
			continue
		}
		conv, _, err := p.store.UpsertConversation(ctx, conversation.Identity{
			TenantID:      envelope.TenantID,
			Provider:      envelope.Provider,
			ExternalID:    event.ExternalConversationID,
			IntegrationID: &integrationID,
		}, conversation.Contact{
			Identifier: event.ContactIdentifier,
			Name:       event.ContactName,
		})
		if err != nil {
			return result, fmt.Errorf("upsert conversation %s: %w", event.ExternalConversationID, err)
		}

		_, created, err := p.store.AppendMessage(ctx, conv.ID, event)
		if err != nil {
			return result, fmt.Errorf("append message to %d: %w", conv.ID, err)
		}
		if created {
			result.Created++
		} else {
			result.Duplicates++
		}
	}

	for _, receipt := range batch.Receipts {
		if foreign(envelope, receipt.ChannelID) {
			result.Skipped++
			continue
		}
		changed, err := p.store.ApplyReceipt(ctx, envelope.TenantID, envelope.Provider, receipt)
		if err != nil {
			return result, fmt.Errorf("apply %s receipt: %w", receipt.Kind, err)
		}
		result.Receipts += changed
	}
	return result, nil
}

// foreign reports whether an event names a channel other than the one the
// envelope was verified for. Such events belong to another integration
// and possibly another tenant.
func foreign(envelope Envelope, channelID string) bool {
	if channelID == "" || channelID == envelope.ChannelID {
		return false
	}
	log.Warning("webhook: envelope %s for channel %q carries an event of channel %q, skipped", envelope.ID, envelope.ChannelID, channelID)
	return true
}

// Handle adapts Process to the queues. Malformed envelopes are dropped
// instead of retried.
func (p *Processor) Handle(ctx context.Context, envelope Envelope) error {
	result, err := p.Process(ctx, envelope)
	if errors.Is(err, ErrMalformedPayload) {
		log.Error("webhook: dropping envelope %s from %s: %v", envelope.ID, envelope.Provider, err)
		return nil
	}
	if err != nil {
		return err
	}
	if result.Duplicates > 0 {
		log.Debug("webhook: envelope %s had %d duplicate events", envelope.ID, result.Duplicates)
	}
	return nil
}
