// Package conversation normalizes provider traffic into conversations and
// messages and serves them to agents.
package conversation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/iesreza/homa-inbox/lib/response"
	"gorm.io/gorm"
)

var (
	ErrConversationNotFound = response.ErrConversationNotFound
	ErrMessageNotFound      = response.ErrMessageNotFound
	ErrConversationClosed   = response.NewError(response.ErrorCodeInvalidState, "Conversation is closed", http.StatusConflict)
)

// Identity is the external key of a conversation
type Identity struct {
	TenantID      uint
	Provider      string
	ExternalID    string
	IntegrationID *uint
}

// Contact is the external party of a conversation
type Contact struct {
	Identifier string
	Name       string
}

// Filter narrows conversation listings
type Filter struct {
	Status   string
	Assigned *bool
	AgentID  *uuid.UUID
	Provider string
}

// LeadPromotion opens a conversation for a contact before they write
type LeadPromotion struct {
	Provider               string `json:"provider" validate:"required,oneof=messenger whatsapp broker"`
	ExternalConversationID string `json:"external_conversation_id" validate:"required,max=191"`
	ContactIdentifier      string `json:"contact_identifier" validate:"required,max=255"`
	ContactName            string `json:"contact_name" validate:"max=255"`
	IntegrationID          *uint  `json:"integration_id"`
}

// Media is an attachment already stored somewhere reachable by the provider
type Media struct {
	URL  string
	Type string
}

// Store is the single writer of conversations and messages.
type Store struct {
	db        *gorm.DB
	publisher events.Publisher
	detect    func(string) string
	now       func() time.Time
}

// NewStore creates a store. Inbound text is tagged with DetectLanguage.
func NewStore(conn *gorm.DB, publisher events.Publisher) *Store {
	if publisher == nil {
		publisher = events.Nop
	}
	return &Store{
		db:        conn,
		publisher: publisher,
		detect:    DetectLanguage,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithLanguageDetector replaces the language tagger; nil disables tagging
func (s *Store) WithLanguageDetector(detect func(string) string) *Store {
	s.detect = detect
	return s
}

// UpsertConversation returns the conversation with the given identity,
// creating it when absent. An existing conversation only has its contact
// name refreshed; status and assignee are never touched here. Concurrent
// creates are settled by the unique identity index.
func (s *Store) UpsertConversation(ctx context.Context, identity Identity, contact Contact) (*models.Conversation, bool, error) {
	conn := s.db.WithContext(ctx)

	var conversation models.Conversation
	err := conn.Where("tenant_id = ? AND provider = ? AND external_conversation_id = ?",
		identity.TenantID, identity.Provider, identity.ExternalID).First(&conversation).Error
	if err == nil {
		updates := map[string]interface{}{"updated_at": s.now()}
		if contact.Name != "" && contact.Name != conversation.ContactName {
			updates["contact_name"] = contact.Name
			conversation.ContactName = contact.Name
		}
		if conversation.IntegrationID == nil && identity.IntegrationID != nil {
			updates["integration_id"] = *identity.IntegrationID
			conversation.IntegrationID = identity.IntegrationID
		}
		if err := conn.Model(&models.Conversation{}).Where("id = ?", conversation.ID).Updates(updates).Error; err != nil {
			return nil, false, err
		}
		return &conversation, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	contactIdentifier := contact.Identifier
	if contactIdentifier == "" {
		contactIdentifier = identity.ExternalID
	}
	conversation = models.Conversation{
		TenantID:               identity.TenantID,
		Provider:               identity.Provider,
		ExternalConversationID: identity.ExternalID,
		IntegrationID:          identity.IntegrationID,
		ContactIdentifier:      contactIdentifier,
		ContactName:            contact.Name,
		Status:                 models.ConversationStatusOpen,
		LastActivityAt:         s.now(),
	}
	if err := conn.Create(&conversation).Error; err != nil {
		if !models.IsUniqueViolation(err) {
			return nil, false, err
		}
		var winner models.Conversation
		if err := conn.Where("tenant_id = ? AND provider = ? AND external_conversation_id = ?",
			identity.TenantID, identity.Provider, identity.ExternalID).First(&winner).Error; err != nil {
			return nil, false, err
		}
		return &winner, false, nil
	}

	s.publish(ctx, events.Event{
		Type:           events.TypeConversationNew,
		TenantID:       conversation.TenantID,
		Provider:       conversation.Provider,
		ConversationID: conversation.ID,
		Data:           conversation,
	})
	return &conversation, true, nil
}

// AppendMessage stores an inbound provider message. A message whose
// external id is already stored in the conversation is a dedup hit: the
// stored message is returned with created = false and nothing changes.
func (s *Store) AppendMessage(ctx context.Context, conversationID uint, event drivers.InboundEvent) (*models.Message, bool, error) {
	message := models.Message{
		ConversationID: conversationID,
		Direction:      models.DirectionInbound,
		SenderKind:     models.SenderContact,
		Content:        event.Content,
		MediaType:      event.MediaType,
	}
	if event.ExternalMessageID != "" {
		id := event.ExternalMessageID
		message.ExternalMessageID = &id
	}
	if event.MediaURL != "" {
		url := event.MediaURL
		message.MediaURL = &url
	}
	if !event.Timestamp.IsZero() {
		ts := event.Timestamp.UTC()
		message.ProviderTimestamp = &ts
	}
	if s.detect != nil && event.Content != "" {
		message.Language = s.detect(event.Content)
	}

	created, err := s.append(ctx, &message)
	if err != nil {
		return nil, false, err
	}
	return &message, created, nil
}

// AppendOutbound records an agent reply as pending before it is handed to
// the provider.
func (s *Store) AppendOutbound(ctx context.Context, conversationID uint, agentID uuid.UUID, content string, media *Media) (*models.Message, error) {
	sender := agentID
	message := models.Message{
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		SenderKind:     models.SenderAgent,
		SenderID:       &sender,
		Content:        content,
		SendStatus:     models.SendStatusPending,
	}
	if media != nil && media.URL != "" {
		url := media.URL
		message.MediaURL = &url
		message.MediaType = media.Type
	}
	if _, err := s.append(ctx, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// append inserts a message and advances its conversation. It is the only
// code path that writes last_activity_at after creation.
func (s *Store) append(ctx context.Context, message *models.Message) (bool, error) {
	conn := s.db.WithContext(ctx)

	if message.ExternalMessageID != nil {
		existing, err := findByExternalID(conn, message.ConversationID, *message.ExternalMessageID)
		if err == nil {
			*message = *existing
			return false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
	}

	var conversation models.Conversation
	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, message.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		if err := tx.Create(message).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"last_activity_at": s.now()}
		if message.Direction == models.DirectionInbound {
			updates["unread_count"] = gorm.Expr("unread_count + ?", 1)
			// a contact writing again reopens a closed conversation
			if conversation.Status == models.ConversationStatusClosed {
				updates["status"] = models.ConversationStatusOpen
				updates["closed_at"] = nil
			}
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversation.ID).Updates(updates).Error
	})
	if err != nil {
		if message.ExternalMessageID != nil && models.IsUniqueViolation(err) {
			existing, ferr := findByExternalID(conn, message.ConversationID, *message.ExternalMessageID)
			if ferr != nil {
				return false, ferr
			}
			*message = *existing
			return false, nil
		}
		return false, err
	}

	s.publish(ctx, events.Event{
		Type:           events.TypeNewMessage,
		TenantID:       conversation.TenantID,
		Provider:       conversation.Provider,
		ConversationID: conversation.ID,
		Data:           message,
	})
	return true, nil
}

func findByExternalID(conn *gorm.DB, conversationID uint, externalID string) (*models.Message, error) {
	var message models.Message
	err := conn.Where("conversation_id = ? AND external_message_id = ?", conversationID, externalID).First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// MarkSent records the provider's id for a delivered reply
func (s *Store) MarkSent(ctx context.Context, messageID uint, externalID string) (*models.Message, error) {
	updates := map[string]interface{}{
		"send_status": models.SendStatusSent,
		"send_error":  "",
	}
	if externalID != "" {
		updates["external_message_id"] = externalID
	}
	return s.updateOutbound(ctx, messageID, updates)
}

// MarkFailed keeps a reply that the provider did not accept so it can be resent
func (s *Store) MarkFailed(ctx context.Context, messageID uint, reason string) (*models.Message, error) {
	return s.updateOutbound(ctx, messageID, map[string]interface{}{
		"send_status": models.SendStatusFailed,
		"send_error":  reason,
	})
}

// ClaimResend moves a failed reply back to pending. Only one caller can
// claim a given failure; the others get ErrNotResendable.
func (s *Store) ClaimResend(ctx context.Context, messageID uint) (*models.Message, error) {
	conn := s.db.WithContext(ctx)
	result := conn.Model(&models.Message{}).
		Where("id = ? AND direction = ? AND send_status = ?", messageID, models.DirectionOutbound, models.SendStatusFailed).
		Update("send_status", models.SendStatusPending)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotResendable
	}

	var message models.Message
	if err := conn.First(&message, messageID).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *Store) updateOutbound(ctx context.Context, messageID uint, updates map[string]interface{}) (*models.Message, error) {
	conn := s.db.WithContext(ctx)
	result := conn.Model(&models.Message{}).
		Where("id = ? AND direction = ?", messageID, models.DirectionOutbound).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrMessageNotFound
	}

	var message models.Message
	if err := conn.First(&message, messageID).Error; err != nil {
		return nil, err
	}
	s.publishMessage(ctx, events.TypeMessageUpdated, &message)
	return &message, nil
}

// MarkRead moves a message to read. Marking a read or seen message again
// returns it unchanged.
func (s *Store) MarkRead(ctx context.Context, messageID uint) (*models.Message, error) {
	return s.mark(ctx, messageID, false)
}

// MarkSeen moves a message to seen, marking it read on the way when needed.
// Marking a seen message again returns it unchanged.
func (s *Store) MarkSeen(ctx context.Context, messageID uint) (*models.Message, error) {
	return s.mark(ctx, messageID, true)
}

func (s *Store) mark(ctx context.Context, messageID uint, seen bool) (*models.Message, error) {
	var message models.Message
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&message, messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		now := s.now()
		wasRead := message.IsRead
		updates := map[string]interface{}{}
		query := tx.Model(&models.Message{}).Where("id = ?", messageID)
		if seen {
			if message.IsSeen {
				return nil
			}
			updates["is_seen"] = true
			updates["seen_at"] = now
			query = query.Where("is_seen = ?", false)
		} else {
			if message.IsRead {
				return nil
			}
			query = query.Where("is_read = ?", false)
		}
		if !wasRead {
			updates["is_read"] = true
			updates["read_at"] = now
		}

		result := query.Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			changed = true
			if !wasRead && message.Direction == models.DirectionInbound {
				if err := decrementUnread(tx, message.ConversationID); err != nil {
					return err
				}
			}
		}
		return tx.First(&message, messageID).Error
	})
	if err != nil {
		return nil, err
	}

	if changed {
		eventType := events.TypeReadChanged
		if seen {
			eventType = events.TypeSeenChanged
		}
		s.publishMessage(ctx, eventType, &message)
	}
	return &message, nil
}

func decrementUnread(tx *gorm.DB, conversationID uint) error {
	return tx.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("unread_count", gorm.Expr("CASE WHEN unread_count > 0 THEN unread_count - 1 ELSE 0 END")).Error
}

// MarkConversationRead marks every unread inbound message of a conversation
// read and clears its unread count. It returns how many messages changed.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID uint) (int64, error) {
	var conversation models.Conversation
	var changed int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conversation, conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		result := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND direction = ? AND is_read = ?", conversationID, models.DirectionInbound, false).
			Updates(map[string]interface{}{"is_read": true, "read_at": s.now()})
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Update("unread_count", 0).Error
	})
	if err != nil {
		return 0, err
	}

	if changed > 0 {
		s.publish(ctx, events.Event{
			Type:           events.TypeReadChanged,
			TenantID:       conversation.TenantID,
			Provider:       conversation.Provider,
			ConversationID: conversation.ID,
			Data:           map[string]interface{}{"conversation_id": conversation.ID, "unread_count": 0},
		})
	}
	return changed, nil
}

// ApplyReceipt maps a provider read or seen receipt onto our outbound
// messages. It returns how many messages changed state.
func (s *Store) ApplyReceipt(ctx context.Context, tenantID uint, provider string, receipt drivers.ReceiptEvent) (int, error) {
	conn := s.db.WithContext(ctx)

	var conversation models.Conversation
	err := conn.Where("tenant_id = ? AND provider = ? AND external_conversation_id = ?",
		tenantID, provider, receipt.ExternalConversationID).First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var ids []uint
	query := conn.Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ?", conversation.ID, models.DirectionOutbound)
	switch {
	case receipt.ExternalMessageID != "":
		query = query.Where("external_message_id = ?", receipt.ExternalMessageID)
	case !receipt.Watermark.IsZero():
		query = query.Where("created_at <= ?", receipt.Watermark.UTC())
	default:
		return 0, nil
	}
	if receipt.Kind == drivers.ReceiptSeen {
		query = query.Where("is_seen = ?", false)
	} else {
		query = query.Where("is_read = ?", false)
	}
	if err := query.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	changed := 0
	for _, id := range ids {
		if receipt.Kind == drivers.ReceiptSeen {
			_, err = s.MarkSeen(ctx, id)
		} else {
			_, err = s.MarkRead(ctx, id)
		}
		if err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Get loads a conversation of the tenant
func (s *Store) Get(ctx context.Context, tenantID, conversationID uint) (*models.Conversation, error) {
	var conversation models.Conversation
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", conversationID, tenantID).First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conversation, nil
}

// GetMessage loads a message that belongs to a conversation of the tenant
func (s *Store) GetMessage(ctx context.Context, tenantID, messageID uint) (*models.Message, error) {
	var message models.Message
	err := s.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("messages.id = ? AND conversations.tenant_id = ?", messageID, tenantID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// Query builds the listing query of the tenant, most recently active first
func (s *Store) Query(ctx context.Context, tenantID uint, filter Filter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Assigned != nil {
		if *filter.Assigned {
			query = query.Where("assigned_agent_id IS NOT NULL")
		} else {
			query = query.Where("assigned_agent_id IS NULL")
		}
	}
	if filter.AgentID != nil {
		query = query.Where("assigned_agent_id = ?", *filter.AgentID)
	}
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	return query.Order("last_activity_at DESC").Order("id DESC")
}

// List returns one page of the tenant's conversations and the total count
func (s *Store) List(ctx context.Context, tenantID uint, filter Filter, page, size int) ([]models.Conversation, int64, error) {
	page, size = normalizePage(page, size)

	var total int64
	if err := s.Query(ctx, tenantID, filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var conversations []models.Conversation
	err := s.Query(ctx, tenantID, filter).
		Limit(size).
		Offset((page - 1) * size).
		Find(&conversations).Error
	return conversations, total, err
}

// Messages returns one page of a conversation in insertion order
func (s *Store) Messages(ctx context.Context, conversationID uint, page, size int) ([]models.Message, int64, error) {
	page, size = normalizePage(page, size)
	conn := s.db.WithContext(ctx)

	var total int64
	if err := conn.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var messages []models.Message
	err := conn.Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&messages).Error
	return messages, total, err
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

// Close ends a conversation. A closed conversation has no assignee; the
// release is recorded in the history.
func (s *Store) Close(ctx context.Context, tenantID, conversationID uint, actorID *uuid.UUID) (*models.Conversation, error) {
	var conversation models.Conversation
	var previous *uuid.UUID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND tenant_id = ?", conversationID, tenantID).First(&conversation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		if conversation.Status == models.ConversationStatusClosed {
			return nil
		}

		now := s.now()
		previous = conversation.AssignedAgentID
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conversation.ID).Updates(map[string]interface{}{
			"status":            models.ConversationStatusClosed,
			"assigned_agent_id": nil,
			"closed_at":         now,
		}).Error; err != nil {
			return err
		}
		if previous != nil {
			if err := tx.Create(&models.ReleaseHistoryEntry{
				TenantID:       tenantID,
				ConversationID: conversation.ID,
				FromAgentID:    previous,
				ActorID:        actorID,
				Reason:         models.ReleaseReasonUnassign,
				Note:           "conversation closed",
				At:             now,
			}).Error; err != nil {
				return err
			}
		}
		return tx.First(&conversation, conversation.ID).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:           events.TypeConversationState,
		TenantID:       conversation.TenantID,
		Provider:       conversation.Provider,
		ConversationID: conversation.ID,
		Data:           conversation,
	})
	if previous != nil {
		s.publish(ctx, events.Event{
			Type:           events.TypeAssignmentChanged,
			TenantID:       conversation.TenantID,
			ConversationID: conversation.ID,
			Data:           map[string]interface{}{"from_agent_id": previous, "to_agent_id": nil},
		})
	}
	return &conversation, nil
}

// Promote opens a conversation for a known lead. Promoting a lead that
// already has a conversation returns it with created = false.
func (s *Store) Promote(ctx context.Context, tenantID uint, lead LeadPromotion) (*models.Conversation, bool, error) {
	return s.UpsertConversation(ctx, Identity{
		TenantID:      tenantID,
		Provider:      lead.Provider,
		ExternalID:    lead.ExternalConversationID,
		IntegrationID: lead.IntegrationID,
	}, Contact{Identifier: lead.ContactIdentifier, Name: lead.ContactName})
}

func (s *Store) publishMessage(ctx context.Context, eventType string, message *models.Message) {
	var conversation models.Conversation
	if err := s.db.WithContext(ctx).Select("id", "tenant_id", "provider").First(&conversation, message.ConversationID).Error; err != nil {
		log.Warning("conversation: cannot resolve tenant of message %d: %v", message.ID, err)
		return
	}
	s.publish(ctx, events.Event{
		Type:           eventType,
		TenantID:       conversation.TenantID,
		Provider:       conversation.Provider,
		ConversationID: conversation.ID,
		Data:           message,
	})
}

func (s *Store) publish(ctx context.Context, event events.Event) {
	if event.At.IsZero() {
		event.At = s.now()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warning("conversation: failed to publish %s: %v", event.Type, err)
	}
}
