// Package assignment moves conversations between the shared pool and
// agents and records every move in the release history.
package assignment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/availability"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/sessions"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/iesreza/homa-inbox/lib/response"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrConflict      = response.NewError(response.ErrorCodeConflict, "Conversation is assigned to another agent", http.StatusConflict)
	ErrAgentBusy     = response.NewError(response.ErrorCodeAgentBusy, "Agent is not available for the requested slot", http.StatusConflict)
	ErrNotAssignee   = response.NewError(response.ErrorCodeNotAssignee, "Only the current assignee can release the conversation", http.StatusForbidden)
	ErrAgentNotFound = response.NewError(response.ErrorCodeNotFound, "Agent not found", http.StatusNotFound)
	ErrCountTooLarge = response.NewError(response.ErrorCodeInvalidInput, "Count exceeds the distribution limit", http.StatusBadRequest)
)

// Config holds distribution limits
type Config struct {
	// QueueCeiling is the most assigned conversations an agent receives
	// through distribution; zero means unlimited
	QueueCeiling int
	// DistributeMax is the largest count one distribute call accepts
	DistributeMax int
}

// TimeSlot is a call to book together with an assignment
type TimeSlot struct {
	Start           time.Time `json:"start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=1440"`
}

// AssignCommand assigns a conversation to an agent
type AssignCommand struct {
	TenantID       uint
	ConversationID uint
	AgentID        uuid.UUID
	ActorID        *uuid.UUID
	Override       bool
	Slot           *TimeSlot
	Note           string
}

// UnassignCommand returns a conversation to the pool
type UnassignCommand struct {
	TenantID       uint
	ConversationID uint
	ActorID        *uuid.UUID
	Reason         string
	Note           string
}

// AssignResult reports what an assign changed
type AssignResult struct {
	Conversation *models.Conversation `json:"conversation"`
	Call         *models.ScheduledCall `json:"call,omitempty"`
	Changed      bool                 `json:"changed"`
}

// Placement is one conversation handed out by Distribute
type Placement struct {
	ConversationID uint      `json:"conversation_id"`
	AgentID        uuid.UUID `json:"agent_id"`
}

// DistributeResult always satisfies Distributed + Failed = Selected
type DistributeResult struct {
	Distributed int         `json:"distributed"`
	Failed      int         `json:"failed"`
	Selected    int         `json:"selected"`
	Placements  []Placement `json:"placements,omitempty"`
}

// Engine mutates assignments. Every mutation runs in one transaction that
// compares the assignee it read before swapping it.
type Engine struct {
	db        *gorm.DB
	checker   *availability.Checker
	presence  *sessions.Service
	publisher events.Publisher
	config    Config
	now       func() time.Time
}

func NewEngine(conn *gorm.DB, checker *availability.Checker, presence *sessions.Service, publisher events.Publisher, config Config) *Engine {
	if publisher == nil {
		publisher = events.Nop
	}
	if config.DistributeMax <= 0 {
		config.DistributeMax = 100
	}
	return &Engine{
		db:        conn,
		checker:   checker,
		presence:  presence,
		publisher: publisher,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Assign gives a conversation to an agent. A conversation held by another
// agent is only taken over with Override. Assigning to the current
// assignee changes nothing. With a slot, the agent's calendar is checked
// up front and again inside the transaction before the call is booked.
func (e *Engine) Assign(ctx context.Context, cmd AssignCommand) (*AssignResult, error) {
	agent, err := e.agent(ctx, e.db, cmd.TenantID, cmd.AgentID)
	if err != nil {
		return nil, err
	}
	if cmd.Slot != nil {
		free, err := e.checker.IsAgentFree(ctx, agent.UserID, cmd.TenantID, cmd.Slot.Start, cmd.Slot.DurationMinutes, nil)
		if err != nil {
			return nil, err
		}
		if !free {
			return nil, ErrAgentBusy
		}
	}

	result := &AssignResult{}
	var previous *uuid.UUID
	reason := models.ReleaseReasonManualAssign

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation, err := e.lockConversation(tx, cmd.TenantID, cmd.ConversationID)
		if err != nil {
			return err
		}
		previous = conversation.AssignedAgentID

		if previous == nil || *previous != agent.UserID {
			if previous != nil && !cmd.Override {
				return ErrConflict
			}
			if previous != nil {
				reason = models.ReleaseReasonReassign
			}
			if err := e.swap(tx, conversation.ID, previous, &agent.UserID); err != nil {
				return err
			}
			if err := e.record(tx, cmd.TenantID, conversation.ID, previous, &agent.UserID, cmd.ActorID, reason, cmd.Note); err != nil {
				return err
			}
			result.Changed = true
		}

		if cmd.Slot != nil {
			call, err := e.book(ctx, tx, cmd.TenantID, conversation.ID, agent.UserID, *cmd.Slot)
			if err != nil {
				return err
			}
			result.Call = call
		}

		result.Conversation = conversation
		return tx.First(conversation, conversation.ID).Error
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		e.publish(ctx, result.Conversation, previous, &agent.UserID, reason)
	}
	return result, nil
}

// book re-validates the slot under the agent's row lock and records the call
func (e *Engine) book(ctx context.Context, tx *gorm.DB, tenantID, conversationID uint, agentID uuid.UUID, slot TimeSlot) (*models.ScheduledCall, error) {
	var locked auth.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", agentID).First(&locked).Error; err != nil {
		return nil, err
	}
	free, err := e.checker.WithTx(tx).IsAgentFree(ctx, agentID, tenantID, slot.Start, slot.DurationMinutes, nil)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, ErrAgentBusy
	}

	id := conversationID
	call := &models.ScheduledCall{
		TenantID:        tenantID,
		AgentID:         agentID,
		ConversationID:  &id,
		StartAt:         slot.Start.UTC(),
		DurationMinutes: slot.DurationMinutes,
		Status:          models.ScheduleStatusScheduled,
	}
	if err := tx.Create(call).Error; err != nil {
		return nil, err
	}
	return call, nil
}

// Unassign returns a conversation to the pool. An unassigned conversation
// is left as is.
func (e *Engine) Unassign(ctx context.Context, cmd UnassignCommand) (*models.Conversation, error) {
	if cmd.Reason == "" {
		cmd.Reason = models.ReleaseReasonUnassign
	}
	return e.unassign(ctx, cmd, nil)
}

// Release lets the assignee hand a conversation back to the pool
func (e *Engine) Release(ctx context.Context, tenantID, conversationID uint, agentID uuid.UUID, note string) (*models.Conversation, error) {
	actor := agentID
	return e.unassign(ctx, UnassignCommand{
		TenantID:       tenantID,
		ConversationID: conversationID,
		ActorID:        &actor,
		Reason:         models.ReleaseReasonRelease,
		Note:           note,
	}, &agentID)
}

func (e *Engine) unassign(ctx context.Context, cmd UnassignCommand, requireAssignee *uuid.UUID) (*models.Conversation, error) {
	var conversation *models.Conversation
	var previous *uuid.UUID

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conversation, err = e.lockConversation(tx, cmd.TenantID, cmd.ConversationID)
		if err != nil {
			return err
		}
		previous = conversation.AssignedAgentID
		if requireAssignee != nil && (previous == nil || *previous != *requireAssignee) {
			return ErrNotAssignee
		}
		if previous == nil {
			return nil
		}
		if err := e.swap(tx, conversation.ID, previous, nil); err != nil {
			return err
		}
		if err := e.record(tx, cmd.TenantID, conversation.ID, previous, nil, cmd.ActorID, cmd.Reason, cmd.Note); err != nil {
			return err
		}
		return tx.First(conversation, conversation.ID).Error
	})
	if err != nil {
		return nil, err
	}

	if previous != nil {
		e.publish(ctx, conversation, previous, nil, cmd.Reason)
	}
	return conversation, nil
}

// Distribute hands up to count pooled conversations, least recently active
// first, to the online agents in rotation. Agents at the queue ceiling are
// skipped. Each conversation is placed in its own transaction; a
// conversation claimed meanwhile or an agent gone offline counts as failed.
func (e *Engine) Distribute(ctx context.Context, tenantID uint, count int, actorID *uuid.UUID) (*DistributeResult, error) {
	if count > e.config.DistributeMax {
		return nil, ErrCountTooLarge
	}
	result := &DistributeResult{}
	if count <= 0 {
		return result, nil
	}

	var pool []models.Conversation
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND assigned_agent_id IS NULL", tenantID, models.ConversationStatusOpen).
		Order("last_activity_at ASC").Order("id ASC").
		Limit(count).
		Find(&pool).Error
	if err != nil {
		return nil, err
	}
	result.Selected = len(pool)
	if len(pool) == 0 {
		return result, nil
	}

	agents, err := e.presence.ActiveAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		result.Failed = len(pool)
		return result, nil
	}

	load, err := e.queueSizes(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	next := 0
	for i := range pool {
		conversation := &pool[i]
		agent, ok := e.pick(agents, load, &next)
		if !ok {
			result.Failed += len(pool) - i
			break
		}

		placed, err := e.place(ctx, tenantID, conversation, agent, actorID)
		if err != nil {
			log.Warning("assignment: failed to place conversation %d with %s: %v", conversation.ID, agent, err)
		}
		if !placed {
			result.Failed++
			continue
		}

		load[agent]++
		result.Distributed++
		result.Placements = append(result.Placements, Placement{ConversationID: conversation.ID, AgentID: agent})
		e.publish(ctx, conversation, nil, &agent, models.ReleaseReasonDistribute)
	}
	return result, nil
}

// pick returns the next agent in rotation below the ceiling
func (e *Engine) pick(agents []auth.User, load map[uuid.UUID]int, next *int) (uuid.UUID, bool) {
	for tried := 0; tried < len(agents); tried++ {
		agent := agents[*next%len(agents)]
		*next = (*next + 1) % len(agents)
		if e.config.QueueCeiling > 0 && load[agent.UserID] >= e.config.QueueCeiling {
			continue
		}
		return agent.UserID, true
	}
	return uuid.Nil, false
}

func (e *Engine) place(ctx context.Context, tenantID uint, conversation *models.Conversation, agentID uuid.UUID, actorID *uuid.UUID) (bool, error) {
	placed := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		online, err := e.presence.WithTx(tx).IsOnline(ctx, tenantID, agentID)
		if err != nil || !online {
			return err
		}
		result := tx.Model(&models.Conversation{}).
			Where("id = ? AND status = ? AND assigned_agent_id IS NULL", conversation.ID, models.ConversationStatusOpen).
			Updates(map[string]interface{}{
				"assigned_agent_id": agentID,
				"status":            models.ConversationStatusAssigned,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := e.record(tx, tenantID, conversation.ID, nil, &agentID, actorID, models.ReleaseReasonDistribute, ""); err != nil {
			return err
		}
		placed = true
		return tx.First(conversation, conversation.ID).Error
	})
	if err != nil {
		return false, err
	}
	return placed, nil
}

func (e *Engine) queueSizes(ctx context.Context, tenantID uint) (map[uuid.UUID]int, error) {
	var rows []struct {
		AssignedAgentID uuid.UUID
		Total           int
	}
	err := e.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("assigned_agent_id, COUNT(*) AS total").
		Where("tenant_id = ? AND status = ? AND assigned_agent_id IS NOT NULL", tenantID, models.ConversationStatusAssigned).
		Group("assigned_agent_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	load := make(map[uuid.UUID]int, len(rows))
	for _, row := range rows {
		load[row.AssignedAgentID] = row.Total
	}
	return load, nil
}

// History lists a conversation's assignment changes, oldest first
func (e *Engine) History(ctx context.Context, tenantID, conversationID uint) ([]models.ReleaseHistoryEntry, error) {
	conn := e.db.WithContext(ctx)
	var n int64
	if err := conn.Model(&models.Conversation{}).Where("id = ? AND tenant_id = ?", conversationID, tenantID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, response.ErrConversationNotFound
	}

	var entries []models.ReleaseHistoryEntry
	err := conn.Where("conversation_id = ? AND tenant_id = ?", conversationID, tenantID).
		Order("at ASC").Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (e *Engine) agent(ctx context.Context, conn *gorm.DB, tenantID uint, agentID uuid.UUID) (*auth.User, error) {
	var user auth.User
	err := conn.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND type IN ?", agentID, tenantID, []string{auth.UserTypeAgent, auth.UserTypeAdministrator}).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (e *Engine) lockConversation(tx *gorm.DB, tenantID, conversationID uint) (*models.Conversation, error) {
	var conversation models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", conversationID, tenantID).
		First(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, response.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// swap moves the assignee from expected to next. It fails with
// ErrConflict when another writer changed the assignee since it was read.
func (e *Engine) swap(tx *gorm.DB, conversationID uint, expected, next *uuid.UUID) error {
	updates := map[string]interface{}{}
	if next != nil {
		updates["assigned_agent_id"] = *next
		updates["status"] = models.ConversationStatusAssigned
		updates["closed_at"] = nil
	} else {
		updates["assigned_agent_id"] = nil
		updates["status"] = models.ConversationStatusOpen
	}

	query := tx.Model(&models.Conversation{}).Where("id = ?", conversationID)
	if expected == nil {
		query = query.Where("assigned_agent_id IS NULL")
	} else {
		query = query.Where("assigned_agent_id = ?", *expected)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (e *Engine) record(tx *gorm.DB, tenantID, conversationID uint, from, to, actor *uuid.UUID, reason, note string) error {
	return tx.Create(&models.ReleaseHistoryEntry{
		TenantID:       tenantID,
		ConversationID: conversationID,
		FromAgentID:    from,
		ToAgentID:      to,
		ActorID:        actor,
		Reason:         reason,
		Note:           note,
		At:             e.now(),
	}).Error
}

func (e *Engine) publish(ctx context.Context, conversation *models.Conversation, from, to *uuid.UUID, reason string) {
	err := e.publisher.Publish(ctx, events.Event{
		Type:           events.TypeAssignmentChanged,
		TenantID:       conversation.TenantID,
		Provider:       conversation.Provider,
		ConversationID: conversation.ID,
		Data: map[string]interface{}{
			"from_agent_id": from,
			"to_agent_id":   to,
			"reason":        reason,
			"status":        conversation.Status,
		},
		At: e.now(),
	})
	if err != nil {
		log.Warning("assignment: failed to publish change of %d: %v", conversation.ID, err)
	}
}
