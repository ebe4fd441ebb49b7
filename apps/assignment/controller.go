package assignment

import (
	"context"

	"github.com/getevo/evo/v2"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

type AssignRequest struct {
	AgentID  string    `json:"agent_id" validate:"required,uuid"`
	Override bool      `json:"override"`
	Slot     *TimeSlot `json:"slot"`
	Note     string    `json:"note" validate:"max=500"`
}

type UnassignRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=unassign release"`
	Note   string `json:"note" validate:"max=500"`
}

type DistributeRequest struct {
	Count int `json:"count" validate:"required,gte=1"`
}

// Assign assigns a conversation. Taking over another agent's conversation
// requires the override permission.
// POST /api/inbox/conversations/:id/assign
func (c Controller) Assign(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}

	var req AssignRequest
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid assignment")
	}
	if req.Override && !user.HasPermission(auth.PermissionOverrideAssignment) {
		return response.Forbidden("Overriding an assignment is not permitted")
	}
	agentID, _ := uuid.Parse(req.AgentID)

	actor := user.UserID
	result, err := GetEngine().Assign(context.Background(), AssignCommand{
		TenantID:       user.TenantID,
		ConversationID: id,
		AgentID:        agentID,
		ActorID:        &actor,
		Override:       req.Override,
		Slot:           req.Slot,
		Note:           req.Note,
	})
	if err != nil {
		return response.FromError(err, "failed to assign conversation")
	}
	return response.OK(result)
}

// Unassign returns a conversation to the pool
// POST /api/inbox/conversations/:id/unassign
func (c Controller) Unassign(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}

	var req UnassignRequest
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid request")
	}

	actor := user.UserID
	conversation, err := GetEngine().Unassign(context.Background(), UnassignCommand{
		TenantID:       user.TenantID,
		ConversationID: id,
		ActorID:        &actor,
		Reason:         req.Reason,
		Note:           req.Note,
	})
	if err != nil {
		return response.FromError(err, "failed to unassign conversation")
	}
	return response.OK(conversation)
}

// Release hands the caller's conversation back to the pool
// POST /api/inbox/conversations/:id/release
func (c Controller) Release(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	var req UnassignRequest
	_ = request.BodyParser(&req)

	conversation, err := GetEngine().Release(context.Background(), user.TenantID, id, user.UserID, req.Note)
	if err != nil {
		return response.FromError(err, "failed to release conversation")
	}
	return response.OK(conversation)
}

// Distribute hands pooled conversations to online agents
// POST /api/inbox/distribute
func (c Controller) Distribute(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}

	var req DistributeRequest
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid request")
	}

	actor := user.UserID
	result, err := GetEngine().Distribute(context.Background(), user.TenantID, req.Count, &actor)
	if err != nil {
		return response.FromError(err, "failed to distribute conversations")
	}
	return response.OK(result)
}

// History lists the assignment changes of a conversation
// GET /api/inbox/conversations/:id/history
func (c Controller) History(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	entries, err := GetEngine().History(context.Background(), user.TenantID, id)
	if err != nil {
		return response.FromError(err, "failed to load history")
	}
	if entries == nil {
		entries = []models.ReleaseHistoryEntry{}
	}
	return response.List(entries, len(entries))
}

func conversationParam(request *evo.Request) (*auth.User, uint, any) {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return nil, 0, response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return nil, 0, response.Error(response.ErrInvalidConversationID)
	}
	return user, uint(id), nil
}
