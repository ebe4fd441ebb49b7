package conversation

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/getevo/evo/v2"
	"github.com/getevo/pagination"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/storage"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

// ReplyRequest is an agent reply with an optional inline attachment
type ReplyRequest struct {
	Content string       `json:"content" validate:"max=4096"`
	Media   *MediaUpload `json:"media"`
}

// MediaUpload carries a file as a base64 data URL
type MediaUpload struct {
	Name string `json:"name" validate:"max=255"`
	Data string `json:"data" validate:"required"`
}

// ListConversations lists the tenant's conversations
// GET /api/inbox/conversations?status=&assigned=&agent_id=&mine=&provider=
func (c Controller) ListConversations(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}

	filter := Filter{
		Status:   request.Query("status").String(),
		Provider: request.Query("provider").String(),
	}
	switch request.Query("assigned").String() {
	case "true", "1":
		assigned := true
		filter.Assigned = &assigned
	case "false", "0":
		assigned := false
		filter.Assigned = &assigned
	}
	if agentID := request.Query("agent_id").String(); agentID != "" {
		id, err := uuid.Parse(agentID)
		if err != nil {
			return response.Error(response.ErrInvalidInput)
		}
		filter.AgentID = &id
	} else if mine := request.Query("mine").String(); mine == "true" || mine == "1" {
		id := user.UserID
		filter.AgentID = &id
	}

	var conversations []models.Conversation
	query := GetStore().Query(context.Background(), user.TenantID, filter)
	p, err := pagination.New(query, request, &conversations, pagination.Options{MaxSize: 100})
	if err != nil {
		return response.FromError(err, "failed to list conversations")
	}

	return response.OKWithMeta(conversations, &response.Meta{
		Page:       p.CurrentPage,
		Limit:      p.Size,
		Total:      int64(p.Records),
		TotalPages: p.Pages,
	})
}

// PromoteLead opens a conversation for a contact who has not written yet
// POST /api/inbox/conversations
func (c Controller) PromoteLead(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}

	var req LeadPromotion
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid lead")
	}

	conversation, created, err := GetStore().Promote(context.Background(), user.TenantID, req)
	if err != nil {
		return response.FromError(err, "failed to promote lead")
	}
	if created {
		return response.Created(conversation)
	}
	return response.OK(conversation)
}

// GetConversation returns one conversation
// GET /api/inbox/conversations/:id
func (c Controller) GetConversation(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	conversation, err := GetStore().Get(context.Background(), user.TenantID, id)
	if err != nil {
		return response.FromError(err, "failed to load conversation")
	}
	return response.OK(conversation)
}

// ListMessages returns a conversation's messages oldest first
// GET /api/inbox/conversations/:id/messages?page=&size=
func (c Controller) ListMessages(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	ctx := context.Background()
	if _, err := GetStore().Get(ctx, user.TenantID, id); err != nil {
		return response.FromError(err, "failed to load conversation")
	}

	page, size := normalizePage(request.Query("page").Int(), request.Query("size").Int())
	messages, total, err := GetStore().Messages(ctx, id, page, size)
	if err != nil {
		return response.FromError(err, "failed to list messages")
	}

	pages := int(total) / size
	if int(total)%size != 0 {
		pages++
	}
	return response.OKWithMeta(messages, &response.Meta{
		Page:       page,
		Limit:      size,
		Total:      total,
		TotalPages: pages,
	})
}

// Reply sends an agent reply. A reply the provider rejected is stored as
// failed and returned inside the error details.
// POST /api/inbox/conversations/:id/messages
func (c Controller) Reply(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}

	var req ReplyRequest
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid reply")
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && req.Media == nil {
		return response.Error(response.ErrMissingRequired)
	}

	ctx := context.Background()
	var media *Media
	if req.Media != nil {
		attachment, err := storage.Default().SaveDataURL(ctx, user.TenantID, req.Media.Name, req.Media.Data)
		if err != nil {
			return response.FromError(err, "failed to store attachment")
		}
		media = &Media{URL: attachment.URL, Type: attachment.Type}
	}

	message, err := GetOutbox().Reply(ctx, user.TenantID, id, user.UserID, req.Content, media)
	return replyResult(message, err)
}

// Resend retries a failed reply
// POST /api/inbox/conversations/:id/messages/:message_id/resend
func (c Controller) Resend(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	messageID := request.Param("message_id").Int()
	if messageID <= 0 {
		return response.Error(response.ErrInvalidInput)
	}

	message, err := GetOutbox().Resend(context.Background(), user.TenantID, id, uint(messageID))
	return replyResult(message, err)
}

func replyResult(message *models.Message, err error) any {
	if err == nil {
		return response.Created(message)
	}
	var appErr response.AppError
	if message != nil && errors.As(err, &appErr) {
		// the stored reply travels with the error so the client can offer a resend
		return response.Error(response.NewErrorWithDetails(appErr.Code, appErr.Message, appErr.StatusCode,
			"message_id="+strconv.FormatUint(uint64(message.ID), 10)+"; "+appErr.Details))
	}
	return response.FromError(err, "failed to send reply")
}

// MarkConversationRead clears the unread count of a conversation
// POST /api/inbox/conversations/:id/read
func (c Controller) MarkConversationRead(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	ctx := context.Background()
	if _, err := GetStore().Get(ctx, user.TenantID, id); err != nil {
		return response.FromError(err, "failed to load conversation")
	}
	changed, err := GetStore().MarkConversationRead(ctx, id)
	if err != nil {
		return response.FromError(err, "failed to mark conversation read")
	}
	return response.OK(map[string]int64{"marked": changed})
}

// MarkMessageRead marks one message read
// POST /api/inbox/messages/:id/read
func (c Controller) MarkMessageRead(request *evo.Request) any {
	return markMessage(request, false)
}

// MarkMessageSeen marks one message seen
// POST /api/inbox/messages/:id/seen
func (c Controller) MarkMessageSeen(request *evo.Request) any {
	return markMessage(request, true)
}

func markMessage(request *evo.Request, seen bool) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return response.Error(response.ErrInvalidInput)
	}

	ctx := context.Background()
	if _, err := GetStore().GetMessage(ctx, user.TenantID, uint(id)); err != nil {
		return response.FromError(err, "failed to load message")
	}
	var message *models.Message
	var err error
	if seen {
		message, err = GetStore().MarkSeen(ctx, uint(id))
	} else {
		message, err = GetStore().MarkRead(ctx, uint(id))
	}
	if err != nil {
		return response.FromError(err, "failed to mark message")
	}
	return response.OK(message)
}

// CloseConversation closes a conversation and releases its assignee
// POST /api/inbox/conversations/:id/close
func (c Controller) CloseConversation(request *evo.Request) any {
	user, id, failure := conversationParam(request)
	if failure != nil {
		return failure
	}
	actor := user.UserID
	conversation, err := GetStore().Close(context.Background(), user.TenantID, id, &actor)
	if err != nil {
		return response.FromError(err, "failed to close conversation")
	}
	return response.OK(conversation)
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
