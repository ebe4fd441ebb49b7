package realtime

import (
	"context"

	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// GetTyping lists who is typing in a conversation
// GET /api/inbox/conversations/:id/typing
func (c Controller) GetTyping(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return response.Error(response.ErrInvalidInput)
	}

	state, err := GetTyping().Get(context.Background(), user.TenantID, uint(id))
	if err != nil {
		return response.FromError(err, "failed to read typing state")
	}
	return response.OK(state)
}

// SetTyping starts or stops the caller's typing indicator
// POST /api/inbox/conversations/:id/typing
func (c Controller) SetTyping(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return response.Error(response.ErrInvalidInput)
	}
	var req TypingRequest
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}

	state, err := GetTyping().Set(context.Background(), user.TenantID, uint(id), user.UserID, req.IsTyping)
	if err != nil {
		return response.FromError(err, "failed to update typing state")
	}
	return response.OK(state)
}

// Stats reports the sockets connected to this instance
// GET /api/realtime/stats
func (c Controller) Stats(request *evo.Request) any {
	if _, ok := auth.CurrentUser(request); !ok {
		return response.Error(response.ErrUnauthorized)
	}
	return response.OK(map[string]int{"sockets": GetHub().Count()})
}
