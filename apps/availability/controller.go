package availability

import (
	"context"
	"time"

	"github.com/getevo/evo/v2"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

// BusyAgents lists agents with an item overlapping the slot
// GET /api/inbox/availability/busy?start=&duration=
func (c Controller) BusyAgents(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	start, err := parseStart(request)
	if err != nil {
		return response.BadRequest("start must be an RFC3339 time")
	}

	busy, err := GetChecker().BusyAgents(context.Background(), user.TenantID, start, request.Query("duration").Int())
	if err != nil {
		return response.FromError(err, "failed to load schedules")
	}
	agents := make([]uuid.UUID, 0, len(busy))
	for id := range busy {
		agents = append(agents, id)
	}
	return response.List(agents, len(agents))
}

// AgentAvailability reports whether one agent is free for the slot
// GET /api/inbox/availability/agents/:id?start=&duration=&exclude_kind=&exclude_id=
func (c Controller) AgentAvailability(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	agentID, err := uuid.Parse(request.Param("id").String())
	if err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	start, err := parseStart(request)
	if err != nil {
		return response.BadRequest("start must be an RFC3339 time")
	}

	var exclude *ItemRef
	if kind := request.Query("exclude_kind").String(); kind != "" {
		if kind != KindCall && kind != KindMeeting {
			return response.BadRequest("exclude_kind must be call or meeting")
		}
		exclude = &ItemRef{Kind: kind, ID: uint(request.Query("exclude_id").Int())}
	}

	conflicts, err := GetChecker().Conflicts(context.Background(), agentID, user.TenantID, start, request.Query("duration").Int(), exclude)
	if err != nil {
		return response.FromError(err, "failed to load schedules")
	}
	return response.OK(map[string]interface{}{
		"agent_id":  agentID,
		"free":      len(conflicts) == 0,
		"conflicts": conflicts,
	})
}

func parseStart(request *evo.Request) (time.Time, error) {
	return time.Parse(time.RFC3339, request.Query("start").String())
}
