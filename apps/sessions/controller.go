package sessions

import (
	"context"
	"strings"

	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

type HeartbeatRequest struct {
	DeviceInfo map[string]any `json:"device_info,omitempty"`
}

// getRealIP extracts the client IP (X-Real-IP, then the first X-Forwarded-For entry)
func getRealIP(request *evo.Request) string {
	if realIP := request.Header("X-Real-IP"); realIP != "" {
		return realIP
	}
	if forwardedFor := request.Header("X-Forwarded-For"); forwardedFor != "" {
		if idx := strings.Index(forwardedFor, ","); idx > 0 {
			return strings.TrimSpace(forwardedFor[:idx])
		}
		return strings.TrimSpace(forwardedFor)
	}
	return request.IP()
}

// ClientOf describes the device behind a request
func ClientOf(request *evo.Request) Client {
	return Client{IPAddress: getRealIP(request), UserAgent: request.Header("User-Agent")}
}

// Online lists the online users of the caller's tenant
// GET /api/sessions/online
func (c Controller) Online(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	ids, err := GetService().OnlineUsers(context.Background(), user.TenantID)
	if err != nil {
		return response.FromError(err, "failed to list online users")
	}
	return response.List(ids, len(ids))
}

// MySessions lists the caller's sessions with durations
// GET /api/sessions/me?limit=
func (c Controller) MySessions(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	views, err := GetService().History(context.Background(), user.TenantID, user.UserID, request.Query("limit").Int())
	if err != nil {
		return response.FromError(err, "failed to list sessions")
	}
	return response.List(views, len(views))
}

// Heartbeat keeps the caller online without a socket
// POST /api/sessions/heartbeat
func (c Controller) Heartbeat(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	var req HeartbeatRequest
	_ = request.BodyParser(&req)

	client := ClientOf(request)
	client.DeviceInfo = req.DeviceInfo
	session, err := GetService().Heartbeat(context.Background(), user.TenantID, user.UserID, client)
	if err != nil {
		return response.FromError(err, "failed to record heartbeat")
	}
	return response.OK(session)
}

// Offline closes the caller's sessions
// POST /api/sessions/offline
func (c Controller) Offline(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	closed, err := GetService().GoOffline(context.Background(), user.TenantID, user.UserID)
	if err != nil {
		return response.FromError(err, "failed to go offline")
	}
	return response.OK(map[string]int64{"closed": closed})
}
