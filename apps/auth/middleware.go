package auth

import (
	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/lib/response"
)

// AgentAuthMiddleware lets agents and administrators of any tenant through
func AgentAuthMiddleware(request *evo.Request) error {
	if _, ok := CurrentUser(request); !ok {
		return response.ErrUnauthorized
	}
	return request.Next()
}
