package admin

import (
	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/lib/response"
)

// AdminAuthMiddleware ensures the user is logged in and is an administrator
func AdminAuthMiddleware(request *evo.Request) error {
	if request.User().Anonymous() {
		return response.ErrUnauthorized
	}

	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.ErrUnauthorized
	}
	if !user.IsAdministrator() {
		return response.ErrForbidden
	}

	return request.Next()
}

// PlatformOperatorMiddleware guards the generic data API, which is not
// scoped to a tenant
func PlatformOperatorMiddleware(request *evo.Request) error {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.ErrUnauthorized
	}
	if !user.HasPermission(auth.PermissionPlatformOperator) {
		return response.ErrForbidden
	}
	return request.Next()
}
