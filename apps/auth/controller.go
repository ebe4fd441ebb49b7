package auth

import (
	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

// GetProfile returns the directory entry behind the caller's token
func (c Controller) GetProfile(req *evo.Request) interface{} {
	user, ok := CurrentUser(req)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	return response.OK(user)
}
