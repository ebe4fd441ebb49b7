package admin

import (
	"errors"

	"github.com/getevo/evo/v2"
	"github.com/getevo/pagination"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/response"
	"gorm.io/gorm"
)

type Controller struct {
}

// ListAgents lists the agents and administrators of the caller's tenant
func (c Controller) ListAgents(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}

	var users []auth.User
	query := models.Conn().Model(&auth.User{}).Where("tenant_id = ?", user.TenantID)

	if search := request.Query("search").String(); search != "" {
		query = query.Where(
			"name LIKE ? OR last_name LIKE ? OR display_name LIKE ? OR email LIKE ?",
			"%"+search+"%", "%"+search+"%", "%"+search+"%", "%"+search+"%",
		)
	}
	if userType := request.Query("type").String(); userType != "" {
		query = query.Where("type = ?", userType)
	}
	switch request.Query("order_by").String() {
	case "name":
		query = query.Order("name ASC")
	case "email":
		query = query.Order("email ASC")
	default:
		query = query.Order("created_at DESC")
	}

	p, err := pagination.New(query, request, &users, pagination.Options{MaxSize: 100})
	if err != nil {
		return response.FromError(err, "failed to list agents")
	}

	return response.OKWithMeta(users, &response.Meta{
		Page:       p.CurrentPage,
		Limit:      p.Size,
		Total:      int64(p.Records),
		TotalPages: p.Pages,
	})
}

// UpdateAssignmentSettings toggles whether an agent receives distributed
// work and whether they may take over assigned conversations
func (c Controller) UpdateAssignmentSettings(request *evo.Request) any {
	admin, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}

	agentID, err := uuid.Parse(request.Param("id").String())
	if err != nil {
		return response.Error(response.ErrInvalidInput)
	}

	var req struct {
		AssignmentsPaused     *bool `json:"assignments_paused"`
		CanOverrideAssignment *bool `json:"can_override_assignment"`
	}
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}

	updates := map[string]interface{}{}
	if req.AssignmentsPaused != nil {
		updates["assignments_paused"] = *req.AssignmentsPaused
	}
	if req.CanOverrideAssignment != nil {
		updates["can_override_assignment"] = *req.CanOverrideAssignment
	}
	if len(updates) == 0 {
		return response.Error(response.ErrMissingRequired)
	}

	conn := models.Conn()
	var user auth.User
	if err := conn.Where("id = ? AND tenant_id = ?", agentID, admin.TenantID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.Error(response.ErrNotFound)
		}
		return response.FromError(err, "failed to load agent")
	}
	if err := conn.Model(&user).Updates(updates).Error; err != nil {
		return response.FromError(err, "failed to update agent")
	}
	if err := conn.Where("id = ?", agentID).First(&user).Error; err != nil {
		return response.FromError(err, "failed to reload agent")
	}
	return response.OK(user)
}
