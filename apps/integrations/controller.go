package integrations

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/whatsapp"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct{}

var errInvalidTransition = response.NewError(response.ErrorCodeInvalidState, "Session is not in a state that allows this action", http.StatusConflict)

// ListIntegrations returns the tenant's integrations with masked credentials
// GET /api/admin/integrations
func (c Controller) ListIntegrations(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	views, err := GetService().List(context.Background(), user.TenantID)
	if err != nil {
		return response.FromError(err, "failed to list integrations")
	}
	return response.List(views, len(views))
}

// UpsertIntegration creates or updates an integration
// PUT /api/admin/integrations
func (c Controller) UpsertIntegration(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}

	var req UpsertRequest
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid integration")
	}

	integration, err := GetService().Upsert(context.Background(), user.TenantID, req)
	if err != nil {
		return response.FromError(err, "failed to save integration")
	}
	return response.OK(integration)
}

// ListProviders describes every available provider
// GET /api/admin/integrations/providers
func (c Controller) ListProviders(request *evo.Request) any {
	descriptors := drivers.Descriptors()
	return response.List(descriptors, len(descriptors))
}

// ActivateIntegration makes an integration the tenant's only active one
// POST /api/admin/integrations/:id/activate
func (c Controller) ActivateIntegration(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return response.Error(response.ErrInvalidInput)
	}
	if err := GetService().SetActiveIntegration(context.Background(), user.TenantID, uint(id)); err != nil {
		return response.FromError(err, "failed to activate integration")
	}
	return response.Message("Integration activated")
}

// DeactivateIntegration disables an integration
// POST /api/admin/integrations/:id/deactivate
func (c Controller) DeactivateIntegration(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return response.Error(response.ErrInvalidInput)
	}
	if err := GetService().Deactivate(context.Background(), user.TenantID, uint(id)); err != nil {
		return response.FromError(err, "failed to deactivate integration")
	}
	return response.Message("Integration deactivated")
}

// TestIntegration runs the provider's connection test
// POST /api/admin/integrations/:id/test
func (c Controller) TestIntegration(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	id := request.Param("id").Int()
	if id <= 0 {
		return response.Error(response.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := GetService().Test(ctx, user.TenantID, uint(id))
	if err != nil {
		return response.FromError(err, "failed to test integration")
	}
	return response.OK(result)
}

// ListSlots lists the tenant's WhatsApp slots with their live state
// GET /api/admin/whatsapp/slots
func (c Controller) ListSlots(request *evo.Request) any {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return response.Error(response.ErrUnauthorized)
	}
	slots, err := GetService().Slots(context.Background(), user.TenantID, models.ProviderWhatsApp)
	if err != nil {
		return response.FromError(err, "failed to list slots")
	}

	result := make([]map[string]interface{}, 0, len(slots))
	for _, slot := range slots {
		result = append(result, map[string]interface{}{
			"integration_id": slot.ID,
			"slot":           slot.Slot(),
			"name":           slot.Name,
			"is_active":      slot.IsActive,
			"status":         WhatsApp().State(user.TenantID, slot.Slot()),
		})
	}
	return response.List(result, len(result))
}

// SlotStatus reports the state of one slot
// GET /api/admin/whatsapp/slots/:slot/status
func (c Controller) SlotStatus(request *evo.Request) any {
	user, slot, failure := resolveSlot(request)
	if failure != nil {
		return failure
	}
	return response.OK(WhatsApp().State(user.TenantID, slot))
}

// ConnectSlot starts the session of a slot
// POST /api/admin/whatsapp/slots/:slot/connect
func (c Controller) ConnectSlot(request *evo.Request) any {
	user, slot, failure := resolveSlot(request)
	if failure != nil {
		return failure
	}
	status, err := WhatsApp().Connect(context.Background(), user.TenantID, slot)
	if err != nil {
		return response.FromError(response.NewErrorWithDetails(response.ErrorCodeNotConnected, "Failed to start session", http.StatusBadGateway, err.Error()), "connect")
	}
	return response.OK(status)
}

// DisconnectSlot stops the session of a slot
// POST /api/admin/whatsapp/slots/:slot/disconnect
func (c Controller) DisconnectSlot(request *evo.Request) any {
	user, slot, failure := resolveSlot(request)
	if failure != nil {
		return failure
	}
	status, err := WhatsApp().Disconnect(context.Background(), user.TenantID, slot)
	if err != nil {
		return response.FromError(err, "failed to disconnect session")
	}
	return response.OK(status)
}

// RetrySlot requests a fresh QR challenge
// POST /api/admin/whatsapp/slots/:slot/retry
func (c Controller) RetrySlot(request *evo.Request) any {
	user, slot, failure := resolveSlot(request)
	if failure != nil {
		return failure
	}
	status, err := WhatsApp().RetryChallenge(context.Background(), user.TenantID, slot)
	if errors.Is(err, whatsapp.ErrInvalidTransition) {
		return response.Error(errInvalidTransition)
	}
	if err != nil {
		return response.FromError(response.NewErrorWithDetails(response.ErrorCodeSendFailed, "Failed to request QR code", http.StatusBadGateway, err.Error()), "retry")
	}
	return response.OK(status)
}

// SendFromSlot sends a message through a ready session
// POST /api/admin/whatsapp/slots/:slot/send
func (c Controller) SendFromSlot(request *evo.Request) any {
	user, slot, failure := resolveSlot(request)
	if failure != nil {
		return failure
	}

	var req struct {
		To      string `json:"to" validate:"required,max=64"`
		Content string `json:"content" validate:"required,max=4096"`
	}
	if err := request.BodyParser(&req); err != nil {
		return response.Error(response.ErrInvalidInput)
	}
	if err := response.Validate(&req); err != nil {
		return response.FromError(err, "invalid message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), LoadConfig().SendTimeout)
	defer cancel()
	id, err := WhatsApp().Send(ctx, drivers.SendTarget{
		TenantID:          user.TenantID,
		ChannelID:         slot,
		ContactIdentifier: req.To,
	}, drivers.OutboundMessage{Content: req.Content})
	if errors.Is(err, whatsapp.ErrNotConnected) {
		return response.Error(response.NewError(response.ErrorCodeNotConnected, "Session is not connected", http.StatusConflict))
	}
	if err != nil {
		return response.Error(response.NewErrorWithDetails(response.ErrorCodeSendFailed, "Failed to send message", http.StatusBadGateway, err.Error()))
	}
	return response.OK(map[string]string{"external_message_id": id})
}

// resolveSlot checks that the slot belongs to the caller's tenant
func resolveSlot(request *evo.Request) (*auth.User, string, any) {
	user, ok := auth.CurrentUser(request)
	if !ok {
		return nil, "", response.Error(response.ErrUnauthorized)
	}
	slot := request.Param("slot").String()
	if slot == "" {
		return nil, "", response.Error(response.ErrInvalidInput)
	}
	if _, err := GetService().FindSlot(context.Background(), user.TenantID, models.ProviderWhatsApp, slot); err != nil {
		return nil, "", response.FromError(err, "failed to resolve slot")
	}
	return user, slot, nil
}
