// Package integrations keeps per-tenant provider credentials and enforces
// that a tenant has at most one active integration.
package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/whatsapp"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/crypto"
	"github.com/iesreza/homa-inbox/lib/response"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrIntegrationNotFound = response.ErrIntegrationNotFound
	ErrUnknownProvider     = response.NewError(response.ErrorCodeInvalidInput, "Unknown provider", http.StatusBadRequest)
	ErrNoActiveIntegration = response.NewError(response.ErrorCodeIntegrationNotFound, "Tenant has no active integration", http.StatusNotFound)
)

// ActiveIntegration is an integration together with its decrypted credentials
type ActiveIntegration struct {
	models.Integration
	Credentials []byte
}

// IntegrationView is the administrator's view with masked credentials
type IntegrationView struct {
	models.Integration
	Credentials map[string]interface{} `json:"credentials"`
	Session     *drivers.SessionStatus `json:"session,omitempty"`
}

// UpsertRequest creates or updates an integration
type UpsertRequest struct {
	Provider          string                 `json:"provider" validate:"required,oneof=messenger whatsapp broker"`
	ExternalChannelID string                 `json:"external_channel_id" validate:"required,max=191"`
	Name              string                 `json:"name" validate:"max=255"`
	Credentials       map[string]interface{} `json:"credentials"`
	Settings          map[string]interface{} `json:"settings"`
	Activate          bool                   `json:"activate"`
}

// Service is the integration registry.
type Service struct {
	db  *gorm.DB
	key []byte
}

// NewService creates a registry over conn. key encrypts credentials at rest.
func NewService(conn *gorm.DB, key []byte) *Service {
	return &Service{db: conn, key: key}
}

// SetActiveIntegration makes integrationID the only active integration of
// its tenant. Disabling the siblings and enabling the target happen in one
// transaction.
func (s *Service) SetActiveIntegration(ctx context.Context, tenantID, integrationID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return setActive(tx, tenantID, integrationID)
	})
}

func setActive(tx *gorm.DB, tenantID, integrationID uint) error {
	var integration models.Integration
	if err := tx.Where("id = ? AND tenant_id = ?", integrationID, tenantID).First(&integration).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrIntegrationNotFound
		}
		return err
	}

	if err := tx.Model(&models.Integration{}).
		Where("tenant_id = ? AND id <> ? AND is_active = ?", tenantID, integrationID, true).
		Update("is_active", false).Error; err != nil {
		return fmt.Errorf("failed to disable sibling integrations: %w", err)
	}

	if err := tx.Model(&models.Integration{}).
		Where("id = ?", integrationID).
		Update("is_active", true).Error; err != nil {
		return fmt.Errorf("failed to enable integration: %w", err)
	}
	return nil
}

// Deactivate disables an integration without enabling another one.
func (s *Service) Deactivate(ctx context.Context, tenantID, integrationID uint) error {
	result := s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ? AND tenant_id = ?", integrationID, tenantID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

// Upsert creates or updates the integration identified by
// (tenant, provider, external channel id). Masked credential values sent
// back by clients keep the stored secret.
func (s *Service) Upsert(ctx context.Context, tenantID uint, req UpsertRequest) (*models.Integration, error) {
	adapter, ok := drivers.Get(req.Provider)
	if !ok {
		return nil, ErrUnknownProvider
	}

	var result models.Integration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Integration
		err := tx.Where("tenant_id = ? AND provider = ? AND external_channel_id = ?", tenantID, req.Provider, req.ExternalChannelID).
			First(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		credentials := req.Credentials
		if found && existing.Credentials != "" {
			stored, err := s.decrypt(existing.Credentials)
			if err != nil {
				return err
			}
			credentials = MergeCredentials(stored, req.Credentials)
		}
		raw, err := json.Marshal(credentials)
		if err != nil {
			return err
		}
		if err := adapter.Validate(raw); err != nil {
			return response.NewErrorWithDetails(response.ErrorCodeValidationError, "Invalid credentials", http.StatusBadRequest, err.Error())
		}
		sealed, err := crypto.Encrypt(s.key, string(raw))
		if err != nil {
			return fmt.Errorf("failed to encrypt credentials: %w", err)
		}

		var settings datatypes.JSON
		if req.Settings != nil {
			if settings, err = json.Marshal(req.Settings); err != nil {
				return err
			}
		}

		if found {
			updates := map[string]interface{}{
				"credentials": sealed,
			}
			if req.Name != "" {
				updates["name"] = req.Name
			}
			if settings != nil {
				updates["settings"] = settings
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
			result = existing
		} else {
			result = models.Integration{
				TenantID:          tenantID,
				Provider:          req.Provider,
				ExternalChannelID: req.ExternalChannelID,
				Name:              req.Name,
				Credentials:       sealed,
				Settings:          settings,
				WebhookMode:       adapter.Descriptor().WebhookMode,
			}
			if result.WebhookMode == models.WebhookModeSession {
				result.SessionState = models.SessionStateDisconnected
			}
			if err := tx.Create(&result).Error; err != nil {
				if models.IsUniqueViolation(err) {
					return response.NewError(response.ErrorCodeConflict, "Integration was created concurrently", http.StatusConflict)
				}
				return err
			}
		}

		if req.Activate {
			if err := setActive(tx, tenantID, result.ID); err != nil {
				return err
			}
		}
		return tx.First(&result, result.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns the tenant's integrations with masked credentials.
func (s *Service) List(ctx context.Context, tenantID uint) ([]IntegrationView, error) {
	var integrations []models.Integration
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id ASC").Find(&integrations).Error; err != nil {
		return nil, err
	}

	views := make([]IntegrationView, 0, len(integrations))
	for _, integration := range integrations {
		view := IntegrationView{Integration: integration}
		if raw, err := s.decrypt(integration.Credentials); err == nil {
			view.Credentials = drivers.MaskCredentials(raw)
		}
		if adapter, ok := drivers.Get(integration.Provider); ok {
			if stateful, ok := adapter.(drivers.Stateful); ok {
				status := stateful.State(integration.TenantID, integration.Slot())
				view.Session = &status
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// Get loads one integration of the tenant with decrypted credentials.
func (s *Service) Get(ctx context.Context, tenantID, integrationID uint) (*ActiveIntegration, error) {
	var integration models.Integration
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", integrationID, tenantID).First(&integration).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	return s.withCredentials(integration)
}

// ActiveCredentials returns the tenant's active integration. The row and its
// credentials are read in one transaction so a concurrent switch is never
// observed half way.
func (s *Service) ActiveCredentials(ctx context.Context, tenantID uint) (*ActiveIntegration, error) {
	var active *ActiveIntegration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var integration models.Integration
		if err := tx.Where("tenant_id = ? AND is_active = ?", tenantID, true).First(&integration).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoActiveIntegration
			}
			return err
		}
		var err error
		active, err = s.withCredentials(integration)
		return err
	})
	return active, err
}

// ForConversation returns the active integration that may send on behalf of
// a conversation of the given provider.
func (s *Service) ForConversation(ctx context.Context, tenantID uint, provider string) (*ActiveIntegration, error) {
	active, err := s.ActiveCredentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if active.Provider != provider {
		return nil, response.NewErrorWithDetails(response.ErrorCodeNotConnected, "The conversation's channel is not the tenant's active integration", http.StatusConflict,
			fmt.Sprintf("active provider is %s", active.Provider))
	}
	return active, nil
}

// FindByChannel resolves the active integration owning an external channel.
// Webhooks use it to pick the credentials to verify against.
func (s *Service) FindByChannel(ctx context.Context, provider, externalChannelID string) (*ActiveIntegration, error) {
	if externalChannelID == "" {
		return nil, ErrIntegrationNotFound
	}
	var integration models.Integration
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_channel_id = ? AND is_active = ?", provider, externalChannelID, true).
		First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	return s.withCredentials(integration)
}

// FindSlot resolves a session-based integration by tenant and slot.
func (s *Service) FindSlot(ctx context.Context, tenantID uint, provider, slot string) (*ActiveIntegration, error) {
	var integration models.Integration
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ? AND external_channel_id = ?", tenantID, provider, slot).
		First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	return s.withCredentials(integration)
}

// Slots lists the tenant's integrations of a session-based provider.
func (s *Service) Slots(ctx context.Context, tenantID uint, provider string) ([]models.Integration, error) {
	var integrations []models.Integration
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		Order("id ASC").
		Find(&integrations).Error
	return integrations, err
}

// Test runs the provider's connection test and records when it ran.
func (s *Service) Test(ctx context.Context, tenantID, integrationID uint) (drivers.TestResult, error) {
	integration, err := s.Get(ctx, tenantID, integrationID)
	if err != nil {
		return drivers.TestResult{}, err
	}
	adapter, ok := drivers.Get(integration.Provider)
	if !ok {
		return drivers.TestResult{}, ErrUnknownProvider
	}

	result := drivers.TestResult{Success: true, Message: "Credentials are valid"}
	if tester, ok := adapter.(drivers.Tester); ok {
		result = tester.Test(ctx, integration.Credentials)
	} else if err := adapter.Validate(integration.Credentials); err != nil {
		result = drivers.TestResult{Success: false, Message: "Invalid credentials", Details: err.Error()}
	}

	now := time.Now()
	updates := map[string]interface{}{"tested_at": &now, "last_error": ""}
	if !result.Success {
		updates["last_error"] = strings.TrimSpace(result.Message + ": " + result.Details)
	}
	if err := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", integration.ID).Updates(updates).Error; err != nil {
		return result, err
	}
	return result, nil
}

// SaveSessionState records the state of a session-based slot.
func (s *Service) SaveSessionState(ctx context.Context, tenantID uint, slot string, status drivers.SessionStatus, wasConnected bool) error {
	updates := map[string]interface{}{
		"session_state": status.State,
		"was_connected": wasConnected,
		"last_error":    status.LastError,
	}
	if status.PhoneNumber != "" {
		updates["phone_number"] = status.PhoneNumber
	}
	return s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("tenant_id = ? AND provider = ? AND external_channel_id = ?", tenantID, models.ProviderWhatsApp, slot).
		Updates(updates).Error
}

// ConnectedSlots lists sessions that were connected when the process stopped.
func (s *Service) ConnectedSlots(ctx context.Context) ([]whatsapp.SlotRef, error) {
	var integrations []models.Integration
	err := s.db.WithContext(ctx).
		Where("provider = ? AND was_connected = ?", models.ProviderWhatsApp, true).
		Find(&integrations).Error
	if err != nil {
		return nil, err
	}
	refs := make([]whatsapp.SlotRef, 0, len(integrations))
	for _, integration := range integrations {
		refs = append(refs, whatsapp.SlotRef{TenantID: integration.TenantID, Slot: integration.Slot()})
	}
	return refs, nil
}

func (s *Service) withCredentials(integration models.Integration) (*ActiveIntegration, error) {
	raw, err := s.decrypt(integration.Credentials)
	if err != nil {
		return nil, err
	}
	return &ActiveIntegration{Integration: integration, Credentials: raw}, nil
}

func (s *Service) decrypt(sealed string) ([]byte, error) {
	if sealed == "" {
		return nil, nil
	}
	plain, err := crypto.Decrypt(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return []byte(plain), nil
}

// MergeCredentials merges new credentials with the stored ones, keeping
// sensitive fields whose new value looks masked (contains "..." or is "****").
func MergeCredentials(stored []byte, incoming map[string]interface{}) map[string]interface{} {
	var existing map[string]interface{}
	if err := json.Unmarshal(stored, &existing); err != nil {
		existing = make(map[string]interface{})
	}

	result := make(map[string]interface{}, len(existing))
	for key, value := range existing {
		result[key] = value
	}
	for key, value := range incoming {
		if str, ok := value.(string); ok && drivers.SensitiveFields[key] && isMasked(str) {
			continue
		}
		result[key] = value
	}
	return result
}

func isMasked(value string) bool {
	return strings.Contains(value, "...") || value == "****"
}
