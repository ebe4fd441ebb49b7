package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/broker"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/messenger"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/models/testdb"
	"github.com/iesreza/homa-inbox/lib/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func init() {
	drivers.Register(messenger.New(messenger.Config{}))
	drivers.Register(broker.New(broker.Config{APIURL: "http://broker.local"}))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(testdb.Open(t), testKey)
}

func messengerRequest(page string, activate bool) UpsertRequest {
	return UpsertRequest{
		Provider:          models.ProviderMessenger,
		ExternalChannelID: page,
		Name:              "Page " + page,
		Credentials: map[string]interface{}{
			"page_id":           page,
			"page_access_token": "EAAB-secret-token-" + page,
			"app_secret":        "app-secret-" + page,
		},
		Activate: activate,
	}
}

func activeIDs(t *testing.T, s *Service, tenantID uint) []uint {
	t.Helper()
	var ids []uint
	require.NoError(t, s.db.Model(&models.Integration{}).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Pluck("id", &ids).Error)
	return ids
}

func TestSetActiveIntegrationKeepsSingleActive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, 1, messengerRequest("100", true))
	require.NoError(t, err)
	second, err := s.Upsert(ctx, 1, messengerRequest("200", true))
	require.NoError(t, err)
	other, err := s.Upsert(ctx, 2, messengerRequest("300", true))
	require.NoError(t, err)

	assert.Equal(t, []uint{second.ID}, activeIDs(t, s, 1))

	require.NoError(t, s.SetActiveIntegration(ctx, 1, first.ID))
	assert.Equal(t, []uint{first.ID}, activeIDs(t, s, 1))

	// another tenant is never touched
	assert.Equal(t, []uint{other.ID}, activeIDs(t, s, 2))
}

func TestSetActiveIntegrationRejectsForeignTenant(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	mine, err := s.Upsert(ctx, 1, messengerRequest("100", true))
	require.NoError(t, err)
	theirs, err := s.Upsert(ctx, 2, messengerRequest("200", false))
	require.NoError(t, err)

	err = s.SetActiveIntegration(ctx, 1, theirs.ID)
	assert.True(t, errors.Is(err, ErrIntegrationNotFound))
	assert.Equal(t, []uint{mine.ID}, activeIDs(t, s, 1))
	assert.Empty(t, activeIDs(t, s, 2))
}

func TestUpsertKeepsSecretsSentBackMasked(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	created, err := s.Upsert(ctx, 1, messengerRequest("100", false))
	require.NoError(t, err)

	views, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	masked := views[0].Credentials["page_access_token"].(string)
	assert.Equal(t, "EAAB...-100", masked)
	assert.Equal(t, "100", views[0].Credentials["page_id"])

	req := messengerRequest("100", false)
	req.Name = "Renamed"
	req.Credentials = map[string]interface{}{
		"page_id":           "100",
		"page_access_token": masked,
		"app_secret":        "rotated-secret",
	}
	updated, err := s.Upsert(ctx, 1, req)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Renamed", updated.Name)

	loaded, err := s.Get(ctx, 1, created.ID)
	require.NoError(t, err)
	var creds models.MessengerCredentials
	require.NoError(t, json.Unmarshal(loaded.Credentials, &creds))
	assert.Equal(t, "EAAB-secret-token-100", creds.PageAccessToken)
	assert.Equal(t, "rotated-secret", creds.AppSecret)
}

func TestCredentialsAreEncryptedAtRest(t *testing.T) {
	s := newTestService(t)
	created, err := s.Upsert(context.Background(), 1, messengerRequest("100", false))
	require.NoError(t, err)

	var row models.Integration
	require.NoError(t, s.db.First(&row, created.ID).Error)
	assert.NotEmpty(t, row.Credentials)
	assert.NotContains(t, row.Credentials, "EAAB-secret-token")

	raw, err := json.Marshal(row)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "credentials")
}

func TestUpsertRejectsInvalidCredentials(t *testing.T) {
	s := newTestService(t)
	req := messengerRequest("100", false)
	req.Credentials = map[string]interface{}{"page_id": "100"}

	_, err := s.Upsert(context.Background(), 1, req)
	var appErr response.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, response.ErrorCodeValidationError, appErr.Code)
}

func TestUpsertUnknownProvider(t *testing.T) {
	s := newTestService(t)
	_, err := s.Upsert(context.Background(), 1, UpsertRequest{Provider: "fax", ExternalChannelID: "1"})
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestFindByChannelResolvesActiveOnly(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, 1, messengerRequest("100", true))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, 1, messengerRequest("200", false))
	require.NoError(t, err)

	found, err := s.FindByChannel(ctx, models.ProviderMessenger, "100")
	require.NoError(t, err)
	assert.Equal(t, uint(1), found.TenantID)
	assert.Contains(t, string(found.Credentials), "EAAB-secret-token-100")

	_, err = s.FindByChannel(ctx, models.ProviderMessenger, "200")
	assert.True(t, errors.Is(err, ErrIntegrationNotFound))

	_, err = s.FindByChannel(ctx, models.ProviderMessenger, "")
	assert.True(t, errors.Is(err, ErrIntegrationNotFound))
}

func TestActiveCredentials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.ActiveCredentials(ctx, 1)
	assert.True(t, errors.Is(err, ErrNoActiveIntegration))

	created, err := s.Upsert(ctx, 1, messengerRequest("100", true))
	require.NoError(t, err)

	active, err := s.ActiveCredentials(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)
	assert.Contains(t, string(active.Credentials), "app-secret-100")

	require.NoError(t, s.Deactivate(ctx, 1, created.ID))
	_, err = s.ActiveCredentials(ctx, 1)
	assert.True(t, errors.Is(err, ErrNoActiveIntegration))
}

func TestForConversationRequiresMatchingProvider(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, 1, messengerRequest("100", true))
	require.NoError(t, err)

	active, err := s.ForConversation(ctx, 1, models.ProviderMessenger)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMessenger, active.Provider)

	_, err = s.ForConversation(ctx, 1, models.ProviderBroker)
	var appErr response.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, response.ErrorCodeNotConnected, appErr.Code)
}

func TestSessionStateRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.db.Create(&models.Integration{
		TenantID:          3,
		Provider:          models.ProviderWhatsApp,
		ExternalChannelID: "main",
		WebhookMode:       models.WebhookModeSession,
		SessionState:      models.SessionStateDisconnected,
	}).Error)

	err := s.SaveSessionState(ctx, 3, "main", drivers.SessionStatus{
		Slot:        "main",
		State:       models.SessionStateReady,
		Connected:   true,
		PhoneNumber: "+4915100000",
	}, true)
	require.NoError(t, err)

	refs, err := s.ConnectedSlots(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, uint(3), refs[0].TenantID)
	assert.Equal(t, "main", refs[0].Slot)

	require.NoError(t, s.SaveSessionState(ctx, 3, "main", drivers.SessionStatus{
		Slot:      "main",
		State:     models.SessionStateDisconnected,
		LastError: "logged out",
	}, false))
	refs, err = s.ConnectedSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)

	var row models.Integration
	require.NoError(t, s.db.Where("tenant_id = ? AND external_channel_id = ?", 3, "main").First(&row).Error)
	assert.Equal(t, "logged out", row.LastError)
	assert.Equal(t, "+4915100000", row.PhoneNumber)
}

func TestMergeCredentials(t *testing.T) {
	stored := []byte(`{"page_id":"1","page_access_token":"secret-token","app_secret":"s3cr3t"}`)

	merged := MergeCredentials(stored, map[string]interface{}{
		"page_id":           "2",
		"page_access_token": "secr...oken",
		"app_secret":        "****",
	})
	assert.Equal(t, "2", merged["page_id"])
	assert.Equal(t, "secret-token", merged["page_access_token"])
	assert.Equal(t, "s3cr3t", merged["app_secret"])

	// non-sensitive fields are taken literally even when they look masked
	merged = MergeCredentials(stored, map[string]interface{}{"page_id": "****"})
	assert.Equal(t, "****", merged["page_id"])
}
