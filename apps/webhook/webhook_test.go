package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/iesreza/homa-inbox/apps/conversation"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/broker"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/messenger"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/whatsapp"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/models/testdb"
	"github.com/iesreza/homa-inbox/lib/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

var pageAdapter = messenger.New(messenger.Config{VerifyToken: "verify-me", GraphURL: "http://graph.local"})

func init() {
	drivers.Register(pageAdapter)
	drivers.Register(broker.New(broker.Config{APIURL: "http://broker.local"}))
}

type captureQueue struct {
	mu        sync.Mutex
	envelopes []Envelope
	err       error
}

func (q *captureQueue) Enqueue(_ context.Context, envelope Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.envelopes = append(q.envelopes, envelope)
	return nil
}

func (q *captureQueue) all() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Envelope(nil), q.envelopes...)
}

type fixture struct {
	app       *fiber.App
	queue     *captureQueue
	registry  *integrations.Service
	processor *Processor
	store     *conversation.Store
	recorder  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testdb.Open(t)
	registry := integrations.NewService(conn, testKey)
	recorder := &events.Recorder{}
	store := conversation.NewStore(conn, recorder).WithLanguageDetector(nil)
	queue := &captureQueue{}

	app := fiber.New()
	NewController(NewIngestor(registry, queue), pageAdapter, 4096).Mount(app)

	return &fixture{
		app:       app,
		queue:     queue,
		registry:  registry,
		processor: NewProcessor(store),
		store:     store,
		recorder:  recorder,
	}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func (f *fixture) addPage(t *testing.T, tenantID uint, page, secret string) {
	t.Helper()
	_, err := f.registry.Upsert(context.Background(), tenantID, integrations.UpsertRequest{
		Provider:          models.ProviderMessenger,
		ExternalChannelID: page,
		Credentials: map[string]interface{}{
			"page_id":           page,
			"page_access_token": "page-token-" + page,
			"app_secret":        secret,
		},
		Activate: true,
	})
	require.NoError(t, err)
}

func pageMessage(page, sender, mid, text string) string {
	return fmt.Sprintf(`{"object":"page","entry":[{"id":%q,"time":1700000000000,"messaging":[{"sender":{"id":%q},"recipient":{"id":%q},"timestamp":1700000000000,"message":{"mid":%q,"text":%q}}]}]}`,
		page, sender, page, mid, text)
}

func TestMessengerSubscriptionHandshake(t *testing.T) {
	f := newFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("GET", "/webhooks/messenger?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=31337", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "31337", string(body))

	resp, err = f.app.Test(httptest.NewRequest("GET", "/webhooks/messenger?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=31337", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestMessengerDeliveryIsQueuedThenStoredOnce(t *testing.T) {
	f := newFixture(t)
	f.addPage(t, 1, "100", "app-secret")

	body := pageMessage("100", "psid-1", "m-1", "hello")
	signature := messenger.SignatureHeader([]byte("app-secret"), []byte(body))

	status, _ := f.post(t, "/webhooks/messenger", body, map[string]string{"X-Hub-Signature-256": signature})
	require.Equal(t, fiber.StatusOK, status)

	// provider retry of the same delivery
	status, _ = f.post(t, "/webhooks/messenger", body, map[string]string{"X-Hub-Signature-256": signature})
	require.Equal(t, fiber.StatusOK, status)

	queued := f.queue.all()
	require.Len(t, queued, 2)
	assert.Equal(t, uint(1), queued[0].TenantID)
	assert.Equal(t, models.ProviderMessenger, queued[0].Provider)
	assert.Equal(t, queued[0].Digest, queued[1].Digest)
	assert.NotEqual(t, queued[0].ID, queued[1].ID)

	ctx := context.Background()
	first, err := f.processor.Process(ctx, queued[0])
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := f.processor.Process(ctx, queued[1])
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Duplicates)

	assert.Len(t, f.recorder.OfType(events.TypeNewMessage), 1)
}

func TestMessengerEntriesOfOtherPagesAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.addPage(t, 1, "100", "shared-secret")
	f.addPage(t, 2, "200", "shared-secret")

	body := `{"object":"page","entry":[` +
		`{"id":"100","time":1700000000000,"messaging":[{"sender":{"id":"psid-a"},"recipient":{"id":"100"},"timestamp":1700000000000,"message":{"mid":"m-a","text":"for tenant one"}}]},` +
		`{"id":"200","time":1700000000000,"messaging":[{"sender":{"id":"psid-b"},"recipient":{"id":"200"},"timestamp":1700000000000,"message":{"mid":"m-b","text":"for tenant two"}},` +
		`{"sender":{"id":"psid-b"},"recipient":{"id":"200"},"timestamp":1700000000000,"read":{"watermark":1700000000500}}]}]}`
	signature := messenger.SignatureHeader([]byte("shared-secret"), []byte(body))

	status, _ := f.post(t, "/webhooks/messenger", body, map[string]string{"X-Hub-Signature-256": signature})
	require.Equal(t, fiber.StatusOK, status)

	queued := f.queue.all()
	require.Len(t, queued, 1)
	assert.Equal(t, uint(1), queued[0].TenantID)
	assert.Equal(t, "100", queued[0].ChannelID)

	ctx := context.Background()
	result, err := f.processor.Process(ctx, queued[0])
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, result.Skipped)

	first, total, err := f.store.List(ctx, 1, conversation.Filter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, "psid-a", first[0].ExternalConversationID)

	_, total, err = f.store.List(ctx, 2, conversation.Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMessengerRejectsBadSignatureAndUnknownPage(t *testing.T) {
	f := newFixture(t)
	f.addPage(t, 1, "100", "app-secret")

	body := pageMessage("100", "psid-1", "m-1", "hello")
	status, _ := f.post(t, "/webhooks/messenger", body, map[string]string{
		"X-Hub-Signature-256": messenger.SignatureHeader([]byte("other-secret"), []byte(body)),
	})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = f.post(t, "/webhooks/messenger", body, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	unknown := pageMessage("999", "psid-1", "m-2", "hello")
	status, _ = f.post(t, "/webhooks/messenger", unknown, map[string]string{
		"X-Hub-Signature-256": messenger.SignatureHeader([]byte("app-secret"), []byte(unknown)),
	})
	assert.Equal(t, fiber.StatusForbidden, status)

	// a body altered after signing fails verification
	tampered := strings.Replace(body, "hello", "hullo", 1)
	status, _ = f.post(t, "/webhooks/messenger", tampered, map[string]string{
		"X-Hub-Signature-256": messenger.SignatureHeader([]byte("app-secret"), []byte(body)),
	})
	assert.Equal(t, fiber.StatusForbidden, status)

	assert.Empty(t, f.queue.all())
}

func TestBrokerTokenIsCheckedBeforeQueueing(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Upsert(context.Background(), 2, integrations.UpsertRequest{
		Provider:          models.ProviderBroker,
		ExternalChannelID: "55",
		Credentials: map[string]interface{}{
			"account_id":    "55",
			"api_token":     "api-token",
			"webhook_token": "hook-token",
		},
		Activate: true,
	})
	require.NoError(t, err)

	body := `{"event":"message_created","account":{"id":55},"conversation":{"id":9,"contact":{"identifier":"+4900","name":"Ada"}},"message":{"id":1,"content":"hi","message_type":"incoming"}}`

	status, _ := f.post(t, "/webhooks/broker?account=55", body, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Empty(t, f.queue.all())

	status, _ = f.post(t, "/webhooks/broker?account=55", body, map[string]string{"Authorization": "Bearer hook-token"})
	require.Equal(t, fiber.StatusOK, status)

	queued := f.queue.all()
	require.Len(t, queued, 1)
	assert.Equal(t, uint(2), queued[0].TenantID)

	result, err := f.processor.Process(context.Background(), queued[0])
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestBodyLargerThanLimitIsRejected(t *testing.T) {
	f := newFixture(t)
	f.addPage(t, 1, "100", "app-secret")

	body := pageMessage("100", "psid-1", "m-1", strings.Repeat("x", 5000))
	status, _ := f.post(t, "/webhooks/messenger", body, map[string]string{
		"X-Hub-Signature-256": messenger.SignatureHeader([]byte("app-secret"), []byte(body)),
	})
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
	assert.Empty(t, f.queue.all())
}

func TestQueueFailureIsSurfacedSoProviderRetries(t *testing.T) {
	f := newFixture(t)
	f.addPage(t, 1, "100", "app-secret")
	f.queue.err = errors.New("stream down")

	body := pageMessage("100", "psid-1", "m-1", "hello")
	status, _ := f.post(t, "/webhooks/messenger", body, map[string]string{
		"X-Hub-Signature-256": messenger.SignatureHeader([]byte("app-secret"), []byte(body)),
	})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

type idleBridge struct{}

func (idleBridge) Start(context.Context, uint, string) error     { return nil }
func (idleBridge) Stop(context.Context, uint, string) error      { return nil }
func (idleBridge) RequestQR(context.Context, uint, string) error { return nil }
func (idleBridge) Send(context.Context, uint, string, string, string, string) (string, error) {
	return "wamid-1", nil
}

func TestWhatsAppSignalsApplyWithoutQueueing(t *testing.T) {
	f := newFixture(t)
	recorder := &events.Recorder{}
	adapter := whatsapp.New(whatsapp.Config{BridgeToken: "bridge-secret", ConnectTimeout: time.Minute}, idleBridge{}, recorder, nil)
	drivers.Register(adapter)

	_, err := f.registry.Upsert(context.Background(), 3, integrations.UpsertRequest{
		Provider:          models.ProviderWhatsApp,
		ExternalChannelID: "main",
		Credentials:       map[string]interface{}{"bridge_token": "slot-secret"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = adapter.Connect(ctx, 3, "main")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = adapter.Disconnect(ctx, 3, "main") })

	status, _ := f.post(t, "/webhooks/whatsapp/3/main", `{"type":"qr","qr":"2@abc"}`, map[string]string{"Authorization": "Bearer bridge-secret"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := f.post(t, "/webhooks/whatsapp/3/main", `{"type":"qr","qr":"2@abc"}`, map[string]string{"Authorization": "Bearer slot-secret"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"queued":false`)
	assert.Equal(t, models.SessionStateAwaitingScan, adapter.State(3, "main").State)
	require.Len(t, recorder.OfType(events.TypeQR), 1)

	// an unknown slot is rejected
	status, _ = f.post(t, "/webhooks/whatsapp/3/other", `{"type":"qr","qr":"2@abc"}`, map[string]string{"Authorization": "Bearer slot-secret"})
	assert.Equal(t, fiber.StatusForbidden, status)

	// inbound messages are queued like any other delivery
	status, _ = f.post(t, "/webhooks/whatsapp/3/main", `{"type":"message","message":{"id":"w1","chat_id":"4917@c.us","from":"4917@c.us","body":"hallo"}}`, map[string]string{"Authorization": "Bearer slot-secret"})
	require.Equal(t, fiber.StatusOK, status)
	queued := f.queue.all()
	require.Len(t, queued, 1)
	assert.Equal(t, "main", queued[0].Slot)
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	f := newFixture(t)
	envelope := Envelope{ID: "e1", Provider: models.ProviderMessenger, TenantID: 1, Body: []byte(`{"object":"user"}`)}

	_, err := f.processor.Process(context.Background(), envelope)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
	assert.NoError(t, f.processor.Handle(context.Background(), envelope))
}

func TestDispatcherFallsBackToLocalQueue(t *testing.T) {
	primary := &captureQueue{err: errors.New("no stream")}
	fallback := &captureQueue{}
	dispatcher := NewDispatcher(fallback)
	ctx := context.Background()

	require.NoError(t, dispatcher.Enqueue(ctx, Envelope{ID: "a"}))
	dispatcher.Use(primary)
	require.NoError(t, dispatcher.Enqueue(ctx, Envelope{ID: "b"}))
	assert.Len(t, fallback.all(), 2)

	primary.mu.Lock()
	primary.err = nil
	primary.mu.Unlock()
	require.NoError(t, dispatcher.Enqueue(ctx, Envelope{ID: "c"}))
	assert.Len(t, primary.all(), 1)
	assert.Len(t, fallback.all(), 2)
}

func TestMemoryQueueRetriesAndDrainsOnStop(t *testing.T) {
	var calls int32
	queue := NewMemoryQueue(8, 2, func(_ context.Context, envelope Envelope) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("database busy")
		}
		return nil
	})
	queue.InitialBackoff = time.Millisecond
	queue.Start()

	require.NoError(t, queue.Enqueue(context.Background(), Envelope{ID: "x"}))
	queue.Stop()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.ErrorIs(t, queue.Enqueue(context.Background(), Envelope{ID: "y"}), ErrQueueFull)
}
