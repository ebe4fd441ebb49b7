package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "object": "page",
  "entry": [{
    "id": "PAGE1",
    "time": 1700000000000,
    "messaging": [
      {"sender": {"id": "PSID1"}, "recipient": {"id": "PAGE1"}, "timestamp": 1700000000000,
       "message": {"mid": "m1", "text": "hello"}},
      {"sender": {"id": "PAGE1"}, "recipient": {"id": "PSID1"}, "timestamp": 1700000000500,
       "message": {"mid": "m2", "text": "echo", "is_echo": true}},
      {"sender": {"id": "PSID1"}, "recipient": {"id": "PAGE1"}, "timestamp": 1700000001000,
       "read": {"watermark": 1700000000900}}
    ]
  }]
}`

func credentials(t *testing.T, secret string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"page_id": "PAGE1", "page_access_token": "token-123", "app_secret": secret})
	require.NoError(t, err)
	return raw
}

func TestVerifySubscription(t *testing.T) {
	t.Parallel()

	a := New(Config{VerifyToken: "verify-me"})

	challenge, err := a.VerifySubscription("subscribe", "verify-me", "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", challenge)

	_, err = a.VerifySubscription("subscribe", "wrong", "abc")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = a.VerifySubscription("unsubscribe", "verify-me", "abc")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyWebhookSignature(t *testing.T) {
	t.Parallel()

	a := New(Config{})
	raw := []byte(samplePayload)
	creds := credentials(t, "tenant-secret")

	headers := http.Header{}
	headers.Set(signatureHeader, SignatureHeader([]byte("tenant-secret"), raw))
	require.NoError(t, a.VerifyWebhook(creds, raw, headers))

	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-2] = ' '
	assert.ErrorIs(t, a.VerifyWebhook(creds, tampered, headers), drivers.ErrInvalidSignature)

	headers.Set(signatureHeader, SignatureHeader([]byte("other-secret"), raw))
	assert.ErrorIs(t, a.VerifyWebhook(creds, raw, headers), drivers.ErrInvalidSignature)

	headers.Set(signatureHeader, "sha1=deadbeef")
	assert.ErrorIs(t, a.VerifyWebhook(creds, raw, headers), drivers.ErrInvalidSignature)
}

func TestVerifyWebhookFallsBackToPlatformSecret(t *testing.T) {
	t.Parallel()

	a := New(Config{AppSecret: "platform"})
	raw := []byte(samplePayload)

	headers := http.Header{}
	headers.Set(signatureHeader, SignatureHeader([]byte("platform"), raw))
	assert.NoError(t, a.VerifyWebhook(credentials(t, ""), raw, headers))
}

func TestChannelIDPeek(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PAGE1", New(Config{}).ChannelID([]byte(samplePayload), nil))
	assert.Equal(t, "", New(Config{}).ChannelID([]byte(`{}`), nil))
}

func TestReceiveWebhook(t *testing.T) {
	t.Parallel()

	batch, err := New(Config{}).ReceiveWebhook([]byte(samplePayload), nil)
	require.NoError(t, err)

	assert.Equal(t, "PAGE1", batch.ChannelID)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "PSID1", batch.Events[0].ExternalConversationID)
	assert.Equal(t, "m1", batch.Events[0].ExternalMessageID)
	assert.Equal(t, "hello", batch.Events[0].Content)
	assert.Equal(t, "PAGE1", batch.Events[0].ChannelID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), batch.Events[0].Timestamp)

	require.Len(t, batch.Receipts, 1)
	assert.Equal(t, drivers.ReceiptSeen, batch.Receipts[0].Kind)
	assert.Equal(t, "PAGE1", batch.Receipts[0].ChannelID)
	assert.Equal(t, time.UnixMilli(1700000000900).UTC(), batch.Receipts[0].Watermark)
}

func TestReceiveWebhookRejectsOtherObjects(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).ReceiveWebhook([]byte(`{"object":"instagram","entry":[]}`), nil)
	assert.Error(t, err)
}

func TestSend(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v18.0/me/messages", r.URL.Path)
		assert.Equal(t, "token-123", r.URL.Query().Get("access_token"))

		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "PSID1", payload["recipient"].(map[string]interface{})["id"])
		assert.Equal(t, "hi there", payload["message"].(map[string]interface{})["text"])

		_, _ = w.Write([]byte(`{"recipient_id":"PSID1","message_id":"mid.out.1"}`))
	}))
	defer server.Close()

	a := New(Config{GraphURL: server.URL})
	id, err := a.Send(context.Background(), drivers.SendTarget{
		ContactIdentifier: "PSID1",
		Credentials:       credentials(t, "s"),
	}, drivers.OutboundMessage{Content: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "mid.out.1", id)
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Calls to this api have exceeded the rate limit.","code":613}}`))
	}))
	defer server.Close()

	_, err := New(Config{GraphURL: server.URL}).Send(context.Background(), drivers.SendTarget{
		ContactIdentifier: "PSID1",
		Credentials:       credentials(t, "s"),
	}, drivers.OutboundMessage{Content: "hi"})

	var sendErr *drivers.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.True(t, sendErr.Retryable)
	assert.Equal(t, http.StatusBadRequest, sendErr.StatusCode)
	assert.Contains(t, sendErr.Message, "rate limit")
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	_, err := New(Config{GraphURL: server.URL, Timeout: 50 * time.Millisecond}).Send(context.Background(), drivers.SendTarget{
		ContactIdentifier: "PSID1",
		Credentials:       credentials(t, "s"),
	}, drivers.OutboundMessage{Content: "hi"})

	var sendErr *drivers.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.True(t, sendErr.Retryable)
}
