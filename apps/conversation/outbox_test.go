package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeProvider = "fake"

type fakeSender struct {
	mu      sync.Mutex
	err     error
	targets []drivers.SendTarget
	sent    []drivers.OutboundMessage
}

func (f *fakeSender) Provider() string                  { return fakeProvider }
func (f *fakeSender) Descriptor() drivers.Descriptor    { return drivers.Descriptor{Provider: fakeProvider} }
func (f *fakeSender) Validate(credentials []byte) error { return nil }

func (f *fakeSender) Send(_ context.Context, target drivers.SendTarget, msg drivers.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.targets = append(f.targets, target)
	f.sent = append(f.sent, msg)
	return "ext-" + msg.Content, nil
}

func (f *fakeSender) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeCredentials struct {
	err error
}

func (f fakeCredentials) ForConversation(_ context.Context, tenantID uint, provider string) (*integrations.ActiveIntegration, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &integrations.ActiveIntegration{
		Integration: models.Integration{TenantID: tenantID, Provider: provider, ExternalChannelID: "channel-1"},
		Credentials: []byte(`{"token":"t"}`),
	}, nil
}

func newTestOutbox(t *testing.T, creds CredentialSource) (*Outbox, *Store, *fakeSender) {
	t.Helper()
	s, _, _ := newTestStore(t)
	sender := &fakeSender{}
	drivers.Register(sender)
	return NewOutbox(s, creds, time.Second), s, sender
}

func fakeConversation(t *testing.T, s *Store) *models.Conversation {
	t.Helper()
	conversation, _, err := s.UpsertConversation(context.Background(),
		Identity{TenantID: 1, Provider: fakeProvider, ExternalID: "thread-1"},
		Contact{Identifier: "contact-1"})
	require.NoError(t, err)
	return conversation
}

func TestReplyIsSentAndRecorded(t *testing.T) {
	outbox, s, sender := newTestOutbox(t, fakeCredentials{})
	conversation := fakeConversation(t, s)
	agent := uuid.New()

	message, err := outbox.Reply(context.Background(), 1, conversation.ID, agent, "hello", &Media{URL: "https://cdn/a.png", Type: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, models.SendStatusSent, message.SendStatus)
	assert.Equal(t, "ext-hello", *message.ExternalMessageID)
	assert.Equal(t, agent, *message.SenderID)

	require.Len(t, sender.targets, 1)
	assert.Equal(t, "channel-1", sender.targets[0].ChannelID)
	assert.Equal(t, "thread-1", sender.targets[0].ExternalConversationID)
	assert.Equal(t, "contact-1", sender.targets[0].ContactIdentifier)
	assert.Equal(t, "https://cdn/a.png", sender.sent[0].MediaURL)
}

func TestFailedReplyIsKeptAndCanBeResent(t *testing.T) {
	outbox, s, sender := newTestOutbox(t, fakeCredentials{})
	conversation := fakeConversation(t, s)
	ctx := context.Background()

	sender.fail(&drivers.SendError{Provider: fakeProvider, StatusCode: 500, Message: "upstream down"})
	message, err := outbox.Reply(ctx, 1, conversation.ID, uuid.New(), "hello", nil)
	var appErr response.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, response.ErrorCodeSendFailed, appErr.Code)
	require.NotNil(t, message)
	assert.Equal(t, models.SendStatusFailed, message.SendStatus)
	assert.NotEmpty(t, message.SendError)

	stored, err := s.GetMessage(ctx, 1, message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SendStatusFailed, stored.SendStatus)

	sender.fail(nil)
	resent, err := outbox.Resend(ctx, 1, conversation.ID, message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.ID, resent.ID)
	assert.Equal(t, models.SendStatusSent, resent.SendStatus)
	assert.Empty(t, resent.SendError)

	_, err = outbox.Resend(ctx, 1, conversation.ID, message.ID)
	assert.True(t, errors.Is(err, ErrNotResendable))
}

func TestConcurrentResendsSendOnce(t *testing.T) {
	outbox, s, sender := newTestOutbox(t, fakeCredentials{})
	conversation := fakeConversation(t, s)
	ctx := context.Background()

	sender.fail(errors.New("upstream down"))
	message, err := outbox.Reply(ctx, 1, conversation.ID, uuid.New(), "hello", nil)
	require.Error(t, err)
	sender.fail(nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = outbox.Resend(ctx, 1, conversation.ID, message.ID)
		}(i)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, ErrNotResendable))
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Len(t, sender.sent, 1)

	_, err = s.ClaimResend(ctx, message.ID)
	assert.True(t, errors.Is(err, ErrNotResendable))
}

func TestReplyWithoutConnectedIntegration(t *testing.T) {
	notConnected := response.NewError(response.ErrorCodeNotConnected, "No active integration", 409)
	outbox, s, sender := newTestOutbox(t, fakeCredentials{err: notConnected})
	conversation := fakeConversation(t, s)

	message, err := outbox.Reply(context.Background(), 1, conversation.ID, uuid.New(), "hello", nil)
	assert.True(t, errors.Is(err, notConnected))
	require.NotNil(t, message)
	assert.Equal(t, models.SendStatusFailed, message.SendStatus)
	assert.Empty(t, sender.sent)
}

func TestReplyToClosedConversation(t *testing.T) {
	outbox, s, _ := newTestOutbox(t, fakeCredentials{})
	conversation := fakeConversation(t, s)
	ctx := context.Background()

	_, err := s.Close(ctx, 1, conversation.ID, nil)
	require.NoError(t, err)

	_, err = outbox.Reply(ctx, 1, conversation.ID, uuid.New(), "hello", nil)
	assert.True(t, errors.Is(err, ErrConversationClosed))
	assert.Equal(t, int64(0), count(t, s.db, &models.Message{}))
}

func TestReplyIsTenantScoped(t *testing.T) {
	outbox, s, _ := newTestOutbox(t, fakeCredentials{})
	conversation := fakeConversation(t, s)

	_, err := outbox.Reply(context.Background(), 2, conversation.ID, uuid.New(), "hello", nil)
	assert.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestResendRejectsInboundMessages(t *testing.T) {
	outbox, s, _ := newTestOutbox(t, fakeCredentials{})
	conversation := fakeConversation(t, s)
	ctx := context.Background()

	message, _, err := s.AppendMessage(ctx, conversation.ID, inbound("m1", "hi"))
	require.NoError(t, err)
	_, err = outbox.Resend(ctx, 1, conversation.ID, message.ID)
	assert.True(t, errors.Is(err, ErrNotResendable))
}
