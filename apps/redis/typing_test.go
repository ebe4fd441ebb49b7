package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingExpiresAfterTTL(t *testing.T) {
	store := NewTypingStore(nil, 6*time.Second)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	agent := uuid.New()

	require.NoError(t, store.SetTyping(ctx, 7, agent, true))
	typing, err := store.IsTyping(ctx, 7, agent)
	require.NoError(t, err)
	assert.True(t, typing)

	now = now.Add(5 * time.Second)
	typing, err = store.IsTyping(ctx, 7, agent)
	require.NoError(t, err)
	assert.True(t, typing)

	now = now.Add(time.Second)
	typing, err = store.IsTyping(ctx, 7, agent)
	require.NoError(t, err)
	assert.False(t, typing)
}

func TestTypingRefreshExtendsIndicator(t *testing.T) {
	store := NewTypingStore(nil, 6*time.Second)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	agent := uuid.New()

	require.NoError(t, store.SetTyping(ctx, 7, agent, true))
	now = now.Add(4 * time.Second)
	require.NoError(t, store.SetTyping(ctx, 7, agent, true))
	now = now.Add(4 * time.Second)

	users, err := store.Typing(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{agent}, users)
}

func TestTypingStopRemovesImmediately(t *testing.T) {
	store := NewTypingStore(nil, 0)
	assert.Equal(t, DefaultTypingTTL, store.TTL())
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, store.SetTyping(ctx, 1, first, true))
	require.NoError(t, store.SetTyping(ctx, 1, second, true))
	require.NoError(t, store.SetTyping(ctx, 1, first, false))

	users, err := store.Typing(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{second}, users)

	// other conversations are independent
	users, err = store.Typing(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, users)

	// stopping twice is harmless
	require.NoError(t, store.SetTyping(ctx, 1, first, false))
}
