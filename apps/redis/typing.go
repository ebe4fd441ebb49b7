package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh
const DefaultTypingTTL = 6 * time.Second

// TypingStore keeps ephemeral typing indicators per conversation. With a
// client each conversation is a sorted set scored by expiry; without one
// the state lives in process memory.
type TypingStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	memory map[uint]map[uuid.UUID]time.Time
}

// NewTypingStore creates a store. client may be nil.
func NewTypingStore(client redis.UniversalClient, ttl time.Duration) *TypingStore {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingStore{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		memory: make(map[uint]map[uuid.UUID]time.Time),
	}
}

// TTL returns the indicator lifetime
func (t *TypingStore) TTL() time.Duration {
	return t.ttl
}

func typingKey(conversationID uint) string {
	return fmt.Sprintf("inbox:typing:%d", conversationID)
}

// SetTyping starts or refreshes the indicator of a user; isTyping false
// removes it immediately.
func (t *TypingStore) SetTyping(ctx context.Context, conversationID uint, userID uuid.UUID, isTyping bool) error {
	expires := t.now().Add(t.ttl)
	if t.client == nil {
		t.setMemory(conversationID, userID, isTyping, expires)
		return nil
	}

	key := typingKey(conversationID)
	if !isTyping {
		return t.client.ZRem(ctx, key, userID.String()).Err()
	}
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expires.UnixMilli()), Member: userID.String()})
		pipe.Expire(ctx, key, 2*t.ttl)
		return nil
	})
	return err
}

// IsTyping reports whether a user has a live indicator
func (t *TypingStore) IsTyping(ctx context.Context, conversationID uint, userID uuid.UUID) (bool, error) {
	users, err := t.Typing(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, id := range users {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Typing lists the users currently typing in a conversation
func (t *TypingStore) Typing(ctx context.Context, conversationID uint) ([]uuid.UUID, error) {
	now := t.now()
	if t.client == nil {
		return t.typingMemory(conversationID, now), nil
	}

	key := typingKey(conversationID)
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	if err := t.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return nil, err
	}
	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}

	users := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		if id, err := uuid.Parse(member); err == nil {
			users = append(users, id)
		}
	}
	return users, nil
}

func (t *TypingStore) setMemory(conversationID uint, userID uuid.UUID, isTyping bool, expires time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.memory[conversationID]
	if !isTyping {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.memory, conversationID)
		}
		return
	}
	if users == nil {
		users = make(map[uuid.UUID]time.Time)
		t.memory[conversationID] = users
	}
	users[userID] = expires
}

func (t *TypingStore) typingMemory(conversationID uint, now time.Time) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.memory[conversationID]
	out := make([]uuid.UUID, 0, len(users))
	for id, expires := range users {
		if !expires.After(now) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(t.memory, conversationID)
	}
	return out
}
