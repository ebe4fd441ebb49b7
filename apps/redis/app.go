package redis

import (
	"github.com/getevo/evo/v2/lib/application"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
)

var (
	typing         *TypingStore
	webhookLimiter *RateLimiter
)

// Typing returns the shared typing indicator store
func Typing() *TypingStore {
	return typing
}

// WebhookLimiter returns the limiter guarding provider callbacks
func WebhookLimiter() *RateLimiter {
	return webhookLimiter
}

// App represents the Redis application module
type App struct{}

// Register connects before the consumers build their routes
func (App) Register() error {
	if err := Initialize(LoadConfig()); err != nil {
		return err
	}

	ttl, err := settings.Get("INBOX.TYPING_TTL", "6s").Duration()
	if err != nil {
		ttl = DefaultTypingTTL
	}
	typing = NewTypingStore(Client, ttl)
	webhookLimiter = NewRateLimiter(Client, LoadWebhookRateLimit())
	return nil
}

func (App) Router() error {
	return nil
}

func (App) WhenReady() error {
	log.Info("Redis app ready (connected: %t)", Client != nil)
	return nil
}

// Name returns the app name
func (App) Name() string {
	return "redis"
}

// Shutdown closes the Redis connection
func (App) Shutdown() error {
	log.Info("Shutting down Redis connection...")
	return Close()
}

var _ application.Application = (*App)(nil)
