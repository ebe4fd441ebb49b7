package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/gofiber/fiber/v2"
	"github.com/iesreza/homa-inbox/lib/response"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds a fixed window limit
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Enabled     bool
}

// LoadWebhookRateLimit reads WEBHOOK.RATE_LIMIT (requests per window per
// client address) and WEBHOOK.RATE_WINDOW
func LoadWebhookRateLimit() RateLimitConfig {
	window, err := settings.Get("WEBHOOK.RATE_WINDOW", "1m").Duration()
	if err != nil || window <= 0 {
		window = time.Minute
	}
	limit := settings.Get("WEBHOOK.RATE_LIMIT", 600).Int()
	return RateLimitConfig{
		MaxRequests: limit,
		Window:      window,
		Enabled:     limit > 0,
	}
}

// Decision is the outcome of one counted request
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration
}

type memoryWindow struct {
	count   int
	expires time.Time
}

// RateLimiter counts requests per key in fixed windows, in Redis when a
// client is given and in memory otherwise
type RateLimiter struct {
	client redis.UniversalClient
	config RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*memoryWindow
}

// NewRateLimiter creates a limiter. client may be nil.
func NewRateLimiter(client redis.UniversalClient, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client:  client,
		config:  config,
		now:     time.Now,
		windows: make(map[string]*memoryWindow),
	}
}

// Allow counts one request for key
func (l *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if !l.config.Enabled {
		return Decision{Allowed: true, Limit: l.config.MaxRequests, Remaining: l.config.MaxRequests}, nil
	}

	var (
		count int
		reset time.Duration
		err   error
	)
	if l.client != nil {
		count, reset, err = l.countRedis(ctx, key)
	} else {
		count, reset = l.countMemory(key)
	}
	if err != nil {
		return Decision{Allowed: true}, err
	}

	remaining := l.config.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.config.MaxRequests,
		Limit:     l.config.MaxRequests,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

func (l *RateLimiter) countRedis(ctx context.Context, key string) (int, time.Duration, error) {
	redisKey := "rate_limit:" + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, l.config.Window)
	}
	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.config.Window
	}
	return int(count), ttl, nil
}

func (l *RateLimiter) countMemory(key string) (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !w.expires.After(now) {
		w = &memoryWindow{expires: now.Add(l.config.Window)}
		l.windows[key] = w
		l.prune(now)
	}
	w.count++
	return w.count, w.expires.Sub(now)
}

// prune drops expired windows; caller holds mu
func (l *RateLimiter) prune(now time.Time) {
	for key, w := range l.windows {
		if !w.expires.After(now) {
			delete(l.windows, key)
		}
	}
}

// Middleware limits requests per client address within scope
func (l *RateLimiter) Middleware(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		decision, err := l.Allow(ctx, fmt.Sprintf("%s:%s", scope, clientIP(c)))
		if err != nil {
			log.Warning("rate limit check failed for %s: %v", scope, err)
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(l.now().Add(decision.Reset).Unix(), 10))

		if !decision.Allowed {
			c.Set("Retry-After", strconv.Itoa(int(decision.Reset.Seconds())))
			appErr := response.NewError(response.ErrorCodeTooManyRequest, "Too many requests. Please try again later.", fiber.StatusTooManyRequests)
			return c.Status(appErr.StatusCode).JSON(appErr.Payload())
		}
		return c.Next()
	}
}

func clientIP(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return c.IP()
}
