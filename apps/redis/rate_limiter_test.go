package redis

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(nil, RateLimitConfig{MaxRequests: 2, Window: time.Minute, Enabled: true})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
	decision, err := limiter.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)

	// a different key has its own window
	decision, err = limiter.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	now = now.Add(time.Minute)
	decision, err = limiter.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Remaining)
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	limiter := NewRateLimiter(nil, RateLimitConfig{MaxRequests: 0, Window: time.Minute})
	for i := 0; i < 10; i++ {
		decision, err := limiter.Allow(context.Background(), "ip")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	limiter := NewRateLimiter(nil, RateLimitConfig{MaxRequests: 1, Window: time.Minute, Enabled: true})
	app := fiber.New()
	app.Post("/hook", limiter.Middleware("webhook"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("POST", "/hook", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	req = httptest.NewRequest("POST", "/hook", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	req = httptest.NewRequest("POST", "/hook", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.9")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
