package system

import (
	"strings"
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/getevo/restify"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/iesreza/homa-inbox/apps/admin"
	"github.com/iesreza/homa-inbox/lib/response"
)

// RateLimitRequests is the default per address budget of the API
const RateLimitRequests = 300

var StartupTime = time.Now()

type App struct {
}

// setLogLevel applies APP.LOG_LEVEL
func setLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "dev", "development":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarningLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "critical", "crit":
		log.SetLevel(log.CriticalLevel)
	default:
		log.SetLevel(log.WarningLevel)
	}
}

func (a App) Register() error {
	setLogLevel(settings.Get("APP.LOG_LEVEL", "info").String())

	var app = evo.GetFiber()

	if settings.Get("APP.LOG_REQUESTS").Bool() {
		app.Use(logger.New())
	}

	// Webhooks carry their own limiter keyed on the provider callback address
	if settings.Get("APP.RATE_LIMIT", true).Bool() {
		max := settings.Get("APP.RATE_LIMIT_REQUESTS", RateLimitRequests).Int()
		app.Use(limiter.New(limiter.Config{
			Max:        max,
			Expiration: 1 * time.Minute,
			Next: func(c *fiber.Ctx) bool {
				return strings.HasPrefix(c.Path(), "/webhooks/") || c.Path() == "/health"
			},
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				appErr := response.NewError(response.ErrorCodeTooManyRequest, "Too many requests. Please try again later.", fiber.StatusTooManyRequests)
				return c.Status(appErr.StatusCode).JSON(appErr.Payload())
			},
		}))
		log.Info("Rate limiting enabled: %d requests per minute", max)
	}

	restify.SetPrefix("/api/restify")

	return nil
}

func (a App) Router() error {
	var controller Controller
	evo.Get("/health", controller.HealthHandler)
	evo.Get("/uptime", controller.UptimeHandler)

	evo.Use("/api/restify", admin.PlatformOperatorMiddleware)
	return nil
}

func (a App) WhenReady() error {
	return nil
}

func (a App) Name() string {
	return "system"
}
