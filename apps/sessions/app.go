package sessions

import (
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
)

var service *Service

// GetService returns the live session service of the process
func GetService() *Service {
	return service
}

// LoadConfig reads presence settings
func LoadConfig() Config {
	staleAfter, err := settings.Get("SESSIONS.STALE_AFTER", "5m").Duration()
	if err != nil || staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return Config{StaleAfter: staleAfter}
}

type App struct {
}

func (a App) Register() error {
	service = NewService(models.Conn(), events.Broadcast, LoadConfig())
	return nil
}

func (a App) Router() error {
	var controller Controller

	evo.Use("/api/sessions", auth.AgentAuthMiddleware)
	evo.Get("/api/sessions/online", controller.Online)
	evo.Get("/api/sessions/me", controller.MySessions)
	evo.Post("/api/sessions/heartbeat", controller.Heartbeat)
	evo.Post("/api/sessions/offline", controller.Offline)

	return nil
}

func (a App) WhenReady() error {
	return nil
}

func (a App) Name() string {
	return "sessions"
}
