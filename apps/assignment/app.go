package assignment

import (
	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/iesreza/homa-inbox/apps/availability"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/sessions"
	"github.com/iesreza/homa-inbox/lib/events"
)

var engine *Engine

// GetEngine returns the assignment engine of the process
func GetEngine() *Engine {
	return engine
}

// LoadConfig reads distribution limits
func LoadConfig() Config {
	return Config{
		QueueCeiling:  settings.Get("INBOX.QUEUE_CEILING", 20).Int(),
		DistributeMax: settings.Get("INBOX.DISTRIBUTE_MAX", 100).Int(),
	}
}

type App struct{}

// Register must run after the availability and sessions apps
func (a App) Register() error {
	engine = NewEngine(models.Conn(), availability.GetChecker(), sessions.GetService(), events.Broadcast, LoadConfig())
	return nil
}

func (a App) Router() error {
	var controller Controller
	evo.Post("/api/inbox/conversations/:id/assign", controller.Assign)
	evo.Post("/api/inbox/conversations/:id/unassign", controller.Unassign)
	evo.Post("/api/inbox/conversations/:id/release", controller.Release)
	evo.Get("/api/inbox/conversations/:id/history", controller.History)
	evo.Post("/api/inbox/distribute", controller.Distribute)
	return nil
}

func (a App) WhenReady() error {
	return nil
}

func (a App) Name() string {
	return "assignment"
}
