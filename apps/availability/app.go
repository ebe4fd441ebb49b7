package availability

import (
	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/iesreza/homa-inbox/apps/models"
)

var checker *Checker

// GetChecker returns the availability checker of the process
func GetChecker() *Checker {
	return checker
}

// LoadConfig reads the default item durations
func LoadConfig() Config {
	return Config{
		DefaultCallMinutes:    settings.Get("AVAILABILITY.DEFAULT_CALL_MINUTES", DefaultConfig.DefaultCallMinutes).Int(),
		DefaultMeetingMinutes: settings.Get("AVAILABILITY.DEFAULT_MEETING_MINUTES", DefaultConfig.DefaultMeetingMinutes).Int(),
	}
}

type App struct{}

func (a App) Register() error {
	checker = NewChecker(models.Conn(), LoadConfig())
	return nil
}

func (a App) Router() error {
	var controller Controller
	evo.Get("/api/inbox/availability/busy", controller.BusyAgents)
	evo.Get("/api/inbox/availability/agents/:id", controller.AgentAvailability)
	return nil
}

func (a App) WhenReady() error {
	return nil
}

func (a App) Name() string {
	return "availability"
}
