package admin

import (
	"github.com/getevo/evo/v2"
)

type App struct {
}

func (a App) Register() error {
	return nil
}

func (a App) Router() error {
	var controller Controller

	// Every /api/admin route requires an administrator
	evo.Use("/api/admin", AdminAuthMiddleware)

	// Agent directory
	evo.Get("/api/admin/agents", controller.ListAgents)
	evo.Put("/api/admin/agents/:id/assignment", controller.UpdateAssignmentSettings)

	return nil
}

func (a App) WhenReady() error {
	return nil
}

func (a App) Name() string {
	return "admin"
}
