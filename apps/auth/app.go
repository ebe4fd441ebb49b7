package auth

import (
	"os"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/args"
	"github.com/getevo/evo/v2/lib/db"
)

type App struct {
}

func (a App) Register() error {
	db.UseModel(User{})

	// Set user interface for Evo framework
	evo.SetUserInterface(&User{})

	// Initialize JWT secret after settings are loaded
	InitializeJWTSecret()

	return nil
}

func (a App) Router() error {
	var controller Controller
	evo.Get("/api/auth/profile", controller.GetProfile)
	return nil
}

func (a App) WhenReady() error {
	if args.Exists("--issue-token") {
		IssueToken()
		os.Exit(0)
	}
	return nil
}

func (a App) Name() string {
	return "auth"
}
