package main

import (
	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/application"
	"github.com/iesreza/homa-inbox/apps/admin"
	"github.com/iesreza/homa-inbox/apps/assignment"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/availability"
	"github.com/iesreza/homa-inbox/apps/conversation"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/jobs"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/apps/nats"
	"github.com/iesreza/homa-inbox/apps/realtime"
	"github.com/iesreza/homa-inbox/apps/redis"
	"github.com/iesreza/homa-inbox/apps/sessions"
	"github.com/iesreza/homa-inbox/apps/storage"
	"github.com/iesreza/homa-inbox/apps/system"
	"github.com/iesreza/homa-inbox/apps/webhook"
)

func main() {
	evo.Setup()

	var apps = application.GetInstance()
	// order matters: services read the accessors of the apps registered before them
	apps.Register(
		system.App{},
		models.App{},
		auth.App{},
		redis.App{},
		nats.App{},
		storage.App{},
		integrations.App{},
		admin.App{},
		conversation.App{},
		availability.App{},
		sessions.App{},
		assignment.App{},
		realtime.App{},
		webhook.App{},
		jobs.App{},
	)

	evo.Run()
}
