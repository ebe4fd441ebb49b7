package realtime

import (
	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/gofiber/contrib/websocket"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/conversation"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/models"
	appnats "github.com/iesreza/homa-inbox/apps/nats"
	"github.com/iesreza/homa-inbox/apps/redis"
	"github.com/iesreza/homa-inbox/apps/sessions"
	"github.com/iesreza/homa-inbox/lib/events"
	"gorm.io/gorm"
)

var (
	hub    *Hub
	typing *Typing
	bus    *appnats.Bus
)

// GetHub returns the socket hub of the process
func GetHub() *Hub {
	return hub
}

// GetTyping returns the typing service of the process
func GetTyping() *Typing {
	return typing
}

type App struct{}

// Register must run after the redis and conversation apps
func (a App) Register() error {
	hub = NewHub()
	typing = NewTyping(redis.Typing(), conversation.GetStore(), events.Broadcast)
	return nil
}

func (a App) Router() error {
	var controller Controller

	gateway := NewGateway(GatewayConfig{
		Hub:           hub,
		Secret:        func() []byte { return auth.JWTSecret },
		Users:         func() *gorm.DB { return models.Conn() },
		Slots:         integrations.GetService(),
		Presence:      sessions.GetService(),
		Typing:        typing,
		Conversations: conversation.GetStore(),
		Buffer:        settings.Get("REALTIME.BUFFER", DefaultBuffer).Int(),
	})
	app := evo.GetFiber()
	app.Get("/ws", gateway.Authenticate, websocket.New(gateway.Serve))

	evo.Get("/api/inbox/conversations/:id/typing", controller.GetTyping)
	evo.Post("/api/inbox/conversations/:id/typing", controller.SetTyping)

	evo.Use("/api/realtime", auth.AgentAuthMiddleware)
	evo.Get("/api/realtime/stats", controller.Stats)
	return nil
}

// WhenReady attaches the hub behind the bus. Without NATS the bus delivers
// to the local hub only.
func (a App) WhenReady() error {
	bus = appnats.NewBus(hub)
	if err := bus.Start(); err != nil {
		log.Warning("realtime: cross-instance delivery unavailable: %v", err)
	}
	events.Broadcast.Attach(bus)
	log.Info("realtime: hub attached")
	return nil
}

func (a App) Shutdown() error {
	if bus != nil {
		bus.Stop()
	}
	return nil
}

func (a App) Name() string {
	return "realtime"
}
