package conversation

import (
	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/apps/auth"
	"github.com/iesreza/homa-inbox/apps/integrations"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/events"
)

var (
	store  *Store
	outbox *Outbox
)

// GetStore returns the conversation store of the process
func GetStore() *Store {
	return store
}

// GetOutbox returns the reply outbox of the process
func GetOutbox() *Outbox {
	return outbox
}

type App struct{}

// Register must run after the integrations app
func (a App) Register() error {
	store = NewStore(models.Conn(), events.Broadcast)
	outbox = NewOutbox(store, integrations.GetService(), integrations.LoadConfig().SendTimeout)
	return nil
}

func (a App) Router() error {
	var controller Controller

	evo.Use("/api/inbox", auth.AgentAuthMiddleware)
	evo.Get("/api/inbox/conversations", controller.ListConversations)
	evo.Post("/api/inbox/conversations", controller.PromoteLead)
	evo.Get("/api/inbox/conversations/:id", controller.GetConversation)
	evo.Post("/api/inbox/conversations/:id/close", controller.CloseConversation)
	evo.Post("/api/inbox/conversations/:id/read", controller.MarkConversationRead)
	evo.Get("/api/inbox/conversations/:id/messages", controller.ListMessages)
	evo.Post("/api/inbox/conversations/:id/messages", controller.Reply)
	evo.Post("/api/inbox/conversations/:id/messages/:message_id/resend", controller.Resend)
	evo.Post("/api/inbox/messages/:id/read", controller.MarkMessageRead)
	evo.Post("/api/inbox/messages/:id/seen", controller.MarkMessageSeen)

	return nil
}

func (a App) WhenReady() error {
	return nil
}

func (a App) Name() string {
	return "conversation"
}
