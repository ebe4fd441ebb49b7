package integrations

import (
	"context"
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/iesreza/homa-inbox/apps/admin"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/broker"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/messenger"
	"github.com/iesreza/homa-inbox/apps/integrations/drivers/whatsapp"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/crypto"
	"github.com/iesreza/homa-inbox/lib/events"
)

// Config holds the provider settings shared by every tenant
type Config struct {
	SendTimeout time.Duration
	Messenger   messenger.Config
	Broker      broker.Config
	WhatsApp    whatsapp.Config
	BridgeURL   string
}

// LoadConfig reads the provider settings
func LoadConfig() Config {
	sendTimeout, err := settings.Get("INTEGRATIONS.SEND_TIMEOUT", "15s").Duration()
	if err != nil || sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	connectTimeout, err := settings.Get("WHATSAPP.CONNECT_TIMEOUT", "2m").Duration()
	if err != nil {
		connectTimeout = 2 * time.Minute
	}

	return Config{
		SendTimeout: sendTimeout,
		Messenger: messenger.Config{
			GraphURL:     settings.Get("MESSENGER.GRAPH_URL", "https://graph.facebook.com").String(),
			GraphVersion: settings.Get("MESSENGER.GRAPH_VERSION", "v18.0").String(),
			VerifyToken:  settings.Get("MESSENGER.VERIFY_TOKEN").String(),
			AppSecret:    settings.Get("MESSENGER.APP_SECRET").String(),
			Timeout:      sendTimeout,
		},
		Broker: broker.Config{
			APIURL:  settings.Get("BROKER.API_URL").String(),
			Timeout: sendTimeout,
		},
		WhatsApp: whatsapp.Config{
			BridgeToken:    settings.Get("WHATSAPP.BRIDGE_TOKEN").String(),
			ConnectTimeout: connectTimeout,
		},
		BridgeURL: settings.Get("WHATSAPP.BRIDGE_URL", "http://127.0.0.1:3100").String(),
	}
}

var (
	service         *Service
	messengerDriver *messenger.Adapter
	whatsappDriver  *whatsapp.Adapter
)

// GetService returns the integration registry
func GetService() *Service {
	return service
}

// Messenger returns the page API adapter
func Messenger() *messenger.Adapter {
	return messengerDriver
}

// WhatsApp returns the session adapter
func WhatsApp() *whatsapp.Adapter {
	return whatsappDriver
}

type App struct{}

func (a App) Register() error {
	config := LoadConfig()

	key, err := crypto.EnvKey()
	if err != nil {
		return err
	}
	service = NewService(models.Conn(), key)

	messengerDriver = messenger.New(config.Messenger)
	whatsappDriver = whatsapp.New(
		config.WhatsApp,
		whatsapp.NewHTTPBridge(config.BridgeURL, config.WhatsApp.BridgeToken, config.SendTimeout),
		events.Broadcast,
		service,
	)

	drivers.Register(messengerDriver)
	drivers.Register(broker.New(config.Broker))
	drivers.Register(whatsappDriver)

	log.Info("Registered %d integration providers", len(drivers.GetAll()))
	return nil
}

func (a App) Router() error {
	var controller Controller

	evo.Use("/api/admin/integrations", admin.AdminAuthMiddleware)
	evo.Get("/api/admin/integrations", controller.ListIntegrations)
	evo.Put("/api/admin/integrations", controller.UpsertIntegration)
	evo.Get("/api/admin/integrations/providers", controller.ListProviders)
	evo.Post("/api/admin/integrations/:id/activate", controller.ActivateIntegration)
	evo.Post("/api/admin/integrations/:id/deactivate", controller.DeactivateIntegration)
	evo.Post("/api/admin/integrations/:id/test", controller.TestIntegration)

	evo.Use("/api/admin/whatsapp", admin.AdminAuthMiddleware)
	evo.Get("/api/admin/whatsapp/slots", controller.ListSlots)
	evo.Get("/api/admin/whatsapp/slots/:slot/status", controller.SlotStatus)
	evo.Post("/api/admin/whatsapp/slots/:slot/connect", controller.ConnectSlot)
	evo.Post("/api/admin/whatsapp/slots/:slot/disconnect", controller.DisconnectSlot)
	evo.Post("/api/admin/whatsapp/slots/:slot/retry", controller.RetrySlot)
	evo.Post("/api/admin/whatsapp/slots/:slot/send", controller.SendFromSlot)

	return nil
}

func (a App) WhenReady() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if restored := whatsappDriver.Restore(ctx); restored > 0 {
		log.Info("Restored %d WhatsApp sessions", restored)
	}
	return nil
}

func (a App) Name() string {
	return "integrations"
}
