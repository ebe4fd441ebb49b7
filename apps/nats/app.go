package nats

import (
	"github.com/getevo/evo/v2/lib/application"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
)

// App represents the NATS application module
type App struct{}

func (App) Register() error {
	return nil
}

func (App) Router() error {
	return nil
}

// LoadConfig reads NATS.* settings
func LoadConfig() Config {
	reconnectWait, _ := settings.Get("NATS.RECONNECT_WAIT", "2s").Duration()
	pingInterval, _ := settings.Get("NATS.PING_INTERVAL", "20s").Duration()
	drainTimeout, _ := settings.Get("NATS.DRAIN_TIMEOUT", "30s").Duration()

	return Config{
		URL:            settings.Get("NATS.URL", "nats://localhost:4222").String(),
		Name:           settings.Get("NATS.NAME", "homa-inbox").String(),
		MaxReconnects:  int(settings.Get("NATS.MAX_RECONNECTS", 60).Int64()),
		ReconnectWait:  reconnectWait,
		PingInterval:   pingInterval,
		MaxPingsOut:    int(settings.Get("NATS.MAX_PINGS_OUT", 2).Int64()),
		AllowReconnect: settings.Get("NATS.ALLOW_RECONNECT", true).Bool(),
		DrainTimeout:   drainTimeout,
	}
}

// WhenReady connects. Without NATS.REQUIRED a failed connection leaves the
// instance running standalone.
func (App) WhenReady() error {
	if err := Connect(LoadConfig()); err != nil {
		if settings.Get("NATS.REQUIRED", false).Bool() {
			return err
		}
		log.Warning("%v; continuing without NATS", err)
	}
	return nil
}

// Name returns the app name
func (App) Name() string {
	return "nats"
}

// Shutdown drains the connection
func (App) Shutdown() error {
	drainTimeout, _ := settings.Get("NATS.DRAIN_TIMEOUT", "30s").Duration()
	return Close(drainTimeout)
}

var _ application.Application = (*App)(nil)
