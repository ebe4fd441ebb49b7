package webhook

import (
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
	"github.com/iesreza/homa-inbox/apps/conversation"
	"github.com/iesreza/homa-inbox/apps/integrations"
	appnats "github.com/iesreza/homa-inbox/apps/nats"
	"github.com/iesreza/homa-inbox/apps/redis"
	"github.com/nats-io/nats.go"
)

// Config holds ingestion settings
type Config struct {
	MaxBody    int
	Workers    int
	QueueSize  int
	Stream     string
	AckWait    time.Duration
	MaxDeliver int
}

// LoadConfig reads WEBHOOK.* settings
func LoadConfig() Config {
	ackWait, err := settings.Get("WEBHOOK.ACK_WAIT", "30s").Duration()
	if err != nil || ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	return Config{
		MaxBody:    settings.Get("WEBHOOK.MAX_BODY", 1<<20).Int(),
		Workers:    settings.Get("WEBHOOK.WORKERS", 4).Int(),
		QueueSize:  settings.Get("WEBHOOK.QUEUE_SIZE", 1024).Int(),
		Stream:     settings.Get("WEBHOOK.STREAM", "INBOX_WEBHOOKS").String(),
		AckWait:    ackWait,
		MaxDeliver: settings.Get("WEBHOOK.MAX_DELIVER", 5).Int(),
	}
}

var (
	config       Config
	processor    *Processor
	local        *MemoryQueue
	dispatcher   *Dispatcher
	subscription *nats.Subscription
)

type App struct{}

func (a App) Register() error {
	config = LoadConfig()
	processor = NewProcessor(conversation.GetStore())
	local = NewMemoryQueue(config.QueueSize, config.Workers, processor.Handle)
	dispatcher = NewDispatcher(local)
	return nil
}

func (a App) Router() error {
	controller := NewController(
		NewIngestor(integrations.GetService(), dispatcher),
		integrations.Messenger(),
		config.MaxBody,
	)
	controller.Mount(evo.GetFiber(), redis.WebhookLimiter().Middleware("webhook"))
	return nil
}

// WhenReady starts the local workers and, when JetStream is available,
// switches ingestion to the durable stream
func (a App) WhenReady() error {
	local.Start()

	js := appnats.GetJetStream()
	if js == nil {
		log.Warning("webhook: JetStream not available, deliveries are queued in memory")
		return nil
	}
	queue, err := appnats.NewWorkQueue(js, appnats.WorkQueueConfig{
		Stream:     config.Stream,
		Subject:    "inbox.webhooks",
		Durable:    "inbox-webhook-processor",
		MaxAge:     24 * time.Hour,
		AckWait:    config.AckWait,
		MaxDeliver: config.MaxDeliver,
	})
	if err != nil {
		log.Error("webhook: durable queue unavailable: %v", err)
		return nil
	}
	stream := NewStreamQueue(queue)
	sub, err := stream.Consume(processor.Handle)
	if err != nil {
		log.Error("webhook: failed to consume %s: %v", config.Stream, err)
		return nil
	}
	subscription = sub
	dispatcher.Use(stream)
	log.Info("webhook: deliveries are queued in stream %s", config.Stream)
	return nil
}

// Shutdown stops consuming and drains the local queue
func (a App) Shutdown() error {
	if subscription != nil {
		_ = subscription.Drain()
	}
	local.Stop()
	return nil
}

func (a App) Name() string {
	return "webhook"
}
