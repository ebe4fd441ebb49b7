package webhook

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/iesreza/homa-inbox/apps/models"
	"github.com/iesreza/homa-inbox/lib/response"
)

var ErrBodyTooLarge = response.NewError(response.ErrorCodeInvalidInput, "Webhook body is too large", http.StatusRequestEntityTooLarge)

// SubscriptionVerifier answers the messenger subscription handshake
type SubscriptionVerifier interface {
	VerifySubscription(mode, token, challenge string) (string, error)
}

// Controller serves provider callbacks. Handlers work on the raw fiber
// context so the body reaches verification byte for byte.
type Controller struct {
	ingestor *Ingestor
	verifier SubscriptionVerifier
	maxBody  int
}

// NewController creates the webhook handlers
func NewController(ingestor *Ingestor, verifier SubscriptionVerifier, maxBody int) *Controller {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Controller{ingestor: ingestor, verifier: verifier, maxBody: maxBody}
}

// Mount registers the routes on app
func (c *Controller) Mount(app fiber.Router, middleware ...fiber.Handler) {
	chain := func(handler fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, middleware...), handler)
	}
	app.Get("/webhooks/messenger", chain(c.VerifyMessenger)...)
	app.Post("/webhooks/messenger", chain(c.Messenger)...)
	app.Post("/webhooks/broker", chain(c.Broker)...)
	app.Post("/webhooks/whatsapp/:tenant/:slot", chain(c.WhatsApp)...)
}

// VerifyMessenger echoes the subscription challenge
// GET /webhooks/messenger
func (c *Controller) VerifyMessenger(ctx *fiber.Ctx) error {
	challenge, err := c.verifier.VerifySubscription(ctx.Query("hub.mode"), ctx.Query("hub.verify_token"), ctx.Query("hub.challenge"))
	if err != nil {
		return writeError(ctx, ErrVerificationFailed)
	}
	ctx.Type("txt")
	return ctx.SendString(challenge)
}

// Messenger receives page events
// POST /webhooks/messenger
func (c *Controller) Messenger(ctx *fiber.Ctx) error {
	return c.accept(ctx, Delivery{Provider: models.ProviderMessenger})
}

// Broker receives broker events, scoped by ?account=
// POST /webhooks/broker
func (c *Controller) Broker(ctx *fiber.Ctx) error {
	return c.accept(ctx, Delivery{Provider: models.ProviderBroker, ChannelID: ctx.Query("account")})
}

// WhatsApp receives bridge callbacks for one slot
// POST /webhooks/whatsapp/:tenant/:slot
func (c *Controller) WhatsApp(ctx *fiber.Ctx) error {
	tenantID, err := strconv.ParseUint(ctx.Params("tenant"), 10, 64)
	if err != nil || tenantID == 0 || ctx.Params("slot") == "" {
		return writeError(ctx, ErrVerificationFailed)
	}
	return c.accept(ctx, Delivery{
		Provider: models.ProviderWhatsApp,
		TenantID: uint(tenantID),
		Slot:     ctx.Params("slot"),
	})
}

func (c *Controller) accept(ctx *fiber.Ctx, delivery Delivery) error {
	raw := ctx.Body()
	if len(raw) > c.maxBody {
		return writeError(ctx, ErrBodyTooLarge)
	}
	// fasthttp reuses the buffer once the handler returns
	delivery.Body = append([]byte(nil), raw...)
	delivery.Headers = headers(ctx)

	timeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	envelope, err := c.ingestor.Accept(timeout, delivery)
	if err != nil {
		var appErr response.AppError
		if !errors.As(err, &appErr) {
			appErr = response.ErrInternalError
		}
		return writeError(ctx, appErr)
	}

	data := fiber.Map{"queued": envelope != nil}
	if envelope != nil {
		data["id"] = envelope.ID
	}
	return ctx.JSON(fiber.Map{"success": true, "data": data})
}

func headers(ctx *fiber.Ctx) http.Header {
	out := http.Header{}
	for key, values := range ctx.GetReqHeaders() {
		for _, value := range values {
			out.Add(key, value)
		}
	}
	return out
}

func writeError(ctx *fiber.Ctx, appErr response.AppError) error {
	return ctx.Status(appErr.StatusCode).JSON(appErr.Payload())
}
