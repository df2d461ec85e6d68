package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/reelworks/reelpay/app/controllers"
)

// WebhookRouter mounts the provider-facing endpoints. These carry their own
// authentication (signatures or provider verification) and no user session.
type WebhookRouter struct {
	deps Deps
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}

func (h *WebhookRouter) InstallRouter(app *fiber.App) {
	wc := controllers.NewWebhookController(h.deps.Ingestor)

	// No limiter here: a provider retry burst after an outage is exactly
	// the traffic this endpoint exists for.
	app.Post("/webhooks/:provider", wc.HandleProviderWebhook)
}
