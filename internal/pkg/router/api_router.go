package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/reelworks/reelpay/app/controllers"
	"github.com/reelworks/reelpay/internal/pkg/middleware"
)

// ApiRouter mounts the authenticated client API.
type ApiRouter struct {
	deps Deps
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func (h *ApiRouter) InstallRouter(app *fiber.App) {
	payments := controllers.NewPaymentController(
		h.deps.Repo, h.deps.Ingestor, h.deps.Apple, h.deps.Google, h.deps.Web, h.deps.Queue)
	subscriptions := controllers.NewSubscriptionController(h.deps.Repo, h.deps.Engine, h.deps.Queue)
	plans := controllers.NewPlanController(h.deps.Repo)

	api := app.Group("/api", limiter.New(limiter.Config{Max: 60}))

	// Plan catalog is public; everything else requires a verified token.
	api.Get("/plans", plans.List)
	api.Get("/plans/:id", plans.Get)

	auth := api.Group("", middleware.RequireUser(h.deps.Verifier))

	auth.Post("/payments/apple/verify", payments.HandleAppleVerify)
	auth.Post("/payments/google/verify", payments.HandleGoogleVerify)
	auth.Get("/payments/web/verify/:payment_id", payments.HandleWebVerify)
	auth.Get("/payments", payments.ListPayments)

	auth.Post("/payments/checkout", payments.HandleCheckout)
	auth.Get("/payments/customer-portal", payments.HandleCustomerPortal)
	auth.Post("/refunds", payments.HandleRefund)

	auth.Get("/subscriptions", subscriptions.List)
	auth.Get("/subscriptions/:id", subscriptions.Get)
	auth.Get("/subscriptions/:id/history", subscriptions.History)
	auth.Post("/subscriptions/:id/cancel", subscriptions.Cancel)
}
