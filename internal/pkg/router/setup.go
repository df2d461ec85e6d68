package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/reelworks/reelpay/internal/pkg/billing"
	"github.com/reelworks/reelpay/internal/pkg/jobqueue"
	"github.com/reelworks/reelpay/internal/pkg/jwtverify"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the shared services the routers wire into controllers.
type Deps struct {
	Repo     billing.Repository
	Engine   *billing.Engine
	Ingestor *billing.Ingestor
	Apple    *billing.AppleProvider
	Google   *billing.GoogleProvider
	Web      *billing.WebCheckoutProvider
	Queue    *jobqueue.Queue
	Verifier *jwtverify.Verifier
}

// InstallRouter registers all HTTP surfaces on the app.
func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, routers ...Router) {
	for _, r := range routers {
		r.InstallRouter(app)
	}
}
