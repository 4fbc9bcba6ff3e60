package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the controllers and shared middleware state the routers need.
type Deps struct {
	Webhooks  *controllers.WebhookController
	Operator  *controllers.OperatorController
	Operators map[string]string
	// Storage backs the API rate limiter; nil keeps counters in memory.
	Storage fiber.Storage
	// APIRateLimit is requests per minute per client IP on /api.
	APIRateLimit int
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
