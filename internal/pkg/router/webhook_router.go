package router

import (
	"github.com/gofiber/fiber/v2"
)

type WebhookRouter struct {
	deps Deps
}

// InstallRouter mounts the provider callback endpoint. It sits outside the
// operator auth and outside the rate limiter: every delivery is stored before
// anything can turn it away. Authenticity is the HMAC signature checked by the intake.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/:provider", h.deps.Webhooks.HandleReceive)
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
