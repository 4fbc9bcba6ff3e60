package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limit := h.deps.APIRateLimit
	if limit <= 0 {
		limit = 120
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		Storage:    h.deps.Storage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	op := h.deps.Operator
	v1 := api.Group("/v1", middleware.RequireOperator(h.deps.Operators))

	v1.Get("/transactions", op.HandleListTransactions)
	v1.Post("/transactions", op.HandleCreateTransaction)
	v1.Get("/transactions/:number", op.HandleGetTransaction)
	v1.Post("/transactions/:id/submit", op.HandleSubmitTransaction)
	v1.Post("/transactions/:id/cancel", op.HandleCancelTransaction)

	v1.Post("/zra/invoices", op.HandleCreateInvoice)
	v1.Put("/zra/invoices/:id/document", op.HandleAttachInvoiceDocument)
	v1.Post("/zra/invoices/:id/submit", op.HandleSubmitInvoice)
	v1.Post("/zra/invoices/:id/cancel", op.HandleCancelInvoice)

	v1.Get("/audit/:correlationID", op.HandleAuditByCorrelation)
	v1.Post("/reconciliations", op.HandleRunReconciliation)

	v1.Get("/providers", op.HandleListProviders)
	v1.Put("/providers/:id", op.HandleUpdateProvider)
	v1.Post("/providers/:id/activate", op.HandleActivateProvider)

	v1.Post("/webhooks/:id/replay", h.deps.Webhooks.HandleReplay)
	v1.Get("/jobs/stats", op.HandleJobStats)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
