package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/webhook"
)

// WebhookIngester persists and applies provider callbacks.
type WebhookIngester interface {
	Ingest(ctx context.Context, input webhook.Input) (*models.Webhook, error)
	Replay(ctx context.Context, webhookID uint) (*models.Webhook, error)
}

// WebhookController receives provider callbacks. Providers only learn whether
// the delivery was stored; processing outcomes stay in the audit trail.
type WebhookController struct {
	intake WebhookIngester
}

func NewWebhookController(intake WebhookIngester) *WebhookController {
	return &WebhookController{intake: intake}
}

// HandleReceive answers 200 once the raw delivery is stored, even when it was
// rejected or a duplicate, and 500 only when it could not be stored.
func (wc *WebhookController) HandleReceive(c *fiber.Ctx) error {
	headers := requestHeaders(c)
	ctx := requestContext(c)

	payload := make([]byte, len(c.Body()))
	copy(payload, c.Body())

	w, err := wc.intake.Ingest(ctx, webhook.Input{
		ProviderCode: strings.ToLower(c.Params("provider")),
		Headers:      headers,
		Payload:      payload,
		Signature:    webhook.SignatureFromHeaders(headers),
	})
	if errors.Is(err, webhook.ErrPersist) {
		log.Errorf("[Webhook] Delivery for %s not stored: %v", c.Params("provider"), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": "internal_server_error"})
	}
	if w != nil {
		c.Set(audit.HeaderCorrelationID, w.CorrelationID)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleReplay re-runs a failed delivery from the operator API.
func (wc *WebhookController) HandleReplay(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "Invalid webhook id")
	}
	w, err := wc.intake.Replay(requestContext(c), uint(id))
	if w == nil && err != nil {
		return apiError(c, err)
	}
	resp := fiber.Map{"webhook": w}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(resp)
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})
	return headers
}

// requestContext carries the caller's correlation id, or a fresh one.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := strings.TrimSpace(c.Get(audit.HeaderCorrelationID)); id != "" {
		return audit.WithCorrelationID(ctx, id)
	}
	ctx, _ = audit.EnsureCorrelationID(ctx)
	return ctx
}
