package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
)

// CorrelationID puts the caller's X-Correlation-ID, or a fresh one, on the
// request context and echoes it back.
func CorrelationID(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := strings.TrimSpace(c.Get(audit.HeaderCorrelationID))
	if id != "" {
		ctx = audit.WithCorrelationID(ctx, id)
	} else {
		ctx, id = audit.EnsureCorrelationID(ctx)
	}
	c.SetUserContext(ctx)
	c.Set(audit.HeaderCorrelationID, id)
	return c.Next()
}
