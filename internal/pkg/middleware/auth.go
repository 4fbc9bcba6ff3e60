package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
)

// RequireOperator protects the operator API with basic auth and answers JSON
// 401 instead of a browser challenge body.
func RequireOperator(users map[string]string) fiber.Handler {
	return basicauth.New(basicauth.Config{
		Users: users,
		Realm: "PayFox Operator",
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="PayFox Operator"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "operator credentials required",
			})
		},
		ContextUsername: "operator",
	})
}
