// Package auth guards the admin API with a single operator key, checked
// against a bcrypt hash so the plaintext never lives in configuration.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// RequireAPIKey accepts requests carrying the operator key as a Bearer
// token or X-API-Key header. An empty hash disables the check (local
// development).
func RequireAPIKey(apiKeyHash string, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if apiKeyHash == "" {
			return c.Next()
		}

		key := c.Get("X-API-Key")
		if key == "" {
			header := c.Get("Authorization")
			if after, ok := strings.CutPrefix(header, "Bearer "); ok {
				key = after
			}
		}
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing API key",
			})
		}

		if err := bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(key)); err != nil {
			logger.Warn("rejected admin request", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid API key",
			})
		}
		return c.Next()
	}
}
