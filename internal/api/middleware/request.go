package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// requestAttrs are the log attributes that tie a line to a request and, on
// session routes, to the session it drove.
func requestAttrs(c *fiber.Ctx) []any {
	attrs := []any{
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
	}
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if identity, ok := c.Locals(LocalIdentity).(domain.Identity); ok && identity.UserID != "" {
		attrs = append(attrs, slog.String("user_id", identity.UserID))
	}
	if id := c.Params("id"); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	return attrs
}

func writeInternalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    domain.ErrInternal.Code,
			"message": domain.ErrInternal.Message,
		},
	})
}
