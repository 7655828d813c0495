package middleware

import (
	"log/slog"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
)

// Recover turns a handler panic into a 500. The log line carries the
// session id when the route has one.
func Recover(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			attrs := append(requestAttrs(c),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			logger.Error("panic recovered", attrs...)
			err = writeInternalError(c)
		}()
		return c.Next()
	}
}
