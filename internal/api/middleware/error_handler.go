package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// ErrorHandler renders errors as {"error": {...}}. AppErrors carry their
// kind and whether the kiosk may retry the same step.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    "HTTP_ERROR",
					"message": fiberErr.Message,
				},
			})
		}

		var appErr *domain.AppError
		if !errors.As(err, &appErr) {
			logger.Error("unhandled error", append(requestAttrs(c), slog.Any("error", err))...)
			return writeInternalError(c)
		}

		switch {
		case appErr.Kind == domain.KindDevice:
			logger.Warn("device error", appErrorAttrs(c, appErr)...)
		case appErr.StatusCode >= 500:
			logger.Error("internal error", appErrorAttrs(c, appErr)...)
		}

		return c.Status(appErr.StatusCode).JSON(fiber.Map{
			"error": fiber.Map{
				"code":      appErr.Code,
				"message":   appErr.Message,
				"kind":      appErr.Kind,
				"retryable": appErr.Retryable(),
			},
		})
	}
}

func appErrorAttrs(c *fiber.Ctx, appErr *domain.AppError) []any {
	return append(requestAttrs(c),
		slog.String("code", appErr.Code),
		slog.String("message", appErr.Message),
		slog.Any("error", appErr.Err),
	)
}
