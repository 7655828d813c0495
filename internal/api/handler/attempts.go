package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// AttemptLister reads the attempt journal.
type AttemptLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.Attempt, error)
}

type AttemptHandler struct {
	journal AttemptLister
}

func NewAttemptHandler(journal AttemptLister) *AttemptHandler {
	return &AttemptHandler{journal: journal}
}

// ListAttemptsResponse response for GET /v1/attempts
type ListAttemptsResponse struct {
	Attempts []domain.Attempt `json:"attempts"`
	Count    int              `json:"count"`
}

// List GET /v1/attempts?limit=50
func (h *AttemptHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 0 {
		return domain.ErrValidationFailed.WithMessage("limit must be positive")
	}

	attempts, err := h.journal.ListRecent(c.UserContext(), limit)
	if err != nil {
		return domain.ErrInternal.WithError(err)
	}

	return c.JSON(ListAttemptsResponse{
		Attempts: attempts,
		Count:    len(attempts),
	})
}
