package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
)

// RealtimeControl scopes the backend event channel to an identity.
type RealtimeControl interface {
	SetRealtimeIdentity(token string) error
	ClearRealtimeIdentity()
	RealtimeState() realtime.State
}

type RealtimeHandler struct {
	control RealtimeControl
}

func NewRealtimeHandler(control RealtimeControl) *RealtimeHandler {
	return &RealtimeHandler{control: control}
}

// SetIdentityRequest body for PUT /v1/realtime/identity. An empty token
// reuses the caller's own access token.
type SetIdentityRequest struct {
	Token string `json:"token"`
}

type RealtimeStatusResponse struct {
	State realtime.State `json:"state"`
}

// SetIdentity PUT /v1/realtime/identity
func (h *RealtimeHandler) SetIdentity(c *fiber.Ctx) error {
	identity, err := middleware.GetIdentity(c)
	if err != nil {
		return err
	}

	var req SetIdentityRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return domain.ErrBadRequest.WithError(err)
		}
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = identity.Token
	}

	if err := h.control.SetRealtimeIdentity(token); err != nil {
		return domain.ErrServiceUnavailable.WithMessage("Realtime channel not configured").WithError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RealtimeStatusResponse{State: h.control.RealtimeState()})
}

// ClearIdentity DELETE /v1/realtime/identity
func (h *RealtimeHandler) ClearIdentity(c *fiber.Ctx) error {
	h.control.ClearRealtimeIdentity()
	return c.SendStatus(fiber.StatusNoContent)
}

// Status GET /v1/realtime/status
func (h *RealtimeHandler) Status(c *fiber.Ctx) error {
	return c.JSON(RealtimeStatusResponse{State: h.control.RealtimeState()})
}
