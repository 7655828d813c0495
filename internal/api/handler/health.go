package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
)

const Version = "0.1.0"

// Pinger is anything Ready depends on, such as the attempt journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	journal  Pinger
	realtime func() realtime.State
}

func NewHealthHandler(journal Pinger, realtimeState func() realtime.State) *HealthHandler {
	return &HealthHandler{journal: journal, realtime: realtimeState}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Journal  string `json:"journal,omitempty"`
	Realtime string `json:"realtime,omitempty"`
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "ok",
		Version: Version,
	})
}

// Ready fails only when the journal is unreachable. A disconnected realtime
// channel is reported but never blocks the kiosk.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	resp := HealthResponse{Status: "ready", Journal: "ok"}

	if h.realtime != nil {
		resp.Realtime = string(h.realtime())
	}

	if h.journal != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.journal.Ping(ctx); err != nil {
			resp.Status = "not_ready"
			resp.Journal = "unavailable"
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
	}

	return c.JSON(resp)
}
