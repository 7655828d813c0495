package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/attendance"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/audit"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/capture"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/kiosk"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/recognition"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/ws"
)

const (
	maxImageSize = 5 * 1024 * 1024 // 5MB
)

var validImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

// SessionManager is the kiosk session registry.
type SessionManager interface {
	Create(ctx context.Context, identity domain.Identity, opts kiosk.CreateOptions) (*attendance.Session, error)
	Get(id uuid.UUID, identity domain.Identity) (*attendance.Session, error)
	List(identity domain.Identity) []domain.Snapshot
	Remove(ctx context.Context, id uuid.UUID) error
	Snapshot(id uuid.UUID) (domain.Snapshot, bool)
}

// SessionHandler exposes attendance sessions over HTTP.
type SessionHandler struct {
	manager      SessionManager
	maxDimension int
	logger       *slog.Logger
}

func NewSessionHandler(manager SessionManager, maxDimension int, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		manager:      manager,
		maxDimension: maxDimension,
		logger:       logger,
	}
}

// CreateSessionRequest body for POST /v1/sessions
type CreateSessionRequest struct {
	Location  string `json:"location"`
	UseDevice bool   `json:"use_device"`
}

// FrameRequest JSON body for POST /v1/sessions/:id/frames
type FrameRequest struct {
	Image string `json:"image"`
	Step  *int   `json:"step,omitempty"`
}

// ListSessionsResponse response for GET /v1/sessions
type ListSessionsResponse struct {
	Sessions []domain.Snapshot `json:"sessions"`
}

// Create POST /v1/sessions - create and start a session
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	identity, err := middleware.GetIdentity(c)
	if err != nil {
		return err
	}

	var req CreateSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return domain.ErrBadRequest.WithError(err)
		}
	}

	session, err := h.manager.Create(auditContext(c), identity, kiosk.CreateOptions{
		Location:  strings.TrimSpace(req.Location),
		UseDevice: req.UseDevice,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(session.Snapshot())
}

// List GET /v1/sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	identity, err := middleware.GetIdentity(c)
	if err != nil {
		return err
	}

	return c.JSON(ListSessionsResponse{Sessions: h.manager.List(identity)})
}

// Get GET /v1/sessions/:id
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(session.Snapshot())
}

// Start POST /v1/sessions/:id/start - begin detection again after a reset
func (h *SessionHandler) Start(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(session.Start(c.UserContext()))
}

// Frame POST /v1/sessions/:id/frames - feed a client-captured frame
func (h *SessionHandler) Frame(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}

	data, step, err := extractFrame(c)
	if err != nil {
		return err
	}

	frame, err := capture.NewFrame(data, h.maxDimension)
	if err != nil {
		h.logger.Debug("frame rejected", "session_id", session.ID().String(), "error", err)
		return domain.ErrInvalidImage.WithError(err)
	}

	if step != nil {
		return c.JSON(session.OnStepFrameCaptured(c.UserContext(), *step, frame))
	}
	return c.JSON(session.OnFrameCaptured(c.UserContext(), frame))
}

// Capture POST /v1/sessions/:id/capture - capture from the kiosk camera
func (h *SessionHandler) Capture(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(session.Capture(c.UserContext()))
}

// Confirm POST /v1/sessions/:id/confirm - submit attendance
func (h *SessionHandler) Confirm(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(session.Confirm(c.UserContext()))
}

// Retry POST /v1/sessions/:id/retry
func (h *SessionHandler) Retry(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(session.Retry(c.UserContext()))
}

// Reset POST /v1/sessions/:id/reset
func (h *SessionHandler) Reset(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(session.Reset())
}

// Delete DELETE /v1/sessions/:id - the user navigated away
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	if err := h.manager.Remove(auditContext(c), session.ID()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// auditContext carries the caller's address and user agent to audit events.
func auditContext(c *fiber.Ctx) context.Context {
	return audit.WithClient(c.UserContext(), audit.Client{
		IPAddress: c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	})
}

// Events GET /v1/sessions/:id/events - authorizes the websocket stream
func (h *SessionHandler) Events(c *fiber.Ctx) error {
	session, err := h.session(c)
	if err != nil {
		return err
	}
	c.Locals(ws.LocalSessionID, session.ID())
	return c.Next()
}

// Current feeds the websocket handler the snapshot a new client starts from.
func (h *SessionHandler) Current(id uuid.UUID) (interface{}, bool) {
	snap, ok := h.manager.Snapshot(id)
	return snap, ok
}

func (h *SessionHandler) session(c *fiber.Ctx) (*attendance.Session, error) {
	identity, err := middleware.GetIdentity(c)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, domain.ErrSessionNotFound
	}

	return h.manager.Get(id, identity)
}

// extractFrame reads a multipart "image" file or a JSON {image, step} body
// with a data URL or bare base64 image.
func extractFrame(c *fiber.Ctx) ([]byte, *int, error) {
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		data, err := extractAndValidateImage(c)
		if err != nil {
			return nil, nil, err
		}

		var step *int
		if raw := strings.TrimSpace(c.FormValue("step")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, nil, domain.ErrValidationFailed.WithError(errors.New("step must be an integer"))
			}
			step = &n
		}
		return data, step, nil
	}

	var req FrameRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, nil, domain.ErrBadRequest.WithError(err)
	}
	if strings.TrimSpace(req.Image) == "" {
		return nil, nil, domain.ErrValidationFailed.WithError(errors.New("image is required"))
	}

	data, contentType, err := recognition.DecodeImage(req.Image)
	if err != nil {
		return nil, nil, domain.ErrInvalidImage.WithError(err)
	}
	if len(data) > maxImageSize {
		return nil, nil, domain.ErrInvalidImage.WithMessage("Image exceeds the 5MB limit")
	}
	if contentType != "" && !validImageTypes[contentType] {
		return nil, nil, domain.ErrInvalidImage
	}

	return data, req.Step, nil
}

func extractAndValidateImage(c *fiber.Ctx) ([]byte, error) {
	file, err := c.FormFile("image")
	if err != nil {
		return nil, domain.ErrValidationFailed.WithError(err)
	}

	if file.Size > maxImageSize {
		return nil, domain.ErrInvalidImage.WithMessage("Image exceeds the 5MB limit")
	}

	if file.Size == 0 {
		return nil, domain.ErrInvalidImage
	}

	contentType := file.Header.Get("Content-Type")
	if !validImageTypes[contentType] {
		return nil, domain.ErrInvalidImage
	}

	f, err := file.Open()
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}
	defer func() {
		_ = f.Close()
	}()

	imageBytes, err := io.ReadAll(f)
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}

	return imageBytes, nil
}
