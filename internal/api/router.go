package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	swagger "github.com/go-swagno/swagno-fiber/swagger"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/docs"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/kiosk"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/ws"
)

// Journal is the attempt store behind /v1/attempts and /ready.
type Journal interface {
	handler.AttemptLister
	handler.Pinger
}

type Dependencies struct {
	Manager  *kiosk.Manager
	Hub      *ws.Hub
	Journal  Journal
	Verifier middleware.TokenVerifier

	MaxDimension  int
	RateLimit     int
	SessionTTL    time.Duration
	SweepInterval time.Duration
}

type Router struct {
	app          *fiber.App
	logger       *slog.Logger
	deps         *Dependencies
	rateLimiter  *middleware.RateLimiter
	sweeper      *kiosk.Sweeper
	cancelHub    context.CancelFunc
	cancelSweep  context.CancelFunc
	shutdownWait time.Duration
}

func NewRouter(logger *slog.Logger, deps *Dependencies) *Router {
	app := fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(logger),
		AppName:      "Rekko Kiosk",
		BodyLimit:    6 * 1024 * 1024,
	})

	return &Router{
		app:          app,
		logger:       logger,
		deps:         deps,
		shutdownWait: 10 * time.Second,
	}
}

func (r *Router) Setup() {
	// Global middlewares
	r.app.Use(requestid.New())
	r.app.Use(middleware.Recover(r.logger))
	r.app.Use(middleware.Logger(r.logger))
	r.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Swagger documentation (no auth required)
	sw := docs.NewSwagger()
	swagger.SwaggerHandler(r.app, sw.MustToJson())

	var (
		pinger        handler.Pinger
		realtimeState func() realtime.State
	)
	if r.deps != nil {
		if r.deps.Journal != nil {
			pinger = r.deps.Journal
		}
		if r.deps.Manager != nil {
			realtimeState = r.deps.Manager.RealtimeState
		}
	}

	// Health check endpoints (no auth required)
	healthHandler := handler.NewHealthHandler(pinger, realtimeState)
	r.app.Get("/health", healthHandler.Health)
	r.app.Get("/ready", healthHandler.Ready)

	// Only configure authenticated routes if dependencies were provided
	if r.deps == nil || r.deps.Manager == nil {
		return
	}

	if r.deps.Hub != nil {
		hubCtx, hubCancel := context.WithCancel(context.Background())
		r.cancelHub = hubCancel
		go r.deps.Hub.Run(hubCtx)
	}

	if r.deps.SessionTTL > 0 {
		interval := r.deps.SweepInterval
		if interval <= 0 {
			interval = r.deps.SessionTTL / 4
		}
		r.sweeper = kiosk.NewSweeper(r.deps.Manager, interval, r.deps.SessionTTL, r.logger)
		sweepCtx, sweepCancel := context.WithCancel(context.Background())
		r.cancelSweep = sweepCancel
		go r.sweeper.Run(sweepCtx)
	}

	// API v1 group with authentication
	v1 := r.app.Group("/v1")
	v1.Use(middleware.Auth(r.deps.Verifier, r.logger))

	// Rate limiting (per user) - must come after auth to have identity context
	rlConfig := middleware.DefaultRateLimiterConfig()
	if r.deps.RateLimit > 0 {
		rlConfig.Max = r.deps.RateLimit
	}
	r.rateLimiter = middleware.NewRateLimiter(rlConfig)
	v1.Use(r.rateLimiter.Handler())

	// Session routes
	sessionHandler := handler.NewSessionHandler(r.deps.Manager, r.deps.MaxDimension, r.logger)
	v1.Post("/sessions", sessionHandler.Create)
	v1.Get("/sessions", sessionHandler.List)
	v1.Get("/sessions/:id", sessionHandler.Get)
	v1.Delete("/sessions/:id", sessionHandler.Delete)
	v1.Post("/sessions/:id/start", sessionHandler.Start)
	v1.Post("/sessions/:id/frames", sessionHandler.Frame)
	v1.Post("/sessions/:id/capture", sessionHandler.Capture)
	v1.Post("/sessions/:id/confirm", sessionHandler.Confirm)
	v1.Post("/sessions/:id/retry", sessionHandler.Retry)
	v1.Post("/sessions/:id/reset", sessionHandler.Reset)

	// WebSocket snapshot stream
	if r.deps.Hub != nil {
		v1.Get("/sessions/:id/events",
			ws.UpgradeMiddleware(),
			sessionHandler.Events,
			ws.Handler(r.deps.Hub, sessionHandler.Current),
		)
	}

	// Attempt journal (staff only)
	if r.deps.Journal != nil {
		attemptHandler := handler.NewAttemptHandler(r.deps.Journal)
		v1.Get("/attempts", middleware.RequireRole(domain.RoleAdmin, domain.RoleTeacher), attemptHandler.List)
	}

	// Realtime channel. The connection is shared by every session, so only
	// staff may replace or drop its identity.
	realtimeHandler := handler.NewRealtimeHandler(r.deps.Manager)
	staffOnly := middleware.RequireRole(domain.RoleAdmin, domain.RoleTeacher)
	v1.Put("/realtime/identity", staffOnly, realtimeHandler.SetIdentity)
	v1.Delete("/realtime/identity", staffOnly, realtimeHandler.ClearIdentity)
	v1.Get("/realtime/status", realtimeHandler.Status)
}

func (r *Router) App() *fiber.App {
	return r.app
}

func (r *Router) Listen(addr string) error {
	return r.app.Listen(addr)
}

// Shutdown stops accepting requests, closes every session and then stops
// the background workers.
func (r *Router) Shutdown() error {
	err := r.app.ShutdownWithTimeout(r.shutdownWait)

	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	if r.cancelSweep != nil {
		r.cancelSweep()
	}

	if r.deps != nil && r.deps.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.shutdownWait)
		r.deps.Manager.Close(ctx)
		cancel()
	}

	// Stop WebSocket hub
	if r.cancelHub != nil {
		r.cancelHub()
	}

	// Stop rate limiter cleanup goroutine
	if r.rateLimiter != nil {
		r.rateLimiter.Stop()
	}

	return err
}
