package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/attendance"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/audit"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/auth"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/capture"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/config"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/database"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/kiosk"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/recognition"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/repository"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger := config.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	logger.Info("starting Rekko kiosk",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.Port),
		slog.String("recognition_url", cfg.RecognitionURL),
		slog.String("location", cfg.Location),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Attempt journal
	journal, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	// Shared camera
	var device *capture.Device
	if cfg.CaptureSource != "" {
		source, err := capture.Parse(cfg.CaptureSource, cfg.CaptureTimeout, cfg.CaptureMaxDimension)
		if err != nil {
			return fmt.Errorf("failed to open capture source: %w", err)
		}
		device = capture.NewDevice(source)
		logger.Info("capture source attached", slog.String("source", cfg.CaptureSource))
	}

	// Realtime channel
	notifier := realtime.New(realtime.Config{
		URL:           cfg.RealtimeURL,
		RetryDelay:    cfg.RealtimeRetryDelay,
		MaxRetryDelay: cfg.RealtimeMaxRetryDelay,
	}, logger)
	defer notifier.Close()
	if cfg.RealtimeToken != "" {
		notifier.SetIdentity(cfg.RealtimeToken)
	}

	hub := ws.NewHub(logger)
	manager := kiosk.NewManager(kiosk.Config{
		Thresholds: attendance.Thresholds{
			FaceConfidence:       cfg.FaceConfidenceThreshold,
			Liveness:             cfg.LivenessThreshold,
			LowConfidenceWarning: cfg.LowConfidenceWarning,
		},
		Location:       cfg.Location,
		RequestTimeout: cfg.RecognitionTimeout,
		SessionTTL:     cfg.SessionTTL,
	}, kiosk.Dependencies{
		Recognizer: recognition.NewClient(recognition.Config{
			BaseURL: cfg.RecognitionURL,
			Timeout: cfg.RecognitionTimeout,
		}),
		Device:   device,
		Hub:      hub,
		Audit:    audit.NewSlogLogger(logger),
		Recorder: journal,
		Realtime: notifier,
		Logger:   logger,
	})

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTLifetime)
	if !verifier.Verifies() {
		logger.Warn("JWT_SECRET not set: access tokens are decoded but not verified locally")
	}

	// Setup router
	router := api.NewRouter(logger, &api.Dependencies{
		Manager:       manager,
		Hub:           hub,
		Journal:       journal,
		Verifier:      verifier,
		MaxDimension:  cfg.CaptureMaxDimension,
		RateLimit:     cfg.RateLimit,
		SessionTTL:    cfg.SessionTTL,
		SweepInterval: cfg.SessionSweepInterval,
	})
	router.Setup()

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("server listening", slog.String("addr", addr))
		if err := router.Listen(addr); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server...")
	if err := router.Shutdown(); err != nil {
		logger.Error("shutdown error", slog.Any("error", err))
	}

	logger.Info("server stopped")
	return nil
}

type attemptJournal interface {
	kiosk.Recorder
	api.Journal
}

// openJournal connects the attempt journal, or returns a no-op journal when
// no database is configured.
func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (attemptJournal, func(), error) {
	if !cfg.HasDatabase() {
		logger.Warn("DATABASE_URL not set: attempts will not be journaled")
		return repository.NoOpRecorder{}, func() {}, nil
	}

	if cfg.MigrateOnStart {
		version, err := database.MigrateUp(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database migrated", slog.Uint64("version", uint64(version)))
	}

	pool, err := database.NewPool(ctx, database.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return repository.NewAttemptRepository(pool), pool.Close, nil
}
