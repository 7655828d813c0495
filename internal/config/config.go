package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port        int    `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENV" default:"development"`

	// Database (optional: attempts are not journaled without it)
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"true"`

	// Auth. Without a secret tokens are decoded but not verified; the
	// Recognition Service still rejects forged ones.
	JWTSecret   string        `envconfig:"JWT_SECRET"`
	JWTIssuer   string        `envconfig:"JWT_ISSUER"`
	JWTLifetime time.Duration `envconfig:"JWT_LIFETIME" default:"24h"`
	RateLimit   int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"300"`

	// Recognition Service
	RecognitionURL     string        `envconfig:"RECOGNITION_URL" default:"http://localhost:8000/api"`
	RecognitionTimeout time.Duration `envconfig:"RECOGNITION_TIMEOUT" default:"10s"`

	// Realtime
	RealtimeURL           string        `envconfig:"REALTIME_URL" default:"ws://localhost:8000/ws"`
	RealtimeToken         string        `envconfig:"REALTIME_TOKEN"`
	RealtimeRetryDelay    time.Duration `envconfig:"REALTIME_RETRY_DELAY" default:"2s"`
	RealtimeMaxRetryDelay time.Duration `envconfig:"REALTIME_MAX_RETRY_DELAY" default:"2s"`

	// Thresholds
	FaceConfidenceThreshold float64 `envconfig:"FACE_CONFIDENCE_THRESHOLD" default:"0.8"`
	LivenessThreshold       float64 `envconfig:"LIVENESS_THRESHOLD" default:"0.7"`
	LowConfidenceWarning    float64 `envconfig:"LOW_CONFIDENCE_WARNING" default:"0.6"`

	// Kiosk
	Location             string        `envconfig:"KIOSK_LOCATION" default:"Main Building"`
	CaptureSource        string        `envconfig:"CAPTURE_SOURCE"`
	CaptureTimeout       time.Duration `envconfig:"CAPTURE_TIMEOUT" default:"5s"`
	CaptureMaxDimension  int           `envconfig:"CAPTURE_MAX_DIMENSION" default:"1280"`
	SessionTTL           time.Duration `envconfig:"SESSION_TTL" default:"10m"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"30s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"FACE_CONFIDENCE_THRESHOLD": c.FaceConfidenceThreshold,
		"LIVENESS_THRESHOLD":        c.LivenessThreshold,
		"LOW_CONFIDENCE_WARNING":    c.LowConfidenceWarning,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("load config: %s must be between 0 and 1, got %v", name, v)
		}
	}

	if c.LowConfidenceWarning > c.FaceConfidenceThreshold {
		return fmt.Errorf("load config: LOW_CONFIDENCE_WARNING (%v) exceeds FACE_CONFIDENCE_THRESHOLD (%v)",
			c.LowConfidenceWarning, c.FaceConfidenceThreshold)
	}

	if c.RealtimeRetryDelay <= 0 {
		return fmt.Errorf("load config: REALTIME_RETRY_DELAY must be positive")
	}

	if c.CaptureMaxDimension < 0 {
		return fmt.Errorf("load config: CAPTURE_MAX_DIMENSION must not be negative")
	}

	if c.RealtimeMaxRetryDelay < c.RealtimeRetryDelay {
		c.RealtimeMaxRetryDelay = c.RealtimeRetryDelay
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}
