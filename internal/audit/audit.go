package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of auditable event
type EventType string

const (
	EventSessionStarted      EventType = "SESSION_STARTED"
	EventFaceDetected        EventType = "FACE_DETECTED"
	EventLivenessChecked     EventType = "LIVENESS_CHECKED"
	EventAttendanceSubmitted EventType = "ATTENDANCE_SUBMITTED"
	EventAttemptFailed       EventType = "ATTEMPT_FAILED"
	EventSessionReset        EventType = "SESSION_RESET"
	EventSessionClosed       EventType = "SESSION_CLOSED"
)

// Event is one auditable step of an attendance attempt. Biometric data is
// never part of an event.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	SessionID uuid.UUID         `json:"session_id"`
	AttemptID uuid.UUID         `json:"attempt_id"`
	UserID    string            `json:"user_id,omitempty"`
	EventType EventType         `json:"event_type"`
	Phase     string            `json:"phase,omitempty"`
	Success   bool              `json:"success"`
	ErrorCode string            `json:"error_code,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// Client identifies the caller behind an audited request.
type Client struct {
	IPAddress string
	UserAgent string
}

type clientKey struct{}

// WithClient attaches the calling client to ctx.
func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// ClientFrom returns the client attached by WithClient.
func ClientFrom(ctx context.Context) (Client, bool) {
	client, ok := ctx.Value(clientKey{}).(Client)
	return client, ok
}

// Apply stamps the client onto evt.
func (c Client) Apply(evt *Event) {
	evt.IPAddress = c.IPAddress
	evt.UserAgent = c.UserAgent
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event) error
}

// SlogLogger implements Logger using slog
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a new audit logger using slog
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{
		logger: logger.With("component", "audit"),
	}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to marshal audit event",
			slog.String("error", err.Error()),
			slog.String("event_type", string(event.EventType)),
		)
		return err
	}

	l.logger.InfoContext(ctx, "audit_event",
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", string(event.EventType)),
		slog.String("session_id", event.SessionID.String()),
		slog.String("user_id", event.UserID),
		slog.Bool("success", event.Success),
		slog.String("event_data", string(eventJSON)),
	)

	return nil
}

// NoOpLogger is a logger that does nothing (for testing or when audit is disabled)
type NoOpLogger struct{}

// Log does nothing and returns nil
func (l *NoOpLogger) Log(_ context.Context, _ Event) error {
	return nil
}
