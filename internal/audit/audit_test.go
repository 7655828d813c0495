package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_Log(t *testing.T) {
	tests := []struct {
		name          string
		event         Event
		wantEventType string
		wantHasError  bool
		wantUserID    bool
	}{
		{
			name: "session started",
			event: Event{
				SessionID: uuid.New(),
				AttemptID: uuid.New(),
				UserID:    "7",
				EventType: EventSessionStarted,
				Phase:     "detecting",
				Success:   true,
			},
			wantEventType: string(EventSessionStarted),
			wantUserID:    true,
		},
		{
			name: "face detected with confidence",
			event: Event{
				SessionID: uuid.New(),
				EventType: EventFaceDetected,
				Phase:     "liveness_in_progress",
				Success:   true,
				Metadata:  map[string]string{"confidence": "0.920"},
			},
			wantEventType: string(EventFaceDetected),
		},
		{
			name: "duplicate submission",
			event: Event{
				SessionID: uuid.New(),
				UserID:    "7",
				EventType: EventAttemptFailed,
				Phase:     "failed",
				Success:   false,
				ErrorCode: "DUPLICATE_ATTENDANCE",
				Error:     "Attendance already marked today",
			},
			wantEventType: string(EventAttemptFailed),
			wantHasError:  true,
			wantUserID:    true,
		},
		{
			name: "event with IP and user agent",
			event: Event{
				SessionID: uuid.New(),
				EventType: EventSessionClosed,
				Success:   true,
				IPAddress: "192.168.1.1",
				UserAgent: "Mozilla/5.0",
			},
			wantEventType: string(EventSessionClosed),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := slog.NewJSONHandler(&buf, nil)
			logger := slog.New(handler)

			auditLogger := NewSlogLogger(logger)
			err := auditLogger.Log(context.Background(), tt.event)

			require.NoError(t, err)

			output := buf.String()
			assert.Contains(t, output, tt.wantEventType)
			assert.Contains(t, output, tt.event.SessionID.String())
			assert.Contains(t, output, "audit_event")
			assert.Contains(t, output, `"component":"audit"`)

			if tt.wantHasError {
				assert.Contains(t, output, tt.event.Error)
				assert.Contains(t, output, tt.event.ErrorCode)
			}

			if tt.wantUserID {
				assert.Contains(t, output, `"user_id":"7"`)
			}
		})
	}
}

func TestSlogLogger_Log_GeneratesIDAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	auditLogger := NewSlogLogger(logger)
	err := auditLogger.Log(context.Background(), Event{
		SessionID: uuid.New(),
		EventType: EventFaceDetected,
		Success:   true,
	})
	require.NoError(t, err)

	var logEntry map[string]interface{}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &logEntry))

	eventID, ok := logEntry["event_id"].(string)
	require.True(t, ok)
	_, err = uuid.Parse(eventID)
	assert.NoError(t, err)

	var data Event
	require.NoError(t, json.Unmarshal([]byte(logEntry["event_data"].(string)), &data))
	assert.False(t, data.Timestamp.IsZero())
}

func TestSlogLogger_Log_UsesProvidedIDAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	auditLogger := NewSlogLogger(logger)
	expectedID := uuid.New()

	err := auditLogger.Log(context.Background(), Event{
		ID:        expectedID,
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		SessionID: uuid.New(),
		EventType: EventAttendanceSubmitted,
		Success:   true,
	})
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, expectedID.String())
	assert.Contains(t, output, "2024-01-15T10:30:00Z")
}

func TestNoOpLogger_Log(t *testing.T) {
	logger := &NoOpLogger{}

	for i := 0; i < 10; i++ {
		err := logger.Log(context.Background(), Event{
			SessionID: uuid.New(),
			EventType: EventSessionReset,
			Success:   true,
		})
		assert.NoError(t, err)
	}
}

func TestLoggerInterface_Compliance(t *testing.T) {
	var _ Logger = (*SlogLogger)(nil)
	var _ Logger = (*NoOpLogger)(nil)
}

func TestEvent_JSONSerialization_OmitsEmptyFields(t *testing.T) {
	event := Event{
		SessionID: uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
		EventType: EventFaceDetected,
		Success:   true,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	jsonStr := string(data)
	assert.NotContains(t, jsonStr, "user_id")
	assert.NotContains(t, jsonStr, "error_code")
	assert.NotContains(t, jsonStr, `"error"`)
	assert.NotContains(t, jsonStr, "ip_address")
	assert.NotContains(t, jsonStr, "metadata")
}

func TestClientContext(t *testing.T) {
	_, ok := ClientFrom(context.Background())
	assert.False(t, ok)

	ctx := WithClient(context.Background(), Client{IPAddress: "10.0.0.5", UserAgent: "kiosk/1.0"})
	client, ok := ClientFrom(ctx)
	require.True(t, ok)

	var evt Event
	client.Apply(&evt)
	assert.Equal(t, "10.0.0.5", evt.IPAddress)
	assert.Equal(t, "kiosk/1.0", evt.UserAgent)
}
