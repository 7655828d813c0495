package ws

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSessionSnapshot           EventType = "session.snapshot"
	EventAttendanceMarkedElsewhere EventType = "attendance.marked_elsewhere"
	EventRealtimeStatus            EventType = "realtime.status"
)

// Event is what a kiosk UI receives. SessionID is uuid.Nil for events that go
// to every connected client.
type Event struct {
	SessionID uuid.UUID   `json:"session_id"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}
