package realtime

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

type EventType string

const (
	EventAttendanceMarked  EventType = "attendance_marked"
	EventStudentRegistered EventType = "student_registered"
	EventSystemAlert       EventType = "system_alert"
	EventRealTimeUpdate    EventType = "real_time_update"
	EventNotification      EventType = "notification"
	EventPing              EventType = "ping"
	EventPong              EventType = "pong"

	// EventAny subscribes to every incoming event.
	EventAny EventType = "*"
)

var knownEvents = map[EventType]bool{
	EventAttendanceMarked:  true,
	EventStudentRegistered: true,
	EventSystemAlert:       true,
	EventRealTimeUpdate:    true,
	EventNotification:      true,
	EventPing:              true,
	EventPong:              true,
}

// Event is the wire envelope. Outgoing events always carry an RFC 3339
// timestamp; on incoming ones it is best effort and may be zero.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// incomingEvent is what the server sends. Its timestamp format is not
// enforced, so it never decides whether an event is dispatched.
type incomingEvent struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

func (in incomingEvent) event() Event {
	return Event{Type: in.Type, Data: in.Data, Timestamp: in.Timestamp.Time}
}

// Timestamp decodes RFC 3339, naive ISO 8601 (read as UTC) and epoch
// seconds or milliseconds. Anything else decodes to the zero time.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// epochMillisThreshold separates epoch milliseconds from seconds.
const epochMillisThreshold = 1e11

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] != '"' {
		epoch, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return nil
		}
		t.Time = fromEpoch(epoch)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	t.Time = parseTimestamp(s)
	return nil
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts
		}
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(epoch)
	}
	return time.Time{}
}

func fromEpoch(epoch float64) time.Time {
	if epoch >= epochMillisThreshold {
		return time.UnixMilli(int64(epoch)).UTC()
	}
	sec := int64(epoch)
	return time.Unix(sec, int64((epoch-float64(sec))*1e9)).UTC()
}

// AttendanceMarked is the payload of attendance_marked. The backend sends
// numeric ids; this process sends strings.
type AttendanceMarked struct {
	RecordID  domain.ExternalID `json:"record_id"`
	UserID    domain.ExternalID `json:"user_id,omitempty"`
	StudentID domain.ExternalID `json:"student_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Location  string            `json:"location,omitempty"`
	Status    string            `json:"status,omitempty"`
	MarkedAt  Timestamp         `json:"marked_at"`
}

// Subject returns whichever user identifier the sender filled in.
func (a AttendanceMarked) Subject() string {
	if a.UserID != "" {
		return string(a.UserID)
	}
	return string(a.StudentID)
}

type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
	AlertSuccess AlertLevel = "success"
)

// SystemAlert is the payload of system_alert.
type SystemAlert struct {
	Message   string     `json:"message"`
	Type      AlertLevel `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}
