package domain

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the position of an attendance session in the capture wizard.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseDetecting          Phase = "detecting"
	PhaseLivenessInProgress Phase = "liveness_in_progress"
	PhaseConfirming         Phase = "confirming"
	PhaseSubmitting         Phase = "submitting"
	PhaseSucceeded          Phase = "succeeded"
	PhaseFailed             Phase = "failed"
)

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Frame is one still image captured from the camera. Frames are replaced,
// never mutated, once handed to a session.
type Frame struct {
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// BoundingBox represents the face area in the image
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectionResult is the outcome of one face-detection call.
type DetectionResult struct {
	FaceDetected bool         `json:"face_detected"`
	Confidence   float64      `json:"confidence"`
	BoundingBox  *BoundingBox `json:"bounding_box,omitempty"`
	Embedding    []float64    `json:"-"`
}

// HasEmbedding is false for detections that cannot be matched against an
// enrolled identity, even when a face was found.
func (d *DetectionResult) HasEmbedding() bool {
	return d != nil && len(d.Embedding) > 0
}

// LivenessChecks contains individual liveness check results
type LivenessChecks struct {
	EyeBlink        bool `json:"eye_blink"`
	HeadMovement    bool `json:"head_movement"`
	TextureAnalysis bool `json:"texture_analysis"`
}

// LivenessResult is the aggregate verdict over a completed challenge sequence.
type LivenessResult struct {
	IsLive       bool           `json:"is_live"`
	OverallScore float64        `json:"overall_score"`
	Checks       LivenessChecks `json:"checks"`
}

// SubmissionMetadata travels with the attendance-mark request.
type SubmissionMetadata struct {
	Location string `json:"location,omitempty"`
}

// SubmissionOutcome is the record created by the Recognition Service.
type SubmissionOutcome struct {
	AttendanceRecordID string    `json:"attendance_record_id"`
	Date               string    `json:"date,omitempty"`
	TimeIn             string    `json:"time_in,omitempty"`
	Status             string    `json:"status,omitempty"`
	ConfidenceScore    float64   `json:"confidence_score"`
	Timestamp          time.Time `json:"timestamp"`
}

// LivenessStep is the UI view of one challenge prompt.
type LivenessStep struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Captured bool   `json:"captured"`
}

// Snapshot is the observable state of a session, pushed on every transition.
// SessionID is stable for the session handle and survives Reset. AttemptID
// changes on every reset and is the key of the at-most-once submission: a
// session submits at most once per AttemptID, so a new submission after
// Succeeded needs a Reset first.
type Snapshot struct {
	SessionID   uuid.UUID          `json:"session_id"`
	AttemptID   uuid.UUID          `json:"attempt_id"`
	Version     uint64             `json:"version"`
	Phase       Phase              `json:"phase"`
	Busy        bool               `json:"busy"`
	StepIndex   int                `json:"step_index"`
	Steps       []LivenessStep     `json:"steps,omitempty"`
	Prompt      string             `json:"prompt,omitempty"`
	Detection   *DetectionResult   `json:"detection,omitempty"`
	Liveness    *LivenessResult    `json:"liveness,omitempty"`
	Outcome     *SubmissionOutcome `json:"outcome,omitempty"`
	Error       *AppError          `json:"error,omitempty"`
	CanRetry    bool               `json:"can_retry"`
	RetryCounts map[Phase]int      `json:"retry_counts,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Attempt is the journal entry persisted when a session reaches a terminal phase.
type Attempt struct {
	AttemptID           uuid.UUID `json:"attempt_id"`
	SessionID           uuid.UUID `json:"session_id"`
	UserID              string    `json:"user_id"`
	Phase               Phase     `json:"phase"`
	ErrorCode           string    `json:"error_code,omitempty"`
	RecordID            string    `json:"record_id,omitempty"`
	DetectionConfidence float64   `json:"detection_confidence"`
	LivenessScore       float64   `json:"liveness_score"`
	Embedding           []float64 `json:"-"`
	Location            string    `json:"location,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewAttempt builds the journal entry for a snapshot.
func NewAttempt(snap Snapshot, userID, location string) *Attempt {
	a := &Attempt{
		AttemptID: snap.AttemptID,
		SessionID: snap.SessionID,
		UserID:    userID,
		Phase:     snap.Phase,
		Location:  location,
	}
	if snap.Detection != nil {
		a.DetectionConfidence = snap.Detection.Confidence
		a.Embedding = snap.Detection.Embedding
	}
	if snap.Liveness != nil {
		a.LivenessScore = snap.Liveness.OverallScore
	}
	if snap.Outcome != nil {
		a.RecordID = snap.Outcome.AttendanceRecordID
	}
	if snap.Error != nil {
		a.ErrorCode = snap.Error.Code
	}
	return a
}
