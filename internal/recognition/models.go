package recognition

import (
	"encoding/json"
	"strings"
)

// envelope is the ApiResponse wrapper used by the attendance backend.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Success   *bool           `json:"success"`
	Timestamp string          `json:"timestamp"`
}

// errorBody covers the error shapes the backend produces (DRF "detail",
// plain "error", or an envelope message).
type errorBody struct {
	Code    string          `json:"code"`
	Error   json.RawMessage `json:"error"`
	Detail  string          `json:"detail"`
	Message string          `json:"message"`
}

func (b errorBody) text() string {
	if b.Detail != "" {
		return b.Detail
	}
	if len(b.Error) > 0 {
		var s string
		if err := json.Unmarshal(b.Error, &s); err == nil && s != "" {
			return s
		}
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(b.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return b.Message
}

func (b errorBody) code() string {
	if b.Code != "" {
		return strings.ToUpper(b.Code)
	}
	var nested struct {
		Code string `json:"code"`
	}
	if len(b.Error) > 0 && json.Unmarshal(b.Error, &nested) == nil {
		return strings.ToUpper(nested.Code)
	}
	return ""
}

// DetectRequest for POST /biometrics/detect/
type DetectRequest struct {
	Image    string `json:"image"` // base64 encoded image
	Location string `json:"location,omitempty"`
}

// DetectResponse from POST /biometrics/detect/
type DetectResponse struct {
	FaceDetected  bool         `json:"face_detected"`
	Confidence    float64      `json:"confidence"`
	BoundingBox   *BoundingBox `json:"bounding_box,omitempty"`
	FaceEmbedding []float64    `json:"face_embedding,omitempty"`
	Embedding     []float64    `json:"embedding,omitempty"`
	Landmarks     [][]float64  `json:"landmarks,omitempty"`
}

type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// LivenessRequest for POST /biometrics/liveness/
type LivenessRequest struct {
	Images []string `json:"images"`
}

// LivenessResponse from POST /biometrics/liveness/
type LivenessResponse struct {
	EyeBlinkDetected      bool    `json:"eye_blink_detected"`
	HeadMovementDetected  bool    `json:"head_movement_detected"`
	TextureAnalysisPassed bool    `json:"texture_analysis_passed"`
	OverallScore          float64 `json:"overall_score"`
	IsLive                bool    `json:"is_live"`
}

// MarkAttendanceRequest for POST /attendance/mark_with_face/
type MarkAttendanceRequest struct {
	Image    string `json:"image"`
	Location string `json:"location,omitempty"`
}

// MarkAttendanceResponse from POST /attendance/mark_with_face/
type MarkAttendanceResponse struct {
	ID              json.RawMessage `json:"id"`
	Date            string          `json:"date"`
	TimeIn          string          `json:"time_in"`
	Status          string          `json:"status"`
	ConfidenceScore float64         `json:"confidence_score"`
}

// RecordID accepts numeric and string identifiers.
func (r MarkAttendanceResponse) RecordID() string {
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.ID))
}
