package docs

import (
	"github.com/go-swagno/swagno"
	"github.com/go-swagno/swagno/components/endpoint"
	"github.com/go-swagno/swagno/components/http/response"
	"github.com/go-swagno/swagno/components/mime"
	"github.com/go-swagno/swagno/components/parameter"
)

// SnapshotResponse is the observable state of an attendance session
type SnapshotResponse struct {
	SessionID string         `json:"session_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	AttemptID string         `json:"attempt_id" example:"7c9e6679-7425-40de-944b-e07fc1f90ae7"`
	Version   uint64         `json:"version" example:"4"`
	Phase     string         `json:"phase" example:"liveness_in_progress"`
	Busy      bool           `json:"busy" example:"false"`
	StepIndex int            `json:"step_index" example:"1"`
	Steps     []LivenessStep `json:"steps,omitempty"`
	Prompt    string         `json:"prompt,omitempty" example:"Turn your head slowly"`
	Detection *DetectionData `json:"detection,omitempty"`
	Liveness  *LivenessData  `json:"liveness,omitempty"`
	Outcome   *OutcomeData   `json:"outcome,omitempty"`
	Error     *SnapshotError `json:"error,omitempty"`
	CanRetry  bool           `json:"can_retry" example:"false"`
	Retries   map[string]int `json:"retry_counts,omitempty"`
	UpdatedAt string         `json:"updated_at" example:"2024-01-01T08:00:00Z"`
}

// LivenessStep is one guided liveness instruction
type LivenessStep struct {
	Index    int    `json:"index" example:"1"`
	Name     string `json:"name" example:"Turn Head"`
	Prompt   string `json:"prompt" example:"Turn your head slowly"`
	Captured bool   `json:"captured" example:"false"`
}

// DetectionData is the face detection result
type DetectionData struct {
	FaceDetected bool    `json:"face_detected" example:"true"`
	Confidence   float64 `json:"confidence" example:"0.93"`
}

// LivenessData is the aggregate liveness result
type LivenessData struct {
	IsLive       bool    `json:"is_live" example:"true"`
	OverallScore float64 `json:"overall_score" example:"0.88"`
}

// OutcomeData is the accepted attendance record
type OutcomeData struct {
	AttendanceRecordID string  `json:"attendance_record_id" example:"1042"`
	Date               string  `json:"date" example:"2024-01-01"`
	TimeIn             string  `json:"time_in" example:"08:01:12"`
	Status             string  `json:"status" example:"present"`
	ConfidenceScore    float64 `json:"confidence_score" example:"0.93"`
}

// SnapshotError is the user-facing error carried by a snapshot
type SnapshotError struct {
	Code    string `json:"code" example:"NO_FACE_DETECTED"`
	Message string `json:"message" example:"No face detected. Please position yourself correctly."`
	Kind    string `json:"kind" example:"recognition"`
}

// CreateSessionRequest represents the body of POST /v1/sessions
type CreateSessionRequest struct {
	Location  string `json:"location" example:"Room 101"`
	UseDevice bool   `json:"use_device" example:"true"`
}

// FrameRequest represents the JSON body of POST /v1/sessions/{id}/frames
type FrameRequest struct {
	Image string `json:"image" example:"data:image/jpeg;base64,/9j/4AAQSkZJRg..."`
	Step  *int   `json:"step,omitempty" example:"0"`
}

// ListSessionsResponse represents the response of GET /v1/sessions
type ListSessionsResponse struct {
	Sessions []SnapshotResponse `json:"sessions"`
}

// AttemptResponse is one journaled attempt
type AttemptResponse struct {
	AttemptID           string  `json:"attempt_id" example:"7c9e6679-7425-40de-944b-e07fc1f90ae7"`
	SessionID           string  `json:"session_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	UserID              string  `json:"user_id" example:"42"`
	Phase               string  `json:"phase" example:"succeeded"`
	ErrorCode           string  `json:"error_code,omitempty" example:""`
	RecordID            string  `json:"record_id,omitempty" example:"1042"`
	DetectionConfidence float64 `json:"detection_confidence" example:"0.93"`
	LivenessScore       float64 `json:"liveness_score" example:"0.88"`
	Location            string  `json:"location" example:"Room 101"`
	CreatedAt           string  `json:"created_at" example:"2024-01-01T08:00:00Z"`
}

// ListAttemptsResponse represents the response of GET /v1/attempts
type ListAttemptsResponse struct {
	Attempts []AttemptResponse `json:"attempts"`
	Count    int               `json:"count" example:"1"`
}

// SetIdentityRequest represents the body of PUT /v1/realtime/identity
type SetIdentityRequest struct {
	Token string `json:"token" example:"eyJhbGciOiJIUzI1NiIs..."`
}

// RealtimeStatusResponse reports the realtime channel state
type RealtimeStatusResponse struct {
	State string `json:"state" example:"connected"`
}

// HealthResponse represents /health and /ready
type HealthResponse struct {
	Status   string `json:"status" example:"ready"`
	Version  string `json:"version,omitempty" example:"0.1.0"`
	Journal  string `json:"journal,omitempty" example:"ok"`
	Realtime string `json:"realtime,omitempty" example:"connected"`
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Code    string `json:"code" example:"VALIDATION_FAILED"`
	Message string `json:"message" example:"Request validation failed"`
}

// EmptyResponse represents no content response (204)
type EmptyResponse struct{}

var (
	errUnauthorized = response.New(ErrorResponse{Code: "UNAUTHORIZED", Message: "Invalid or missing access token"}, "401", "Unauthorized")
	errForbidden    = response.New(ErrorResponse{Code: "FORBIDDEN", Message: "You do not have permission to access this resource"}, "403", "Forbidden")
	errNotFound     = response.New(ErrorResponse{Code: "SESSION_NOT_FOUND", Message: "Attendance session not found"}, "404", "Not Found")
	errInternal     = response.New(ErrorResponse{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"}, "500", "Internal Server Error")
	bearer          = endpoint.WithSecurity([]map[string][]string{{"BearerAuth": {}}})
	sessionID       = parameter.StrParam("id", parameter.Path, parameter.WithDescription("Session UUID"))
)

// sessionAction documents the POST /sessions/{id}/<action> endpoints that
// take no body and answer with the resulting snapshot.
func sessionAction(action, summary, description string) *endpoint.EndPoint {
	return endpoint.New(
		endpoint.POST,
		"/sessions/{id}/"+action,
		endpoint.WithTags("Sessions"),
		endpoint.WithSummary(summary),
		endpoint.WithDescription(description),
		endpoint.WithProduce([]mime.MIME{mime.JSON}),
		endpoint.WithParams(sessionID),
		endpoint.WithSuccessfulReturns([]response.Response{
			response.New(SnapshotResponse{}, "200", "Snapshot after the action"),
		}),
		endpoint.WithErrors([]response.Response{errUnauthorized, errNotFound}),
		bearer,
	)
}

func NewSwagger() *swagno.Swagger {
	sw := swagno.New(swagno.Config{
		Title:       "Rekko Kiosk API",
		Version:     "v1.0.0",
		Description: "Attendance kiosk agent: guided face detection, liveness and attendance submission against the Recognition Service",
		Host:        "localhost:3000",
		Path:        "/v1",
	})

	endpoints := []*endpoint.EndPoint{
		// POST /v1/sessions - Create Session
		endpoint.New(
			endpoint.POST,
			"/sessions",
			endpoint.WithTags("Sessions"),
			endpoint.WithSummary("Create and start an attendance session"),
			endpoint.WithDescription("Creates a session owned by the caller and moves it to detecting. With use_device the kiosk camera is claimed and the first frame captured."),
			endpoint.WithConsume([]mime.MIME{mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithBody(CreateSessionRequest{}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(SnapshotResponse{}, "201", "Session created"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "BAD_REQUEST", Message: "Invalid request"}, "400", "Bad Request"),
				errUnauthorized,
				response.New(ErrorResponse{Code: "DEVICE_BUSY", Message: "Camera is in use by another attendance session"}, "409", "Conflict"),
				response.New(ErrorResponse{Code: "NO_CAPTURE_SOURCE", Message: "No camera is attached to this session"}, "409", "Conflict"),
			}),
			bearer,
		),

		// GET /v1/sessions - List Sessions
		endpoint.New(
			endpoint.GET,
			"/sessions",
			endpoint.WithTags("Sessions"),
			endpoint.WithSummary("List live sessions"),
			endpoint.WithDescription("Lists the caller's sessions. Teachers and admins see every session on the kiosk."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(ListSessionsResponse{}, "200", "Sessions"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized}),
			bearer,
		),

		// GET /v1/sessions/:id - Get Session
		endpoint.New(
			endpoint.GET,
			"/sessions/{id}",
			endpoint.WithTags("Sessions"),
			endpoint.WithSummary("Get a session snapshot"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(sessionID),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(SnapshotResponse{}, "200", "Current snapshot"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized, errNotFound}),
			bearer,
		),

		// POST /v1/sessions/:id/frames - Submit Frame
		endpoint.New(
			endpoint.POST,
			"/sessions/{id}/frames",
			endpoint.WithTags("Sessions"),
			endpoint.WithSummary("Feed a client-captured frame"),
			endpoint.WithDescription("Accepts a multipart `image` file (optional `step` field) or a JSON body with a data URL or base64 image. JPEG, PNG and WebP up to 5MB. Frames are ignored while a recognition call is outstanding."),
			endpoint.WithConsume([]mime.MIME{mime.MIME("multipart/form-data"), mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(sessionID),
			endpoint.WithBody(FrameRequest{}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(SnapshotResponse{}, "200", "Snapshot after the frame"),
			}),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errNotFound,
				response.New(ErrorResponse{Code: "INVALID_IMAGE", Message: "Invalid image format or corrupted file"}, "422", "Unprocessable Entity"),
				response.New(ErrorResponse{Code: "RATE_LIMIT_EXCEEDED", Message: "Too many requests. Please slow down."}, "429", "Too Many Requests"),
			}),
			bearer,
		),

		sessionAction("start", "Start detection", "Moves an idle session (after a reset) back to detecting."),
		sessionAction("capture", "Capture from the kiosk camera", "Captures one frame from the claimed camera and feeds it to the current phase."),
		sessionAction("confirm", "Submit attendance", "Submits attendance once detection and liveness have passed. Repeated calls submit at most once."),
		sessionAction("retry", "Retry the failed step", "Re-issues the step that failed with a retryable error."),
		sessionAction("reset", "Reset the session", "Cancels in-flight work and starts a new attempt in idle."),

		// DELETE /v1/sessions/:id - Close Session
		endpoint.New(
			endpoint.DELETE,
			"/sessions/{id}",
			endpoint.WithTags("Sessions"),
			endpoint.WithSummary("Close a session"),
			endpoint.WithDescription("Cancels in-flight work, releases the camera and forgets the session."),
			endpoint.WithParams(sessionID),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(EmptyResponse{}, "204", "Session closed"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized, errNotFound}),
			bearer,
		),

		// GET /v1/sessions/:id/events - Snapshot Stream
		endpoint.New(
			endpoint.GET,
			"/sessions/{id}/events",
			endpoint.WithTags("Sessions"),
			endpoint.WithSummary("Stream session events over websocket"),
			endpoint.WithDescription("Websocket upgrade. Sends the current snapshot, then session.snapshot, attendance.marked_elsewhere and realtime.status events. Browsers may pass the access token as ?token=."),
			endpoint.WithParams(
				sessionID,
				parameter.StrParam("token", parameter.Query, parameter.WithDescription("Access token when headers cannot be set")),
			),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errNotFound,
				response.New(ErrorResponse{Code: "HTTP_ERROR", Message: "Upgrade Required"}, "426", "Upgrade Required"),
			}),
			bearer,
		),

		// GET /v1/attempts - Attempt Journal
		endpoint.New(
			endpoint.GET,
			"/attempts",
			endpoint.WithTags("Attempts"),
			endpoint.WithSummary("List recent attempts"),
			endpoint.WithDescription("Returns the newest journaled attempts (teachers and admins only)."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.IntParam("limit", parameter.Query, parameter.WithDescription("Max results (default 50, max 500)")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(ListAttemptsResponse{}, "200", "Attempts"),
			}),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errForbidden,
				errInternal,
			}),
			bearer,
		),

		// PUT /v1/realtime/identity - Scope Realtime Channel
		endpoint.New(
			endpoint.PUT,
			"/realtime/identity",
			endpoint.WithTags("Realtime"),
			endpoint.WithSummary("Connect the realtime channel as an identity"),
			endpoint.WithDescription("Replaces the backend connection with one scoped to the given token, or to the caller's token when empty (teachers and admins only)."),
			endpoint.WithConsume([]mime.MIME{mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithBody(SetIdentityRequest{}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(RealtimeStatusResponse{}, "202", "Connecting"),
			}),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errForbidden,
				response.New(ErrorResponse{Code: "SERVICE_UNAVAILABLE", Message: "Realtime channel not configured"}, "503", "Service Unavailable"),
			}),
			bearer,
		),

		// DELETE /v1/realtime/identity - Disconnect Realtime Channel
		endpoint.New(
			endpoint.DELETE,
			"/realtime/identity",
			endpoint.WithTags("Realtime"),
			endpoint.WithSummary("Disconnect the realtime channel"),
			endpoint.WithDescription("Teachers and admins only."),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(EmptyResponse{}, "204", "Disconnected"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized, errForbidden}),
			bearer,
		),

		// GET /v1/realtime/status - Realtime Status
		endpoint.New(
			endpoint.GET,
			"/realtime/status",
			endpoint.WithTags("Realtime"),
			endpoint.WithSummary("Realtime channel state"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(RealtimeStatusResponse{}, "200", "Current state"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized}),
			bearer,
		),
	}

	sw.AddEndpoints(endpoints)

	return sw
}
