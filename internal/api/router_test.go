package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/auth"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/kiosk"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/repository"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/ws"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubRecognizer struct{}

func (stubRecognizer) DetectFace(context.Context, domain.Frame) (*domain.DetectionResult, error) {
	return &domain.DetectionResult{FaceDetected: true, Confidence: 0.92, Embedding: []float64{0.3, 0.4}}, nil
}

func (stubRecognizer) CheckLiveness(context.Context, []domain.Frame) (*domain.LivenessResult, error) {
	return &domain.LivenessResult{IsLive: true, OverallScore: 0.9}, nil
}

func (stubRecognizer) SubmitAttendance(context.Context, domain.Frame, domain.SubmissionMetadata) (*domain.SubmissionOutcome, error) {
	return &domain.SubmissionOutcome{AttendanceRecordID: "1042", Status: "present", Timestamp: time.Now()}, nil
}

type testServer struct {
	router   *Router
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, journal Journal) *testServer {
	t.Helper()

	hub := ws.NewHub(discardLogger)
	manager := kiosk.NewManager(kiosk.Config{Location: "Room 101"}, kiosk.Dependencies{
		Recognizer: stubRecognizer{},
		Hub:        hub,
		Recorder:   journal.(kiosk.Recorder),
		Logger:     discardLogger,
	})
	verifier := auth.NewVerifier("test-secret", "rekko-kiosk", time.Hour)

	router := NewRouter(discardLogger, &Dependencies{
		Manager:    manager,
		Hub:        hub,
		Journal:    journal,
		Verifier:   verifier,
		SessionTTL: time.Minute,
	})
	router.Setup()
	t.Cleanup(func() { _ = router.Shutdown() })

	return &testServer{router: router, verifier: verifier}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := s.verifier.GenerateToken(userID, userID+"@school.test", role)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.router.App().Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func frameDataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

type snapshot struct {
	SessionID string `json:"session_id"`
	AttemptID string `json:"attempt_id"`
	Phase     string `json:"phase"`
	Outcome   *struct {
		AttendanceRecordID string `json:"attendance_record_id"`
	} `json:"outcome"`
}

// memoryJournal records attempts in memory.
type memoryJournal struct {
	repository.NoOpRecorder
	attempts []domain.Attempt
}

func (j *memoryJournal) Record(_ context.Context, a *domain.Attempt) error {
	j.attempts = append(j.attempts, *a)
	return nil
}

func (j *memoryJournal) ListRecent(context.Context, int) ([]domain.Attempt, error) {
	return j.attempts, nil
}

func TestRouter_AttendanceFlow(t *testing.T) {
	journal := &memoryJournal{}
	srv := newTestServer(t, journal)
	student := srv.token(t, "42", domain.RoleStudent)

	status, data := srv.do(t, "POST", "/v1/sessions", student, map[string]string{"location": "Lab 3"})
	require.Equal(t, 201, status, string(data))
	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, "detecting", snap.Phase)

	frame := map[string]string{"image": frameDataURL(t)}
	path := "/v1/sessions/" + snap.SessionID

	status, data = srv.do(t, "POST", path+"/frames", student, frame)
	require.Equal(t, 200, status, string(data))
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, "liveness_in_progress", snap.Phase)

	for i := 0; i < 3; i++ {
		status, data = srv.do(t, "POST", path+"/frames", student, frame)
		require.Equal(t, 200, status, string(data))
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, "confirming", snap.Phase)

	status, data = srv.do(t, "POST", path+"/confirm", student, nil)
	require.Equal(t, 200, status, string(data))
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "succeeded", snap.Phase)
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, "1042", snap.Outcome.AttendanceRecordID)

	require.Len(t, journal.attempts, 1)
	assert.Equal(t, "42", journal.attempts[0].UserID)
	assert.Equal(t, "Lab 3", journal.attempts[0].Location)
	assert.Equal(t, domain.PhaseSucceeded, journal.attempts[0].Phase)

	status, _ = srv.do(t, "DELETE", path, student, nil)
	assert.Equal(t, 204, status)
	status, _ = srv.do(t, "GET", path, student, nil)
	assert.Equal(t, 404, status)
}

func TestRouter_Authorization(t *testing.T) {
	srv := newTestServer(t, &memoryJournal{})
	student := srv.token(t, "42", domain.RoleStudent)
	teacher := srv.token(t, "7", domain.RoleTeacher)

	tests := []struct {
		name           string
		method         string
		path           string
		token          string
		expectedStatus int
	}{
		{name: "no token", method: "GET", path: "/v1/sessions", expectedStatus: 401},
		{name: "forged token", method: "GET", path: "/v1/sessions", token: "not.a.jwt", expectedStatus: 401},
		{name: "student lists own sessions", method: "GET", path: "/v1/sessions", token: student, expectedStatus: 200},
		{name: "student cannot read journal", method: "GET", path: "/v1/attempts", token: student, expectedStatus: 403},
		{name: "teacher reads journal", method: "GET", path: "/v1/attempts", token: teacher, expectedStatus: 200},
		{name: "realtime status", method: "GET", path: "/v1/realtime/status", token: student, expectedStatus: 200},
		{name: "student cannot set realtime identity", method: "PUT", path: "/v1/realtime/identity", token: student, expectedStatus: 403},
		{name: "student cannot clear realtime identity", method: "DELETE", path: "/v1/realtime/identity", token: student, expectedStatus: 403},
		{name: "realtime not configured", method: "PUT", path: "/v1/realtime/identity", token: teacher, expectedStatus: 503},
		{name: "teacher clears realtime identity", method: "DELETE", path: "/v1/realtime/identity", token: teacher, expectedStatus: 204},
		{name: "events without upgrade", method: "GET", path: "/v1/sessions/" + "00000000-0000-0000-0000-000000000001" + "/events", token: student, expectedStatus: 426},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, data := srv.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.expectedStatus, status, string(data))
		})
	}
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t, &memoryJournal{})

	status, data := srv.do(t, "GET", "/ready", "", nil)
	require.Equal(t, 200, status)

	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "disconnected", body["realtime"])

	status, _ = srv.do(t, "GET", "/health", "", nil)
	assert.Equal(t, 200, status)
}

func TestRouter_WithoutDependencies(t *testing.T) {
	router := NewRouter(discardLogger, nil)
	router.Setup()
	defer func() { _ = router.Shutdown() }()

	resp, err := router.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = router.App().Test(httptest.NewRequest("GET", "/v1/sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}
