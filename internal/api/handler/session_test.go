package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/attendance"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/audit"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/kiosk"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubRecognizer struct{}

func (stubRecognizer) DetectFace(context.Context, domain.Frame) (*domain.DetectionResult, error) {
	return &domain.DetectionResult{FaceDetected: true, Confidence: 0.95, Embedding: []float64{0.1, 0.2}}, nil
}

func (stubRecognizer) CheckLiveness(context.Context, []domain.Frame) (*domain.LivenessResult, error) {
	return &domain.LivenessResult{IsLive: true, OverallScore: 0.9}, nil
}

func (stubRecognizer) SubmitAttendance(context.Context, domain.Frame, domain.SubmissionMetadata) (*domain.SubmissionOutcome, error) {
	return &domain.SubmissionOutcome{AttendanceRecordID: "rec-1", Status: "present"}, nil
}

// fakeManager keeps sessions in memory with the same owner scoping as the
// kiosk manager.
type fakeManager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*attendance.Session
	owners   map[uuid.UUID]string
	removed  []uuid.UUID
	clients  []audit.Client
}

func (m *fakeManager) recordClient(ctx context.Context) {
	client, _ := audit.ClientFrom(ctx)
	m.mu.Lock()
	m.clients = append(m.clients, client)
	m.mu.Unlock()
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		sessions: make(map[uuid.UUID]*attendance.Session),
		owners:   make(map[uuid.UUID]string),
	}
}

func (m *fakeManager) Create(ctx context.Context, identity domain.Identity, opts kiosk.CreateOptions) (*attendance.Session, error) {
	m.recordClient(ctx)
	if opts.UseDevice {
		return nil, domain.ErrNoCaptureSource
	}
	s := attendance.New(attendance.Options{
		Recognizer: stubRecognizer{},
		Location:   opts.Location,
		Logger:     discardLogger,
	})
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.owners[s.ID()] = identity.UserID
	m.mu.Unlock()
	s.Start(ctx)
	return s, nil
}

func (m *fakeManager) Get(id uuid.UUID, identity domain.Identity) (*attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || (m.owners[id] != identity.UserID && !identity.IsStaff()) {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

func (m *fakeManager) List(identity domain.Identity) []domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snaps []domain.Snapshot
	for id, s := range m.sessions {
		if m.owners[id] == identity.UserID || identity.IsStaff() {
			snaps = append(snaps, s.Snapshot())
		}
	}
	return snaps
}

func (m *fakeManager) Remove(ctx context.Context, id uuid.UUID) error {
	m.recordClient(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.removed = append(m.removed, id)
	return nil
}

func (m *fakeManager) Snapshot(id uuid.UUID) (domain.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Snapshot{}, false
	}
	return s.Snapshot(), true
}

var (
	alice = domain.Identity{UserID: "1", Role: domain.RoleStudent, Token: "alice-token"}
	bob   = domain.Identity{UserID: "2", Role: domain.RoleStudent, Token: "bob-token"}
	staff = domain.Identity{UserID: "9", Role: domain.RoleTeacher, Token: "staff-token"}
)

// setupSessionApp authenticates every request as the identity named by the
// X-Test-User header.
func setupSessionApp(manager SessionManager) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(discardLogger)})
	users := map[string]domain.Identity{"alice": alice, "bob": bob, "staff": staff}
	app.Use(func(c *fiber.Ctx) error {
		if id, ok := users[c.Get("X-Test-User")]; ok {
			c.Locals(middleware.LocalIdentity, id)
		}
		return c.Next()
	})

	h := NewSessionHandler(manager, 1280, discardLogger)
	app.Post("/v1/sessions", h.Create)
	app.Get("/v1/sessions", h.List)
	app.Get("/v1/sessions/:id", h.Get)
	app.Post("/v1/sessions/:id/start", h.Start)
	app.Post("/v1/sessions/:id/frames", h.Frame)
	app.Post("/v1/sessions/:id/capture", h.Capture)
	app.Post("/v1/sessions/:id/confirm", h.Confirm)
	app.Post("/v1/sessions/:id/retry", h.Retry)
	app.Post("/v1/sessions/:id/reset", h.Reset)
	app.Delete("/v1/sessions/:id", h.Delete)
	return app
}

type snapshotBody struct {
	SessionID string `json:"session_id"`
	AttemptID string `json:"attempt_id"`
	Phase     string `json:"phase"`
	Error     *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type apiError struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func do(t *testing.T, app *fiber.App, method, path, user string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Test-User", user)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func createSession(t *testing.T, app *fiber.App, user string) snapshotBody {
	t.Helper()
	status, data := do(t, app, "POST", "/v1/sessions", user, bytes.NewBufferString(`{"location":"Room 101"}`), fiber.MIMEApplicationJSON)
	require.Equal(t, fiber.StatusCreated, status, string(data))
	var snap snapshotBody
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func multipartImage(t *testing.T, data []byte, contentType, step string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="frame"`)
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if step != "" {
		require.NoError(t, w.WriteField("step", step))
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func TestSessionHandler_Create(t *testing.T) {
	tests := []struct {
		name           string
		user           string
		body           string
		expectedStatus int
		expectedCode   string
	}{
		{name: "starts detecting", user: "alice", body: `{"location":"Room 101"}`, expectedStatus: 201},
		{name: "empty body", user: "alice", expectedStatus: 201},
		{name: "no camera attached", user: "alice", body: `{"use_device":true}`, expectedStatus: 409, expectedCode: "NO_CAPTURE_SOURCE"},
		{name: "malformed body", user: "alice", body: `{`, expectedStatus: 400, expectedCode: "BAD_REQUEST"},
		{name: "unauthenticated", user: "", body: `{}`, expectedStatus: 401, expectedCode: "UNAUTHORIZED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := setupSessionApp(newFakeManager())

			var body io.Reader
			if tt.body != "" {
				body = bytes.NewBufferString(tt.body)
			}
			status, data := do(t, app, "POST", "/v1/sessions", tt.user, body, fiber.MIMEApplicationJSON)
			assert.Equal(t, tt.expectedStatus, status, string(data))

			if tt.expectedCode != "" {
				var e apiError
				require.NoError(t, json.Unmarshal(data, &e))
				assert.Equal(t, tt.expectedCode, e.Error.Code)
				return
			}

			var snap snapshotBody
			require.NoError(t, json.Unmarshal(data, &snap))
			assert.Equal(t, string(domain.PhaseDetecting), snap.Phase)
			assert.NotEmpty(t, snap.SessionID)
		})
	}
}

func TestSessionHandler_GetIsOwnerScoped(t *testing.T) {
	app := setupSessionApp(newFakeManager())
	snap := createSession(t, app, "alice")

	tests := []struct {
		name           string
		path           string
		user           string
		expectedStatus int
	}{
		{name: "owner", path: "/v1/sessions/" + snap.SessionID, user: "alice", expectedStatus: 200},
		{name: "staff", path: "/v1/sessions/" + snap.SessionID, user: "staff", expectedStatus: 200},
		{name: "other user", path: "/v1/sessions/" + snap.SessionID, user: "bob", expectedStatus: 404},
		{name: "unknown id", path: "/v1/sessions/" + uuid.NewString(), user: "alice", expectedStatus: 404},
		{name: "malformed id", path: "/v1/sessions/not-a-uuid", user: "alice", expectedStatus: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, app, "GET", tt.path, tt.user, nil, "")
			assert.Equal(t, tt.expectedStatus, status)
		})
	}
}

func TestSessionHandler_List(t *testing.T) {
	app := setupSessionApp(newFakeManager())
	createSession(t, app, "alice")
	createSession(t, app, "bob")

	_, data := do(t, app, "GET", "/v1/sessions", "alice", nil, "")
	var resp struct {
		Sessions []snapshotBody `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Len(t, resp.Sessions, 1)

	_, data = do(t, app, "GET", "/v1/sessions", "staff", nil, "")
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Len(t, resp.Sessions, 2)
}

func TestSessionHandler_Frame(t *testing.T) {
	img := pngImage(t)
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)

	tests := []struct {
		name           string
		body           func(t *testing.T) (io.Reader, string)
		expectedStatus int
		expectedPhase  domain.Phase
		expectedCode   string
	}{
		{
			name: "multipart png",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartImage(t, img, "image/png", "")
			},
			expectedStatus: 200,
			expectedPhase:  domain.PhaseLivenessInProgress,
		},
		{
			name: "json data url",
			body: func(t *testing.T) (io.Reader, string) {
				b, _ := json.Marshal(FrameRequest{Image: dataURL})
				return bytes.NewReader(b), fiber.MIMEApplicationJSON
			},
			expectedStatus: 200,
			expectedPhase:  domain.PhaseLivenessInProgress,
		},
		{
			name: "json bare base64",
			body: func(t *testing.T) (io.Reader, string) {
				b, _ := json.Marshal(FrameRequest{Image: base64.StdEncoding.EncodeToString(img)})
				return bytes.NewReader(b), fiber.MIMEApplicationJSON
			},
			expectedStatus: 200,
			expectedPhase:  domain.PhaseLivenessInProgress,
		},
		{
			name: "unsupported content type",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartImage(t, img, "text/plain", "")
			},
			expectedStatus: 422,
			expectedCode:   "INVALID_IMAGE",
		},
		{
			name: "not an image",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartImage(t, []byte("definitely not a png"), "image/png", "")
			},
			expectedStatus: 422,
			expectedCode:   "INVALID_IMAGE",
		},
		{
			name: "non-numeric step",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartImage(t, img, "image/png", "first")
			},
			expectedStatus: 422,
			expectedCode:   "VALIDATION_FAILED",
		},
		{
			name: "missing image",
			body: func(t *testing.T) (io.Reader, string) {
				return bytes.NewBufferString(`{}`), fiber.MIMEApplicationJSON
			},
			expectedStatus: 422,
			expectedCode:   "VALIDATION_FAILED",
		},
		{
			name: "json with unsupported data url type",
			body: func(t *testing.T) (io.Reader, string) {
				b, _ := json.Marshal(FrameRequest{Image: "data:text/plain;base64," + base64.StdEncoding.EncodeToString(img)})
				return bytes.NewReader(b), fiber.MIMEApplicationJSON
			},
			expectedStatus: 422,
			expectedCode:   "INVALID_IMAGE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := setupSessionApp(newFakeManager())
			snap := createSession(t, app, "alice")

			body, contentType := tt.body(t)
			status, data := do(t, app, "POST", "/v1/sessions/"+snap.SessionID+"/frames", "alice", body, contentType)
			require.Equal(t, tt.expectedStatus, status, string(data))

			if tt.expectedCode != "" {
				var e apiError
				require.NoError(t, json.Unmarshal(data, &e))
				assert.Equal(t, tt.expectedCode, e.Error.Code)
				return
			}

			var got snapshotBody
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, string(tt.expectedPhase), got.Phase)
		})
	}
}

func TestSessionHandler_ConfirmOutsideConfirmingIsNoOp(t *testing.T) {
	app := setupSessionApp(newFakeManager())
	snap := createSession(t, app, "alice")

	status, data := do(t, app, "POST", "/v1/sessions/"+snap.SessionID+"/confirm", "alice", nil, "")
	require.Equal(t, 200, status)

	var got snapshotBody
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, string(domain.PhaseDetecting), got.Phase)
}

func TestSessionHandler_CaptureWithoutCamera(t *testing.T) {
	app := setupSessionApp(newFakeManager())
	snap := createSession(t, app, "alice")

	status, data := do(t, app, "POST", "/v1/sessions/"+snap.SessionID+"/capture", "alice", nil, "")
	require.Equal(t, 200, status)

	var got snapshotBody
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.Error)
	assert.Equal(t, "NO_CAPTURE_SOURCE", got.Error.Code)
}

func TestSessionHandler_ResetAndStart(t *testing.T) {
	app := setupSessionApp(newFakeManager())
	snap := createSession(t, app, "alice")

	_, data := do(t, app, "POST", "/v1/sessions/"+snap.SessionID+"/reset", "alice", nil, "")
	var reset snapshotBody
	require.NoError(t, json.Unmarshal(data, &reset))
	assert.Equal(t, string(domain.PhaseIdle), reset.Phase)
	assert.Equal(t, snap.SessionID, reset.SessionID)
	assert.NotEqual(t, snap.AttemptID, reset.AttemptID)

	_, data = do(t, app, "POST", "/v1/sessions/"+snap.SessionID+"/start", "alice", nil, "")
	var started snapshotBody
	require.NoError(t, json.Unmarshal(data, &started))
	assert.Equal(t, string(domain.PhaseDetecting), started.Phase)
}

func TestSessionHandler_Delete(t *testing.T) {
	manager := newFakeManager()
	app := setupSessionApp(manager)
	snap := createSession(t, app, "alice")

	status, _ := do(t, app, "DELETE", "/v1/sessions/"+snap.SessionID, "bob", nil, "")
	assert.Equal(t, 404, status)

	status, _ = do(t, app, "DELETE", "/v1/sessions/"+snap.SessionID, "alice", nil, "")
	assert.Equal(t, 204, status)
	assert.Len(t, manager.removed, 1)

	status, _ = do(t, app, "GET", "/v1/sessions/"+snap.SessionID, "alice", nil, "")
	assert.Equal(t, 404, status)
}

func TestSessionHandler_AuditClient(t *testing.T) {
	manager := newFakeManager()
	app := setupSessionApp(manager)

	req := httptest.NewRequest("POST", "/v1/sessions", nil)
	req.Header.Set("X-Test-User", "alice")
	req.Header.Set("User-Agent", "kiosk-browser/2.1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var snap snapshotBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))

	req = httptest.NewRequest("DELETE", "/v1/sessions/"+snap.SessionID, nil)
	req.Header.Set("X-Test-User", "alice")
	req.Header.Set("User-Agent", "kiosk-browser/2.1")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	require.Len(t, manager.clients, 2)
	for _, client := range manager.clients {
		assert.Equal(t, "kiosk-browser/2.1", client.UserAgent)
		assert.NotEmpty(t, client.IPAddress)
	}
}

func TestSessionHandler_Current(t *testing.T) {
	manager := newFakeManager()
	h := NewSessionHandler(manager, 0, discardLogger)

	_, ok := h.Current(uuid.New())
	assert.False(t, ok)

	s, err := manager.Create(context.Background(), alice, kiosk.CreateOptions{})
	require.NoError(t, err)

	snap, ok := h.Current(s.ID())
	require.True(t, ok)
	assert.Equal(t, s.ID(), snap.(domain.Snapshot).SessionID)
}
