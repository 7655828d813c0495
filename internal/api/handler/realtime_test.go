package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
)

type fakeRealtimeControl struct {
	token   string
	cleared bool
	state   realtime.State
	err     error
}

func (f *fakeRealtimeControl) SetRealtimeIdentity(token string) error {
	if f.err != nil {
		return f.err
	}
	f.token = token
	f.state = realtime.StateConnecting
	return nil
}

func (f *fakeRealtimeControl) ClearRealtimeIdentity() {
	f.cleared = true
	f.token = ""
	f.state = realtime.StateDisconnected
}

func (f *fakeRealtimeControl) RealtimeState() realtime.State {
	return f.state
}

func setupRealtimeApp(control RealtimeControl, identity *domain.Identity) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(discardLogger)})
	app.Use(func(c *fiber.Ctx) error {
		if identity != nil {
			c.Locals(middleware.LocalIdentity, *identity)
		}
		return c.Next()
	})
	h := NewRealtimeHandler(control)
	app.Put("/v1/realtime/identity", h.SetIdentity)
	app.Delete("/v1/realtime/identity", h.ClearIdentity)
	app.Get("/v1/realtime/status", h.Status)
	return app
}

func TestRealtimeHandler_SetIdentity(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		controlErr     error
		expectedStatus int
		expectedToken  string
	}{
		{name: "caller token", expectedStatus: 202, expectedToken: alice.Token},
		{name: "explicit token", body: `{"token":"kiosk-token"}`, expectedStatus: 202, expectedToken: "kiosk-token"},
		{name: "blank token falls back", body: `{"token":"  "}`, expectedStatus: 202, expectedToken: alice.Token},
		{name: "malformed body", body: `{`, expectedStatus: 400},
		{name: "channel not configured", controlErr: errors.New("realtime channel not configured"), expectedStatus: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			control := &fakeRealtimeControl{state: realtime.StateDisconnected, err: tt.controlErr}
			app := setupRealtimeApp(control, &alice)

			req := httptest.NewRequest("PUT", "/v1/realtime/identity", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			assert.Equal(t, tt.expectedToken, control.token)

			if tt.expectedStatus == 202 {
				body, _ := io.ReadAll(resp.Body)
				var result RealtimeStatusResponse
				require.NoError(t, json.Unmarshal(body, &result))
				assert.Equal(t, realtime.StateConnecting, result.State)
			}
		})
	}
}

func TestRealtimeHandler_Unauthenticated(t *testing.T) {
	control := &fakeRealtimeControl{}
	app := setupRealtimeApp(control, nil)

	resp, err := app.Test(httptest.NewRequest("PUT", "/v1/realtime/identity", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
	assert.Empty(t, control.token)
}

func TestRealtimeHandler_ClearAndStatus(t *testing.T) {
	control := &fakeRealtimeControl{token: "x", state: realtime.StateConnected}
	app := setupRealtimeApp(control, &staff)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/realtime/status", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	var status RealtimeStatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, realtime.StateConnected, status.State)

	resp, err = app.Test(httptest.NewRequest("DELETE", "/v1/realtime/identity", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.True(t, control.cleared)
	assert.Equal(t, realtime.StateDisconnected, control.RealtimeState())
}
