package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/realtime"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

func TestHealthHandler_Health(t *testing.T) {
	app := fiber.New()
	handler := NewHealthHandler(nil, nil)
	app.Get("/health", handler.Health)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var result HealthResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, Version, result.Version)
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name             string
		journal          Pinger
		state            func() realtime.State
		expectedStatus   int
		expectedBody     string
		expectedJournal  string
		expectedRealtime string
	}{
		{
			name:            "no journal configured",
			expectedStatus:  200,
			expectedBody:    "ready",
			expectedJournal: "ok",
		},
		{
			name:             "journal reachable",
			journal:          stubPinger{},
			state:            func() realtime.State { return realtime.StateConnected },
			expectedStatus:   200,
			expectedBody:     "ready",
			expectedJournal:  "ok",
			expectedRealtime: "connected",
		},
		{
			name:             "realtime down does not block readiness",
			journal:          stubPinger{},
			state:            func() realtime.State { return realtime.StateDisconnected },
			expectedStatus:   200,
			expectedBody:     "ready",
			expectedJournal:  "ok",
			expectedRealtime: "disconnected",
		},
		{
			name:            "journal unreachable",
			journal:         stubPinger{err: errors.New("connection refused")},
			expectedStatus:  503,
			expectedBody:    "not_ready",
			expectedJournal: "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/ready", NewHealthHandler(tt.journal, tt.state).Ready)

			resp, err := app.Test(httptest.NewRequest("GET", "/ready", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			body, _ := io.ReadAll(resp.Body)
			var result HealthResponse
			require.NoError(t, json.Unmarshal(body, &result))
			assert.Equal(t, tt.expectedBody, result.Status)
			assert.Equal(t, tt.expectedJournal, result.Journal)
			assert.Equal(t, tt.expectedRealtime, result.Realtime)
		})
	}
}
