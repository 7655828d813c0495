//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/database"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

func setupIntegrationTest(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "kiosk_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/kiosk_test?sslmode=disable", host, port.Port())

	_, err = database.MigrateUp(ctx, dsn)
	require.NoError(t, err)

	pool, err := database.NewPool(ctx, database.DefaultPoolConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestAttemptRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool := setupIntegrationTest(t)
	repo := NewAttemptRepository(pool)
	ctx := context.Background()

	attemptID := uuid.New()
	failed := &domain.Attempt{
		AttemptID: attemptID,
		SessionID: uuid.New(),
		UserID:    "7",
		Phase:     domain.PhaseFailed,
		ErrorCode: "SERVICE_UNAVAILABLE",
		Embedding: []float64{0.5, 0.25, 0.125},
		Location:  "Main Building",
	}
	require.NoError(t, repo.Record(ctx, failed))

	// a retried submission succeeds on the same attempt
	succeeded := *failed
	succeeded.Phase = domain.PhaseSucceeded
	succeeded.ErrorCode = ""
	succeeded.RecordID = "rec-1"
	require.NoError(t, repo.Record(ctx, &succeeded))

	// a late failure must not erase the success
	late := *failed
	require.NoError(t, repo.Record(ctx, &late))

	got, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, attemptID, got[0].AttemptID)
	assert.Equal(t, domain.PhaseSucceeded, got[0].Phase)
	assert.Equal(t, "rec-1", got[0].RecordID)
	assert.Empty(t, got[0].ErrorCode)
	assert.Equal(t, []float64{0.5, 0.25, 0.125}, got[0].Embedding)

	require.NoError(t, repo.Ping(ctx))
}
