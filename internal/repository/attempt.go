package repository

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

const defaultListLimit = 50
const maxListLimit = 500

type AttemptRepository struct {
	pool PgxPool
}

func NewAttemptRepository(pool PgxPool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Record upserts the attempt keyed by attempt_id. A row that already reached
// succeeded is never overwritten, so a late failure report cannot erase a
// recorded attendance.
func (r *AttemptRepository) Record(ctx context.Context, attempt *domain.Attempt) error {
	query := `
		INSERT INTO attendance_attempts (
			attempt_id, session_id, user_id, phase, error_code, record_id,
			detection_confidence, liveness_score, embedding, location, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (attempt_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			error_code = EXCLUDED.error_code,
			record_id = EXCLUDED.record_id,
			detection_confidence = EXCLUDED.detection_confidence,
			liveness_score = EXCLUDED.liveness_score,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()
		WHERE attendance_attempts.phase <> 'succeeded'
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		attempt.AttemptID,
		attempt.SessionID,
		attempt.UserID,
		string(attempt.Phase),
		nullString(attempt.ErrorCode),
		nullString(attempt.RecordID),
		attempt.DetectionConfidence,
		attempt.LivenessScore,
		toVector(attempt.Embedding),
		nullString(attempt.Location),
	).Scan(&attempt.CreatedAt, &attempt.UpdatedAt)

	if isNoRows(err) {
		// Conflict with a succeeded row: nothing written.
		return nil
	}
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	return nil
}

// ListRecent returns the newest attempts first.
func (r *AttemptRepository) ListRecent(ctx context.Context, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT attempt_id, session_id, user_id, phase, COALESCE(error_code, ''), COALESCE(record_id, ''),
			detection_confidence, liveness_score, embedding, COALESCE(location, ''), created_at, updated_at
		FROM attendance_attempts
		ORDER BY updated_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]domain.Attempt, 0)
	for rows.Next() {
		var (
			a         domain.Attempt
			phase     string
			embedding *pgvector.Vector
		)

		if err := rows.Scan(
			&a.AttemptID,
			&a.SessionID,
			&a.UserID,
			&phase,
			&a.ErrorCode,
			&a.RecordID,
			&a.DetectionConfidence,
			&a.LivenessScore,
			&embedding,
			&a.Location,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}

		a.Phase = domain.Phase(phase)
		a.Embedding = fromVector(embedding)
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

func (r *AttemptRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// NoOpRecorder stands in when no database is configured.
type NoOpRecorder struct{}

func (NoOpRecorder) Record(context.Context, *domain.Attempt) error { return nil }

func (NoOpRecorder) ListRecent(context.Context, int) ([]domain.Attempt, error) {
	return []domain.Attempt{}, nil
}

func (NoOpRecorder) Ping(context.Context) error { return nil }
