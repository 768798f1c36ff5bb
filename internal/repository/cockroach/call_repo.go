package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentalconnect-realtime/internal/domain"
	apperrors "rentalconnect-realtime/pkg/errors"
)

// CallsSchema creates the call log table
const CallsSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id     UUID PRIMARY KEY,
	room_id     STRING NOT NULL DEFAULT '',
	caller_id   UUID NOT NULL,
	callee_id   UUID NOT NULL,
	status      STRING NOT NULL,
	end_reason  STRING NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	answered_at TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ,
	duration    INT NOT NULL DEFAULT 0,
	INDEX calls_caller_idx (caller_id, started_at DESC),
	INDEX calls_callee_idx (callee_id, started_at DESC)
)`

const callColumns = `call_id, room_id, caller_id, callee_id, status, end_reason,
	started_at, answered_at, ended_at, duration`

// CallRepository handles call log operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// EnsureSchema creates the calls table if missing
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, CallsSchema); err != nil {
		return fmt.Errorf("failed to create calls table: %w", err)
	}
	return nil
}

// Create inserts a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (call_id, room_id, caller_id, callee_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.RoomID,
		call.CallerID,
		call.CalleeID,
		call.Status,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// FindOpen returns the newest call between the two users that has not ended
func (r *CallRepository) FindOpen(ctx context.Context, userA, userB uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE ((caller_id = $1 AND callee_id = $2) OR (caller_id = $2 AND callee_id = $1))
		  AND status <> 'ended'
		ORDER BY started_at DESC
		LIMIT 1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, userA, userB))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to find open call: %w", err)
	}
	return call, nil
}

// MarkAnswered moves a ringing call to active
func (r *CallRepository) MarkAnswered(ctx context.Context, callID uuid.UUID, at time.Time) error {
	query := `
		UPDATE calls
		SET status = 'active', answered_at = $2
		WHERE call_id = $1 AND status = 'ringing'
	`
	if _, err := r.pool.Exec(ctx, query, callID, at); err != nil {
		return fmt.Errorf("failed to mark call answered: %w", err)
	}
	return nil
}

// End closes a call. Duration counts from the answer, so unanswered calls
// end with zero duration.
func (r *CallRepository) End(ctx context.Context, callID uuid.UUID, reason string, at time.Time) error {
	query := `
		UPDATE calls
		SET status = 'ended',
		    end_reason = $2,
		    ended_at = $3,
		    duration = CASE
		        WHEN answered_at IS NULL THEN 0
		        ELSE EXTRACT(EPOCH FROM ($3::TIMESTAMPTZ - answered_at))::INT
		    END
		WHERE call_id = $1 AND status <> 'ended'
	`
	if _, err := r.pool.Exec(ctx, query, callID, reason, at); err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// ListForUser returns the user's calls, newest first
func (r *CallRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Call, error) {
	query := `SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return calls, nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	err := row.Scan(
		&call.CallID,
		&call.RoomID,
		&call.CallerID,
		&call.CalleeID,
		&call.Status,
		&call.EndReason,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		return nil, err
	}
	return call, nil
}
