package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/timer"
)

const pgUniqueViolation = "23505"

// PostgresStore persists timers in the timers table. The version column
// backs the optimistic claim: an UPDATE guarded on the previous version
// either wins the row or touches nothing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateTimer(ctx context.Context, t *timer.Timer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timers (
			namespace, workflow_id, run_id, timer_id, node_id,
			scheduled_event_id, shard_id, fire_time, status, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.Key.Namespace, t.Key.WorkflowID, t.Key.RunID, t.TimerID, t.NodeID,
		t.ScheduledEventID, t.ShardID, t.FireTime, int16(t.Status), t.Version, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return timer.ErrTimerExists
		}
		return fmt.Errorf("create timer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTimer(ctx context.Context, key types.ExecutionKey, timerID string) (*timer.Timer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT node_id, scheduled_event_id, shard_id, fire_time, status, version, created_at, fired_at
		FROM timers
		WHERE namespace = $1 AND workflow_id = $2 AND run_id = $3 AND timer_id = $4`,
		key.Namespace, key.WorkflowID, key.RunID, timerID,
	)

	t := &timer.Timer{Key: key, TimerID: timerID}
	var status int16
	var firedAt *time.Time
	err := row.Scan(&t.NodeID, &t.ScheduledEventID, &t.ShardID, &t.FireTime,
		&status, &t.Version, &t.CreatedAt, &firedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, timer.ErrTimerNotFound
		}
		return nil, fmt.Errorf("get timer: %w", err)
	}
	t.Status = timer.Status(status)
	if firedAt != nil {
		t.FiredAt = *firedAt
	}
	return t, nil
}

func (s *PostgresStore) UpdateTimer(ctx context.Context, t *timer.Timer) error {
	var firedAt *time.Time
	if !t.FiredAt.IsZero() {
		firedAt = &t.FiredAt
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE timers
		SET status = $1, version = $2, fired_at = $3
		WHERE namespace = $4 AND workflow_id = $5 AND run_id = $6 AND timer_id = $7
		  AND version = $8`,
		int16(t.Status), t.Version, firedAt,
		t.Key.Namespace, t.Key.WorkflowID, t.Key.RunID, t.TimerID,
		t.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or someone else won the version race.
		if _, getErr := s.GetTimer(ctx, t.Key, t.TimerID); getErr != nil {
			return getErr
		}
		return timer.ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) DeleteTimer(ctx context.Context, key types.ExecutionKey, timerID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM timers
		WHERE namespace = $1 AND workflow_id = $2 AND run_id = $3 AND timer_id = $4`,
		key.Namespace, key.WorkflowID, key.RunID, timerID,
	)
	if err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return timer.ErrTimerNotFound
	}
	return nil
}

func (s *PostgresStore) GetDueTimers(ctx context.Context, shardID int32, fireTime time.Time, limit int) ([]*timer.Timer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace, workflow_id, run_id, timer_id, node_id,
		       scheduled_event_id, fire_time, status, version, created_at
		FROM timers
		WHERE shard_id = $1 AND status = $2 AND fire_time <= $3
		ORDER BY fire_time
		LIMIT $4`,
		shardID, int16(timer.StatusPending), fireTime, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get due timers: %w", err)
	}
	defer rows.Close()

	var due []*timer.Timer
	for rows.Next() {
		t := &timer.Timer{ShardID: shardID}
		var status int16
		err := rows.Scan(&t.Key.Namespace, &t.Key.WorkflowID, &t.Key.RunID,
			&t.TimerID, &t.NodeID, &t.ScheduledEventID, &t.FireTime,
			&status, &t.Version, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		t.Status = timer.Status(status)
		due = append(due, t)
	}
	return due, rows.Err()
}
