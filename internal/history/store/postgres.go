package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/execplane/internal/history/engine"
	"github.com/linkflow/execplane/internal/history/events"
	"github.com/linkflow/execplane/internal/history/shard"
	"github.com/linkflow/execplane/internal/history/types"
)

const pgUniqueViolation = "23505"

// PostgresEventStore implements EventStore on PostgreSQL.
type PostgresEventStore struct {
	pool       *pgxpool.Pool
	serializer *events.Serializer
	shardCount int32
}

func NewPostgresEventStore(pool *pgxpool.Pool, shardCount int32) *PostgresEventStore {
	return &PostgresEventStore{
		pool:       pool,
		serializer: events.NewSerializer(),
		shardCount: shardCount,
	}
}

func (s *PostgresEventStore) AppendEvents(ctx context.Context, key types.ExecutionKey, evts []*types.HistoryEvent, expectedLastEventID int64) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if expectedLastEventID >= 0 {
		var currentMaxEventID int64
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(event_id), 0)
			FROM history_events
			WHERE namespace = $1 AND workflow_id = $2 AND run_id = $3
		`, key.Namespace, key.WorkflowID, key.RunID).Scan(&currentMaxEventID)
		if err != nil {
			return fmt.Errorf("failed to check current last event: %w", err)
		}
		if currentMaxEventID != expectedLastEventID {
			return ErrEventConflict
		}
	}

	shardID := shard.ShardID(key, s.shardCount)

	for _, event := range evts {
		data, err := s.serializer.Serialize(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO history_events (
				shard_id, namespace, workflow_id, run_id,
				event_id, event_type, timestamp, data
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			shardID,
			key.Namespace,
			key.WorkflowID,
			key.RunID,
			event.EventID,
			int16(event.EventType),
			event.Timestamp,
			data,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				// Event already exists: a retried append. Idempotent.
				continue
			}
			return fmt.Errorf("failed to insert event %d: %w", event.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, timestamp, data
		FROM history_events
		WHERE namespace = $1 AND workflow_id = $2 AND run_id = $3
		  AND event_id >= $4 AND event_id <= $5
		ORDER BY event_id ASC
	`, key.Namespace, key.WorkflowID, key.RunID, firstEventID, lastEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []*types.HistoryEvent
	for rows.Next() {
		var eventID int64
		var eventType int16
		var timestamp time.Time
		var data []byte

		if err := rows.Scan(&eventID, &eventType, &timestamp, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event, err := s.serializer.Deserialize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event %d: %w", eventID, err)
		}

		event.EventID = eventID
		event.EventType = types.EventType(eventType)
		event.Timestamp = timestamp

		result = append(result, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return result, nil
}

func (s *PostgresEventStore) GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM history_events
		WHERE namespace = $1 AND workflow_id = $2 AND run_id = $3
	`, key.Namespace, key.WorkflowID, key.RunID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// PostgresMutableStateStore implements MutableStateStore on PostgreSQL.
type PostgresMutableStateStore struct {
	pool       *pgxpool.Pool
	shardCount int32
}

func NewPostgresMutableStateStore(pool *pgxpool.Pool, shardCount int32) *PostgresMutableStateStore {
	return &PostgresMutableStateStore{
		pool:       pool,
		shardCount: shardCount,
	}
}

func (s *PostgresMutableStateStore) GetMutableState(ctx context.Context, key types.ExecutionKey) (*engine.MutableState, error) {
	var data []byte
	var nextEventID int64
	var dbVersion int64

	err := s.pool.QueryRow(ctx, `
		SELECT state, next_event_id, db_version
		FROM mutable_state
		WHERE namespace = $1 AND workflow_id = $2 AND run_id = $3
	`, key.Namespace, key.WorkflowID, key.RunID).Scan(&data, &nextEventID, &dbVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get mutable state: %w", err)
	}

	state, err := deserializeMutableState(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize mutable state: %w", err)
	}

	state.NextEventID = nextEventID
	state.DBVersion = dbVersion
	return state, nil
}

func (s *PostgresMutableStateStore) UpdateMutableState(ctx context.Context, key types.ExecutionKey, state *engine.MutableState, expectedVersion int64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize mutable state: %w", err)
	}

	shardID := shard.ShardID(key, s.shardCount)
	newVersion := expectedVersion + 1
	status := types.ExecutionStatusUnspecified
	if state.ExecutionInfo != nil {
		status = state.ExecutionInfo.Status
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE mutable_state
		SET state = $1, next_event_id = $2, db_version = $3, status = $4
		WHERE namespace = $5 AND workflow_id = $6 AND run_id = $7 AND db_version = $8
	`,
		data,
		state.NextEventID,
		newVersion,
		int16(status),
		key.Namespace,
		key.WorkflowID,
		key.RunID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update mutable state: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if expectedVersion != 0 {
			return ErrStateConflict
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO mutable_state (
				shard_id, namespace, workflow_id, run_id,
				state, next_event_id, db_version, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			shardID,
			key.Namespace,
			key.WorkflowID,
			key.RunID,
			data,
			state.NextEventID,
			newVersion,
			int16(status),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrStateConflict
			}
			return fmt.Errorf("failed to insert mutable state: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresMutableStateStore) GetRunIDForRequest(ctx context.Context, namespace, workflowID, requestID string) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id
		FROM workflow_requests
		WHERE namespace = $1 AND workflow_id = $2 AND request_id = $3
	`, namespace, workflowID, requestID).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrExecutionNotFound
		}
		return "", fmt.Errorf("failed to look up start request: %w", err)
	}
	return runID, nil
}

func (s *PostgresMutableStateStore) RecordRequestID(ctx context.Context, namespace, workflowID, requestID, runID string) error {
	// First writer wins; a concurrent duplicate start keeps the existing run.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_requests (namespace, workflow_id, request_id, run_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, workflow_id, request_id) DO NOTHING
	`, namespace, workflowID, requestID, runID)
	if err != nil {
		return fmt.Errorf("failed to record start request: %w", err)
	}
	return nil
}

func (s *PostgresMutableStateStore) ListRunningExecutions(ctx context.Context) ([]types.ExecutionKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace, workflow_id, run_id
		FROM mutable_state
		WHERE status IN ($1, $2)
	`, int16(types.ExecutionStatusRunning), int16(types.ExecutionStatusWaiting))
	if err != nil {
		return nil, fmt.Errorf("failed to list running executions: %w", err)
	}
	defer rows.Close()

	var keys []types.ExecutionKey
	for rows.Next() {
		var key types.ExecutionKey
		if err := rows.Scan(&key.Namespace, &key.WorkflowID, &key.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan execution key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func deserializeMutableState(data []byte) (*engine.MutableState, error) {
	var state engine.MutableState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.PendingNodes == nil {
		state.PendingNodes = make(map[int64]*types.NodeExecutionInfo)
	}
	if state.PendingTimers == nil {
		state.PendingTimers = make(map[string]*types.TimerExecutionInfo)
	}
	if state.FiredTimers == nil {
		state.FiredTimers = make(map[string]bool)
	}
	return &state, nil
}
