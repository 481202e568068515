package visibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/execplane/internal/history/types"
)

var ErrNotFound = errors.New("execution not visible")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RecordExecutionStarted(ctx context.Context, record *ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions_visibility (
			namespace, workflow_id, run_id, workflow_name, start_time, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, run_id) DO UPDATE SET
			status = EXCLUDED.status, start_time = EXCLUDED.start_time
	`,
		record.Key.Namespace,
		record.Key.WorkflowID,
		record.Key.RunID,
		record.WorkflowName,
		record.StartTime,
		int16(record.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution started: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordExecutionClosed(ctx context.Context, record *ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executions_visibility
		SET status = $1, result = $2, close_time = $3, history_length = $4
		WHERE namespace = $5 AND run_id = $6
	`,
		int16(record.Status),
		record.Result,
		record.CloseTime,
		record.HistoryLength,
		record.Key.Namespace,
		record.Key.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution closed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, key types.ExecutionKey) (*ExecutionRecord, error) {
	record := &ExecutionRecord{Key: key}
	var status int16
	var result *string
	var closeTime *time.Time
	var historyLength *int64

	err := s.pool.QueryRow(ctx, `
		SELECT workflow_name, status, result, start_time, close_time, history_length
		FROM executions_visibility
		WHERE namespace = $1 AND run_id = $2
	`, key.Namespace, key.RunID).Scan(
		&record.WorkflowName, &status, &result, &record.StartTime, &closeTime, &historyLength,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	record.Status = types.ExecutionStatus(status)
	if result != nil {
		record.Result = *result
	}
	if closeTime != nil {
		record.CloseTime = *closeTime
	}
	if historyLength != nil {
		record.HistoryLength = *historyLength
	}
	return record, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	limit := req.PageSize
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT namespace, workflow_id, run_id, workflow_name, status, result, start_time, close_time, history_length
		FROM executions_visibility
		WHERE namespace = $1
	`
	args := []any{req.Namespace}

	if req.WorkflowID != "" {
		args = append(args, req.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if req.Status != types.ExecutionStatusUnspecified {
		args = append(args, int16(req.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY start_time DESC LIMIT $%d", len(args))
	args = append(args, req.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		record := &ExecutionRecord{}
		var status int16
		var result *string
		var closeTime *time.Time
		var historyLength *int64

		if err := rows.Scan(
			&record.Key.Namespace, &record.Key.WorkflowID, &record.Key.RunID,
			&record.WorkflowName, &status, &result, &record.StartTime, &closeTime, &historyLength,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		record.Status = types.ExecutionStatus(status)
		if result != nil {
			record.Result = *result
		}
		if closeTime != nil {
			record.CloseTime = *closeTime
		}
		if historyLength != nil {
			record.HistoryLength = *historyLength
		}
		records = append(records, record)
	}

	return &ListResponse{Executions: records}, rows.Err()
}
