package visibility

import (
	"context"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

// ExecutionRecord is the searchable summary of one execution.
type ExecutionRecord struct {
	Key           types.ExecutionKey    `json:"key"`
	WorkflowName  string                `json:"workflow_name,omitempty"`
	Status        types.ExecutionStatus `json:"status"`
	Result        string                `json:"result,omitempty"`
	StartTime     time.Time             `json:"start_time"`
	CloseTime     time.Time             `json:"close_time,omitempty"`
	HistoryLength int64                 `json:"history_length,omitempty"`
}

// ListRequest filters the execution listing.
type ListRequest struct {
	Namespace  string
	WorkflowID string
	Status     types.ExecutionStatus
	PageSize   int
	Offset     int
}

type ListResponse struct {
	Executions []*ExecutionRecord
}

// Store indexes executions for list and describe queries. Visibility is
// best-effort: the event log stays the source of truth.
type Store interface {
	RecordExecutionStarted(ctx context.Context, record *ExecutionRecord) error
	RecordExecutionClosed(ctx context.Context, record *ExecutionRecord) error
	GetExecution(ctx context.Context, key types.ExecutionKey) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, req *ListRequest) (*ListResponse, error)
}
