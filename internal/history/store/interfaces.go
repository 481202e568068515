package store

import (
	"context"
	"errors"

	"github.com/linkflow/execplane/internal/history/engine"
	"github.com/linkflow/execplane/internal/history/types"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrEventConflict means another writer appended past the expected
	// last event ID. The caller reloads state and retries the round.
	ErrEventConflict = errors.New("event append conflict")
	ErrStateConflict = errors.New("mutable state version conflict")
)

// EventStore is the append-only event log. AppendEvents is conditional on
// expectedLastEventID: the append fails with ErrEventConflict unless the
// highest stored event ID still equals it.
type EventStore interface {
	AppendEvents(ctx context.Context, key types.ExecutionKey, events []*types.HistoryEvent, expectedLastEventID int64) error
	GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error)
	GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error)
}

// MutableStateStore persists execution snapshots with compare-and-swap on
// DBVersion, plus the start-request index that makes StartWorkflow
// idempotent on request ID.
type MutableStateStore interface {
	GetMutableState(ctx context.Context, key types.ExecutionKey) (*engine.MutableState, error)
	UpdateMutableState(ctx context.Context, key types.ExecutionKey, state *engine.MutableState, expectedVersion int64) error
	ListRunningExecutions(ctx context.Context) ([]types.ExecutionKey, error)

	// GetRunIDForRequest resolves a start request ID to the run it created.
	// Returns ErrExecutionNotFound for an unseen request ID.
	GetRunIDForRequest(ctx context.Context, namespace, workflowID, requestID string) (string, error)
	// RecordRequestID remembers which run a start request created. Recording
	// the same request twice keeps the first run.
	RecordRequestID(ctx context.Context, namespace, workflowID, requestID, runID string) error
}
