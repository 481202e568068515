package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/history/visibility"
)

// Default task queue names. Decision and activity tasks never share a
// queue: decision latency must not sit behind slow connectors.
const (
	DecisionTaskQueue = "linkflow-decisions"
	ActivityTaskQueue = "linkflow-activities"
)

// Task types carried by the matching service.
const (
	TaskTypeDecision = "decision"
	TaskTypeActivity = "activity"
)

// Cross-service errors. HTTP transports map these to wire codes and back
// so callers can branch on them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExecutionClosed = errors.New("execution already closed")
	ErrQueueFull       = errors.New("task queue full")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoTask          = errors.New("no task available")
)

// Task is one unit of dispatch through matching. Payload carries
// ActivityTaskData for activity tasks and is empty for decision tasks.
type Task struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Queue            string          `json:"queue"`
	Namespace        string          `json:"namespace"`
	WorkflowID       string          `json:"workflow_id"`
	RunID            string          `json:"run_id"`
	ScheduledEventID int64           `json:"scheduled_event_id"`
	Attempt          int32           `json:"attempt"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ScheduledTime    time.Time       `json:"scheduled_time"`
}

func (t *Task) ExecutionKey() types.ExecutionKey {
	return types.ExecutionKey{
		Namespace:  t.Namespace,
		WorkflowID: t.WorkflowID,
		RunID:      t.RunID,
	}
}

// MarshalActivityTaskData encodes the payload carried on an activity task.
func MarshalActivityTaskData(data *ActivityTaskData) (json.RawMessage, error) {
	return json.Marshal(data)
}

// UnmarshalActivityTaskData decodes an activity task payload.
func UnmarshalActivityTaskData(payload json.RawMessage) (*ActivityTaskData, error) {
	var data ActivityTaskData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ActivityTaskData is everything an activity worker needs to run a node
// without a round trip back to history.
type ActivityTaskData struct {
	NodeID        string                      `json:"node_id"`
	NodeType      string                      `json:"node_type"`
	Config        json.RawMessage             `json:"config,omitempty"`
	Input         json.RawMessage             `json:"input,omitempty"`
	Retry         *types.RetryPolicy          `json:"retry,omitempty"`
	Timeout       types.Duration              `json:"timeout,omitempty"`
	Deterministic *types.DeterministicContext `json:"deterministic,omitempty"`
}

// History service API.

type StartWorkflowRequest struct {
	Namespace     string                      `json:"namespace"`
	WorkflowID    string                      `json:"workflow_id"`
	RequestID     string                      `json:"request_id,omitempty"`
	Workflow      *types.Workflow             `json:"workflow"`
	Input         json.RawMessage             `json:"input,omitempty"`
	Deterministic *types.DeterministicContext `json:"deterministic,omitempty"`
	DefaultRetry  *types.RetryPolicy          `json:"default_retry,omitempty"`
}

type StartWorkflowResponse struct {
	RunID string `json:"run_id"`
	// Started is false when the request ID matched an existing run and
	// that run was returned instead of a new one.
	Started bool `json:"started"`
}

type GetHistoryRequest struct {
	Key          types.ExecutionKey `json:"key"`
	FirstEventID int64              `json:"first_event_id,omitempty"`
	LastEventID  int64              `json:"last_event_id,omitempty"`
}

type GetHistoryResponse struct {
	Events []*types.HistoryEvent `json:"events"`
}

type DescribeExecutionRequest struct {
	Key types.ExecutionKey `json:"key"`
}

type DescribeExecutionResponse struct {
	Info          *types.ExecutionInfo `json:"info"`
	HistoryLength int64                `json:"history_length"`
}

type RecordDecisionTaskStartedRequest struct {
	Key              types.ExecutionKey `json:"key"`
	ScheduledEventID int64              `json:"scheduled_event_id"`
	Identity         string             `json:"identity,omitempty"`
}

type RecordDecisionTaskStartedResponse struct {
	StartedEventID int64                 `json:"started_event_id"`
	Events         []*types.HistoryEvent `json:"events"`
}

type RespondDecisionTaskCompletedRequest struct {
	Key              types.ExecutionKey `json:"key"`
	ScheduledEventID int64              `json:"scheduled_event_id"`
	StartedEventID   int64              `json:"started_event_id"`
	Identity         string             `json:"identity,omitempty"`
	Commands         []*types.Command   `json:"commands,omitempty"`
}

type RespondActivityTaskCompletedRequest struct {
	Key               types.ExecutionKey           `json:"key"`
	ScheduledEventID  int64                        `json:"scheduled_event_id"`
	Attempt           int32                        `json:"attempt"`
	Output            json.RawMessage              `json:"output,omitempty"`
	Metadata          map[string]string            `json:"metadata,omitempty"`
	ConnectorAttempts []types.ConnectorAttempt     `json:"connector_attempts,omitempty"`
	Fixtures          []types.DeterministicFixture `json:"fixtures,omitempty"`
	Identity          string                       `json:"identity,omitempty"`
}

type RespondActivityTaskFailedRequest struct {
	Key               types.ExecutionKey       `json:"key"`
	ScheduledEventID  int64                    `json:"scheduled_event_id"`
	Attempt           int32                    `json:"attempt"`
	Failure           *types.ExecutionFailure  `json:"failure"`
	TimedOut          bool                     `json:"timed_out,omitempty"`
	ConnectorAttempts []types.ConnectorAttempt `json:"connector_attempts,omitempty"`
	Identity          string                   `json:"identity,omitempty"`
}

type RecordTimerFiredRequest struct {
	Key              types.ExecutionKey `json:"key"`
	TimerID          string             `json:"timer_id"`
	ScheduledEventID int64              `json:"scheduled_event_id"`
}

type SignalWorkflowRequest struct {
	Key        types.ExecutionKey `json:"key"`
	SignalName string             `json:"signal_name"`
	Input      json.RawMessage    `json:"input,omitempty"`
	RequestID  string             `json:"request_id,omitempty"`
}

type CancelWorkflowRequest struct {
	Key       types.ExecutionKey `json:"key"`
	Reason    string             `json:"reason,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

type ListExecutionsRequest struct {
	Namespace  string                `json:"namespace"`
	WorkflowID string                `json:"workflow_id,omitempty"`
	Status     types.ExecutionStatus `json:"status,omitempty"`
	PageSize   int                   `json:"page_size,omitempty"`
	Offset     int                   `json:"offset,omitempty"`
}

type ListExecutionsResponse struct {
	Executions []*visibility.ExecutionRecord `json:"executions"`
}

// HistoryAPI is implemented natively by the history service and remotely
// by HistoryClient.
type HistoryAPI interface {
	StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error)
	GetHistory(ctx context.Context, req *GetHistoryRequest) (*GetHistoryResponse, error)
	DescribeExecution(ctx context.Context, req *DescribeExecutionRequest) (*DescribeExecutionResponse, error)
	ListExecutions(ctx context.Context, req *ListExecutionsRequest) (*ListExecutionsResponse, error)
	RecordDecisionTaskStarted(ctx context.Context, req *RecordDecisionTaskStartedRequest) (*RecordDecisionTaskStartedResponse, error)
	RespondDecisionTaskCompleted(ctx context.Context, req *RespondDecisionTaskCompletedRequest) error
	RespondActivityTaskCompleted(ctx context.Context, req *RespondActivityTaskCompletedRequest) error
	RespondActivityTaskFailed(ctx context.Context, req *RespondActivityTaskFailedRequest) error
	RecordTimerFired(ctx context.Context, req *RecordTimerFiredRequest) error
	SignalWorkflow(ctx context.Context, req *SignalWorkflowRequest) error
	CancelWorkflow(ctx context.Context, req *CancelWorkflowRequest) error
}

// Matching service API.

type AddTaskRequest struct {
	Task *Task `json:"task"`
}

type PollTaskRequest struct {
	Queue    string `json:"queue"`
	Identity string `json:"identity,omitempty"`
}

type PollTaskResponse struct {
	Task *Task `json:"task,omitempty"`
	// LeaseToken must be echoed on CompleteTask/FailTask.
	LeaseToken string `json:"lease_token,omitempty"`
}

type CompleteTaskRequest struct {
	Queue      string `json:"queue"`
	TaskID     string `json:"task_id"`
	LeaseToken string `json:"lease_token"`
}

type FailTaskRequest struct {
	Queue      string `json:"queue"`
	TaskID     string `json:"task_id"`
	LeaseToken string `json:"lease_token"`
	Reason     string `json:"reason,omitempty"`
}

type MatchingAPI interface {
	AddTask(ctx context.Context, req *AddTaskRequest) error
	PollTask(ctx context.Context, req *PollTaskRequest) (*PollTaskResponse, error)
	CompleteTask(ctx context.Context, req *CompleteTaskRequest) error
	FailTask(ctx context.Context, req *FailTaskRequest) error
}

// Timer service API.

type ScheduleTimerRequest struct {
	Key              types.ExecutionKey `json:"key"`
	TimerID          string             `json:"timer_id"`
	NodeID           string             `json:"node_id,omitempty"`
	ScheduledEventID int64              `json:"scheduled_event_id"`
	FireTime         time.Time          `json:"fire_time"`
}

type CancelTimerRequest struct {
	Key     types.ExecutionKey `json:"key"`
	TimerID string             `json:"timer_id"`
}

type TimerAPI interface {
	ScheduleTimer(ctx context.Context, req *ScheduleTimerRequest) error
	CancelTimer(ctx context.Context, req *CancelTimerRequest) error
}
