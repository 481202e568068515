package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a history event. The set is closed: deciders replay
// histories written by older builds, so values are append-only and never
// renumbered.
type EventType int32

const (
	EventTypeUnspecified EventType = iota
	EventTypeExecutionStarted
	EventTypeNodeScheduled
	EventTypeNodeStarted
	EventTypeNodeCompleted
	EventTypeNodeFailed
	EventTypeNodeTimedOut
	EventTypeTimerStarted
	EventTypeTimerFired
	EventTypeTimerCancelled
	EventTypeSignalReceived
	EventTypeWorkflowCompleted
	EventTypeWorkflowFailed
	EventTypeWorkflowCancelled
	EventTypeDecisionTaskScheduled
	EventTypeDecisionTaskStarted
	EventTypeDecisionTaskCompleted
)

var eventTypeNames = map[EventType]string{
	EventTypeUnspecified:           "Unspecified",
	EventTypeExecutionStarted:      "ExecutionStarted",
	EventTypeNodeScheduled:         "NodeScheduled",
	EventTypeNodeStarted:           "NodeStarted",
	EventTypeNodeCompleted:         "NodeCompleted",
	EventTypeNodeFailed:            "NodeFailed",
	EventTypeNodeTimedOut:          "NodeTimedOut",
	EventTypeTimerStarted:          "TimerStarted",
	EventTypeTimerFired:            "TimerFired",
	EventTypeTimerCancelled:        "TimerCancelled",
	EventTypeSignalReceived:        "SignalReceived",
	EventTypeWorkflowCompleted:     "WorkflowCompleted",
	EventTypeWorkflowFailed:        "WorkflowFailed",
	EventTypeWorkflowCancelled:     "WorkflowCancelled",
	EventTypeDecisionTaskScheduled: "DecisionTaskScheduled",
	EventTypeDecisionTaskStarted:   "DecisionTaskStarted",
	EventTypeDecisionTaskCompleted: "DecisionTaskCompleted",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int32(t))
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus int32

const (
	ExecutionStatusUnspecified ExecutionStatus = iota
	ExecutionStatusPending
	ExecutionStatusRunning
	ExecutionStatusWaiting
	ExecutionStatusCompleted
	ExecutionStatusFailed
	ExecutionStatusCancelled
	ExecutionStatusTimedOut
)

var executionStatusNames = map[ExecutionStatus]string{
	ExecutionStatusUnspecified: "Unspecified",
	ExecutionStatusPending:     "Pending",
	ExecutionStatusRunning:     "Running",
	ExecutionStatusWaiting:     "Waiting",
	ExecutionStatusCompleted:   "Completed",
	ExecutionStatusFailed:      "Failed",
	ExecutionStatusCancelled:   "Cancelled",
	ExecutionStatusTimedOut:    "TimedOut",
}

func (s ExecutionStatus) String() string {
	if name, ok := executionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ExecutionStatus(%d)", int32(s))
}

// IsTerminal reports whether no further events may be appended once the
// execution reaches this status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// Completion results carried on WorkflowCompleted. A run that finished with
// failed continue-policy nodes completes as partial_failure.
const (
	CompletionResultCompleted      = "completed"
	CompletionResultPartialFailure = "partial_failure"
)

// ExecutionKey uniquely identifies one run of one workflow in a namespace.
type ExecutionKey struct {
	Namespace  string `json:"namespace"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

func (k ExecutionKey) String() string {
	return k.Namespace + "/" + k.WorkflowID + "/" + k.RunID
}

// HistoryEvent is one entry in an execution's append-only log. EventID is
// dense and starts at 1. Attributes holds the per-type payload.
type HistoryEvent struct {
	EventID    int64     `json:"event_id"`
	EventType  EventType `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Attributes any       `json:"attributes,omitempty"`
}

// Workflow is the DAG an execution runs. Node IDs are unique within a
// workflow; edges reference node IDs.
type Workflow struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given ID, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// OnError policies for a node whose attempts are exhausted.
const (
	OnErrorStop     = "stop"
	OnErrorContinue = "continue"
)

type Node struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	OnError string          `json:"on_error,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
	Timeout Duration        `json:"timeout,omitempty"`
}

// ErrorPolicy returns the node's onError policy, defaulting to stop.
func (n *Node) ErrorPolicy() string {
	if n.OnError == OnErrorContinue {
		return OnErrorContinue
	}
	return OnErrorStop
}

// Edge connects Source to Target. SourceHandle selects a named output
// branch of the source node; empty means the default output.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// RetryPolicy controls activity re-execution inside the worker.
type RetryPolicy struct {
	InitialInterval    Duration `json:"initial_interval"`
	BackoffCoefficient float64  `json:"backoff_coefficient"`
	MaximumInterval    Duration `json:"maximum_interval"`
	MaximumAttempts    int32    `json:"maximum_attempts"`
}

// Duration marshals as a Go duration string and unmarshals from either a
// string or nanoseconds, so workflow definitions may say "5m" as well as
// 300000000000.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// Deterministic execution modes for connector side effects.
const (
	DeterministicModeOff     = "off"
	DeterministicModeCapture = "capture"
	DeterministicModeReplay  = "replay"
)

// DeterministicContext travels with an execution from ingress to every
// activity attempt.
type DeterministicContext struct {
	Mode     string                 `json:"mode"`
	Seed     int64                  `json:"seed,omitempty"`
	Fixtures []DeterministicFixture `json:"fixtures,omitempty"`
}

// DeterministicFixture is one recorded connector interaction keyed by the
// fingerprint of its canonical request.
type DeterministicFixture struct {
	NodeID      string          `json:"node_id"`
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
	StatusCode  int             `json:"status_code,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at,omitempty"`
}

// ConnectorAttempt is the audit record of one outbound connector call.
type ConnectorAttempt struct {
	NodeID      string    `json:"node_id"`
	Attempt     int32     `json:"attempt"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Method      string    `json:"method,omitempty"`
	URL         string    `json:"url,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Replayed    bool      `json:"replayed"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// ExecutionFailure describes why a node or workflow failed.
type ExecutionFailure struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Event attribute payloads. One struct per event type; stored serialized in
// the event log and replayed by the decider.

type ExecutionStartedAttributes struct {
	Workflow             *Workflow             `json:"workflow"`
	Input                json.RawMessage       `json:"input,omitempty"`
	Deterministic        *DeterministicContext `json:"deterministic,omitempty"`
	RequestID            string                `json:"request_id,omitempty"`
	ExecutionTimeout     Duration              `json:"execution_timeout,omitempty"`
	DefaultActivityRetry *RetryPolicy          `json:"default_activity_retry,omitempty"`
}

type NodeScheduledAttributes struct {
	NodeID    string          `json:"node_id"`
	NodeType  string          `json:"node_type"`
	Config    json.RawMessage `json:"config,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Timeout   Duration        `json:"timeout,omitempty"`
	TaskQueue string          `json:"task_queue,omitempty"`
}

type NodeStartedAttributes struct {
	ScheduledEventID int64  `json:"scheduled_event_id"`
	WorkerIdentity   string `json:"worker_identity,omitempty"`
	Attempt          int32  `json:"attempt"`
}

type NodeCompletedAttributes struct {
	ScheduledEventID  int64                  `json:"scheduled_event_id"`
	Output            json.RawMessage        `json:"output,omitempty"`
	Metadata          map[string]string      `json:"metadata,omitempty"`
	ConnectorAttempts []ConnectorAttempt     `json:"connector_attempts,omitempty"`
	Fixtures          []DeterministicFixture `json:"fixtures,omitempty"`
	Attempt           int32                  `json:"attempt"`
}

type NodeFailedAttributes struct {
	ScheduledEventID  int64              `json:"scheduled_event_id"`
	Failure           *ExecutionFailure  `json:"failure"`
	ConnectorAttempts []ConnectorAttempt `json:"connector_attempts,omitempty"`
	Attempt           int32              `json:"attempt"`
}

type NodeTimedOutAttributes struct {
	ScheduledEventID int64    `json:"scheduled_event_id"`
	Timeout          Duration `json:"timeout"`
	Attempt          int32    `json:"attempt"`
}

type TimerStartedAttributes struct {
	TimerID  string    `json:"timer_id"`
	NodeID   string    `json:"node_id,omitempty"`
	FireTime time.Time `json:"fire_time"`
}

type TimerFiredAttributes struct {
	TimerID          string `json:"timer_id"`
	ScheduledEventID int64  `json:"scheduled_event_id"`
}

type TimerCancelledAttributes struct {
	TimerID          string `json:"timer_id"`
	ScheduledEventID int64  `json:"scheduled_event_id"`
}

type SignalReceivedAttributes struct {
	SignalName string          `json:"signal_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

type WorkflowCompletedAttributes struct {
	Result      string          `json:"result"`
	Output      json.RawMessage `json:"output,omitempty"`
	FailedNodes []string        `json:"failed_nodes,omitempty"`
}

type WorkflowFailedAttributes struct {
	Failure    *ExecutionFailure `json:"failure"`
	FailedNode string            `json:"failed_node,omitempty"`
}

type WorkflowCancelledAttributes struct {
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type DecisionTaskScheduledAttributes struct {
	TaskQueue string `json:"task_queue,omitempty"`
	Attempt   int32  `json:"attempt"`
}

type DecisionTaskStartedAttributes struct {
	ScheduledEventID int64  `json:"scheduled_event_id"`
	WorkerIdentity   string `json:"worker_identity,omitempty"`
}

type DecisionTaskCompletedAttributes struct {
	ScheduledEventID int64  `json:"scheduled_event_id"`
	StartedEventID   int64  `json:"started_event_id"`
	WorkerIdentity   string `json:"worker_identity,omitempty"`
}

// CommandType identifies a decider command. The set is closed.
type CommandType int32

const (
	CommandTypeUnspecified CommandType = iota
	CommandTypeScheduleActivityTask
	CommandTypeStartTimer
	CommandTypeCancelTimer
	CommandTypeCompleteWorkflowExecution
	CommandTypeFailWorkflowExecution
)

var commandTypeNames = map[CommandType]string{
	CommandTypeUnspecified:               "Unspecified",
	CommandTypeScheduleActivityTask:      "ScheduleActivityTask",
	CommandTypeStartTimer:                "StartTimer",
	CommandTypeCancelTimer:               "CancelTimer",
	CommandTypeCompleteWorkflowExecution: "CompleteWorkflowExecution",
	CommandTypeFailWorkflowExecution:     "FailWorkflowExecution",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int32(t))
}

// Command is one instruction produced by a decision round. Exactly one of
// the attribute fields is set, matching Type.
type Command struct {
	Type             CommandType                        `json:"type"`
	ScheduleActivity *ScheduleActivityTaskAttributes    `json:"schedule_activity,omitempty"`
	StartTimer       *StartTimerCommandAttributes       `json:"start_timer,omitempty"`
	CancelTimer      *CancelTimerCommandAttributes      `json:"cancel_timer,omitempty"`
	CompleteWorkflow *CompleteWorkflowCommandAttributes `json:"complete_workflow,omitempty"`
	FailWorkflow     *FailWorkflowCommandAttributes     `json:"fail_workflow,omitempty"`
}

type ScheduleActivityTaskAttributes struct {
	NodeID   string          `json:"node_id"`
	NodeType string          `json:"node_type"`
	Config   json.RawMessage `json:"config,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Retry    *RetryPolicy    `json:"retry,omitempty"`
	Timeout  Duration        `json:"timeout,omitempty"`
}

type StartTimerCommandAttributes struct {
	TimerID  string    `json:"timer_id"`
	NodeID   string    `json:"node_id,omitempty"`
	FireTime time.Time `json:"fire_time"`
}

type CancelTimerCommandAttributes struct {
	TimerID string `json:"timer_id"`
}

type CompleteWorkflowCommandAttributes struct {
	Result      string          `json:"result"`
	Output      json.RawMessage `json:"output,omitempty"`
	FailedNodes []string        `json:"failed_nodes,omitempty"`
}

type FailWorkflowCommandAttributes struct {
	Failure    *ExecutionFailure `json:"failure"`
	FailedNode string            `json:"failed_node,omitempty"`
}
