package types

import (
	"encoding/json"
	"time"
)

// ExecutionInfo is the denormalized header of a workflow execution, stored
// alongside its event log for cheap status reads.
type ExecutionInfo struct {
	Key           ExecutionKey          `json:"key"`
	WorkflowName  string                `json:"workflow_name,omitempty"`
	Status        ExecutionStatus       `json:"status"`
	Input         json.RawMessage       `json:"input,omitempty"`
	Deterministic *DeterministicContext `json:"deterministic,omitempty"`
	RequestID     string                `json:"request_id,omitempty"`
	StartTime     time.Time             `json:"start_time"`
	CloseTime     time.Time             `json:"close_time,omitempty"`
}

// NodeExecutionInfo tracks one in-flight node, keyed by its NodeScheduled
// event ID.
type NodeExecutionInfo struct {
	ScheduledEventID int64     `json:"scheduled_event_id"`
	NodeID           string    `json:"node_id"`
	NodeType         string    `json:"node_type"`
	StartedEventID   int64     `json:"started_event_id,omitempty"`
	Attempt          int32     `json:"attempt"`
	ScheduledTime    time.Time `json:"scheduled_time"`
	StartedTime      time.Time `json:"started_time,omitempty"`
}

// TimerExecutionInfo tracks one pending durable timer.
type TimerExecutionInfo struct {
	TimerID        string    `json:"timer_id"`
	NodeID         string    `json:"node_id,omitempty"`
	StartedEventID int64     `json:"started_event_id"`
	FireTime       time.Time `json:"fire_time"`
}

// DecisionInfo tracks the at-most-one outstanding decision task. Pending
// flags a follow-up round requested while one was already in flight.
type DecisionInfo struct {
	ScheduledEventID int64 `json:"scheduled_event_id,omitempty"`
	StartedEventID   int64 `json:"started_event_id,omitempty"`
	Attempt          int32 `json:"attempt"`
	Pending          bool  `json:"pending"`
}
