// Package executor runs individual workflow nodes. Executors are pure with
// respect to history: everything a node needs arrives on the task, and
// everything it produced goes back in the response. Connector executors
// additionally emit attempt audit records and, in capture mode, replay
// fixtures.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

// Error classification. The worker's retry loop keys off these: RETRYABLE
// errors are retried per policy, NON_RETRYABLE and TIMEOUT stop immediately.
const (
	ErrorTypeRetryable    = "RETRYABLE"
	ErrorTypeNonRetryable = "NON_RETRYABLE"
	ErrorTypeTimeout      = "TIMEOUT"
)

// Well-known error codes surfaced to callers.
const (
	CodeMissingReplayFixture = "MISSING_REPLAY_FIXTURE"
	CodeBlockedAddress       = "BLOCKED_ADDRESS"
	CodeCancelled            = "CANCELLED"
)

// ExecutionError is a classified node failure.
type ExecutionError struct {
	Type    string          `json:"type"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Failure converts the error into the shape recorded in history.
func (e *ExecutionError) Failure() *types.ExecutionFailure {
	failureType := e.Type
	if e.Code != "" {
		failureType = e.Code
	}
	return &types.ExecutionFailure{
		Type:    failureType,
		Message: e.Message,
		Details: e.Details,
	}
}

func retryableError(format string, args ...any) *ExecutionError {
	return &ExecutionError{Type: ErrorTypeRetryable, Message: fmt.Sprintf(format, args...)}
}

func nonRetryableError(format string, args ...any) *ExecutionError {
	return &ExecutionError{Type: ErrorTypeNonRetryable, Message: fmt.Sprintf(format, args...)}
}

// ExecuteRequest carries one node attempt.
type ExecuteRequest struct {
	Key           types.ExecutionKey
	NodeID        string
	NodeType      string
	Config        json.RawMessage
	Input         json.RawMessage
	Deterministic *types.DeterministicContext
	Attempt       int32
	Timeout       time.Duration
	Identity      string
}

// ExecuteResponse is the outcome of one attempt. Exactly one of Output and
// Error is meaningful. Metadata lets executors talk to the orchestration
// layer (the delay executor's timer request travels there).
type ExecuteResponse struct {
	Output            json.RawMessage
	Error             *ExecutionError
	Metadata          map[string]string
	ConnectorAttempts []types.ConnectorAttempt
	Fixtures          []types.DeterministicFixture
	Duration          time.Duration
}

// Executor runs all nodes of one type.
type Executor interface {
	NodeType() string
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

// replayMode reports whether the attempt must be served from fixtures.
func replayMode(req *ExecuteRequest) bool {
	return req.Deterministic != nil && req.Deterministic.Mode == types.DeterministicModeReplay
}

// captureMode reports whether the attempt should record fixtures.
func captureMode(req *ExecuteRequest) bool {
	return req.Deterministic != nil && req.Deterministic.Mode == types.DeterministicModeCapture
}

// findFixture looks up a recorded interaction by fingerprint.
func findFixture(req *ExecuteRequest, fingerprint string) *types.DeterministicFixture {
	if req.Deterministic == nil {
		return nil
	}
	for i := range req.Deterministic.Fixtures {
		f := &req.Deterministic.Fixtures[i]
		if f.Fingerprint == fingerprint {
			return f
		}
	}
	return nil
}
