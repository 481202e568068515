package executor

import (
	"context"
	"encoding/json"
	"time"
)

// TriggerExecutor runs the entry node of an execution. By the time the
// workflow is running the trigger has already happened at ingress, so this
// just shapes the trigger data for downstream nodes.
type TriggerExecutor struct {
	triggerType string
}

func NewTriggerExecutor(triggerType string) *TriggerExecutor {
	return &TriggerExecutor{triggerType: triggerType}
}

func (e *TriggerExecutor) NodeType() string { return e.triggerType }

func (e *TriggerExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	data := req.Input
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	output, err := json.Marshal(map[string]any{
		"trigger_type": e.triggerType,
		"node_id":      req.NodeID,
		"data":         data,
	})
	if err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("encode trigger output: %v", err),
			Duration: time.Since(start),
		}, nil
	}
	return &ExecuteResponse{Output: output, Duration: time.Since(start)}, nil
}
