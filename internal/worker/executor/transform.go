package executor

import (
	"context"
	"encoding/json"
	"time"
)

// TransformExecutor reshapes the data flowing between nodes without any
// side effects: pick or drop fields, rename them, and inject constants.
type TransformExecutor struct{}

func NewTransformExecutor() *TransformExecutor { return &TransformExecutor{} }

func (e *TransformExecutor) NodeType() string { return "transform" }

type transformConfig struct {
	Pick   []string          `json:"pick,omitempty"`
	Omit   []string          `json:"omit,omitempty"`
	Rename map[string]string `json:"rename,omitempty"`
	Set    map[string]any    `json:"set,omitempty"`
}

func (e *TransformExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	var config transformConfig
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid transform config: %v", err),
			Duration: time.Since(start),
		}, nil
	}

	input := map[string]any{}
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return &ExecuteResponse{
				Error:    nonRetryableError("transform input is not an object: %v", err),
				Duration: time.Since(start),
			}, nil
		}
	}

	result := make(map[string]any, len(input))
	if len(config.Pick) > 0 {
		for _, field := range config.Pick {
			if value, exists := fieldValue(input, field); exists {
				result[field] = value
			}
		}
	} else {
		for field, value := range input {
			result[field] = value
		}
		for _, field := range config.Omit {
			delete(result, field)
		}
	}

	for from, to := range config.Rename {
		if value, exists := result[from]; exists {
			delete(result, from)
			result[to] = value
		}
	}
	for field, value := range config.Set {
		result[field] = value
	}

	output, err := json.Marshal(result)
	if err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("encode transform result: %v", err),
			Duration: time.Since(start),
		}, nil
	}
	return &ExecuteResponse{Output: output, Duration: time.Since(start)}, nil
}
