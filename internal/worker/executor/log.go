package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// LogExecutor emits the node's input to the worker log and passes it
// through unchanged. Useful as a tap while building workflows.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger}
}

func (e *LogExecutor) NodeType() string { return "log" }

type logConfig struct {
	Label   string `json:"label,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *LogExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	var config logConfig
	if len(req.Config) > 0 {
		_ = json.Unmarshal(req.Config, &config)
	}

	message := config.Message
	if message == "" {
		message = "workflow log"
	}
	level := slog.LevelInfo
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	e.logger.Log(ctx, level, message,
		"node_id", req.NodeID,
		"workflow_id", req.Key.WorkflowID,
		"run_id", req.Key.RunID,
		"label", config.Label,
		"data", string(req.Input),
	)

	output := req.Input
	if len(output) == 0 {
		output = json.RawMessage("{}")
	}
	return &ExecuteResponse{Output: output, Duration: time.Since(start)}, nil
}
