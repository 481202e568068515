package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// Delays up to this long block the activity slot; anything longer is
	// handed to the timer service so workers stay free.
	inlineDelayMax = 30 * time.Second
	delayCap       = 72 * time.Hour
)

// Metadata keys understood by the orchestration layer.
const (
	metadataTimerRequested = "timer_requested"
	metadataResumeAt       = "resume_at"
)

// DelayExecutor pauses a branch, either in-process for short waits or via a
// durable timer for long ones.
type DelayExecutor struct {
	now func() time.Time
}

func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{now: time.Now}
}

type delayConfig struct {
	Milliseconds int64  `json:"milliseconds,omitempty"`
	Seconds      int64  `json:"seconds,omitempty"`
	Minutes      int64  `json:"minutes,omitempty"`
	Hours        int64  `json:"hours,omitempty"`
	Days         int64  `json:"days,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Until        string `json:"until,omitempty"`
}

func (e *DelayExecutor) NodeType() string { return "delay" }

func (e *DelayExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := e.now()

	var config delayConfig
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid delay config: %v", err),
			Duration: e.now().Sub(start),
		}, nil
	}

	wait, err := e.resolveWait(&config, start)
	if err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("%v", err),
			Duration: e.now().Sub(start),
		}, nil
	}

	resumeAt := start.Add(wait).UTC()
	output, _ := json.Marshal(map[string]any{
		"delayed":   true,
		"wait_ms":   wait.Milliseconds(),
		"resume_at": resumeAt.Format(time.RFC3339),
		"input":     req.Input,
	})

	if wait > inlineDelayMax {
		return &ExecuteResponse{
			Output: output,
			Metadata: map[string]string{
				metadataTimerRequested: "true",
				metadataResumeAt:       resumeAt.Format(time.RFC3339),
			},
			Duration: e.now().Sub(start),
		}, nil
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return &ExecuteResponse{
				Error: &ExecutionError{
					Type:    ErrorTypeNonRetryable,
					Code:    CodeCancelled,
					Message: "delay interrupted",
				},
				Duration: e.now().Sub(start),
			}, nil
		}
	}
	return &ExecuteResponse{Output: output, Duration: e.now().Sub(start)}, nil
}

func (e *DelayExecutor) resolveWait(config *delayConfig, now time.Time) (time.Duration, error) {
	var wait time.Duration

	switch {
	case config.Until != "":
		until, err := time.Parse(time.RFC3339, config.Until)
		if err != nil {
			return 0, fmt.Errorf("invalid until %q: %v", config.Until, err)
		}
		wait = until.Sub(now)
	case config.Duration != "":
		parsed, err := time.ParseDuration(config.Duration)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %v", config.Duration, err)
		}
		wait = parsed
	default:
		wait = time.Duration(config.Milliseconds)*time.Millisecond +
			time.Duration(config.Seconds)*time.Second +
			time.Duration(config.Minutes)*time.Minute +
			time.Duration(config.Hours)*time.Hour +
			time.Duration(config.Days)*24*time.Hour
	}

	if wait < 0 {
		wait = 0
	}
	if wait > delayCap {
		return 0, fmt.Errorf("delay %s exceeds the %s cap", wait, delayCap)
	}
	return wait, nil
}
