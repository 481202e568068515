package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDelayExecutor_ShortDelayBlocksInline(t *testing.T) {
	e := NewDelayExecutor()
	start := time.Now()
	resp, err := e.Execute(context.Background(), &ExecuteRequest{
		NodeID: "D",
		Config: json.RawMessage(`{"milliseconds":30}`),
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("node error: %v", resp.Error)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, want >= 30ms", elapsed)
	}
	if resp.Metadata[metadataTimerRequested] != "" {
		t.Error("short delay requested a timer")
	}
}

func TestDelayExecutor_LongDelayRequestsTimer(t *testing.T) {
	e := NewDelayExecutor()
	start := time.Now()
	resp, err := e.Execute(context.Background(), &ExecuteRequest{
		NodeID: "D",
		Config: json.RawMessage(`{"minutes":10}`),
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("node error: %v", resp.Error)
	}
	if time.Since(start) > time.Second {
		t.Error("long delay blocked the worker")
	}
	if resp.Metadata[metadataTimerRequested] != "true" {
		t.Fatal("timer not requested")
	}
	resumeAt, err := time.Parse(time.RFC3339, resp.Metadata[metadataResumeAt])
	if err != nil {
		t.Fatalf("bad resume_at: %v", err)
	}
	if until := time.Until(resumeAt); until < 9*time.Minute || until > 11*time.Minute {
		t.Errorf("resume_at in %v, want ~10m", until)
	}
}

func TestDelayExecutor_CapRejected(t *testing.T) {
	e := NewDelayExecutor()
	resp, err := e.Execute(context.Background(), &ExecuteRequest{
		NodeID: "D",
		Config: json.RawMessage(`{"days":30}`),
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error == nil || resp.Error.Type != ErrorTypeNonRetryable {
		t.Errorf("error = %+v, want non-retryable cap rejection", resp.Error)
	}
}

func TestDelayExecutor_CancelledContext(t *testing.T) {
	e := NewDelayExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	resp, err := e.Execute(ctx, &ExecuteRequest{
		NodeID: "D",
		Config: json.RawMessage(`{"seconds":20}`),
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeCancelled {
		t.Errorf("error = %+v, want cancelled", resp.Error)
	}
}

func TestRegistry_AliasesResolve(t *testing.T) {
	r := NewDefaultRegistry(nil)
	for alias, canonical := range map[string]string{
		"http_request":    "http",
		"logic_condition": "condition",
		"wait":            "delay",
		"trigger_manual":  "trigger",
		"output_log":      "log",
	} {
		e, err := r.Get(alias)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", alias, err)
		}
		if e.NodeType() != canonical {
			t.Errorf("Get(%s) = %s, want %s", alias, e.NodeType(), canonical)
		}
	}
	if _, err := r.Get("teleport"); err == nil {
		t.Error("unknown type resolved")
	}
}
