package worker_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/history"
	"github.com/linkflow/execplane/internal/history/shard"
	"github.com/linkflow/execplane/internal/history/store"
	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/history/visibility"
	"github.com/linkflow/execplane/internal/matching"
	"github.com/linkflow/execplane/internal/rpc"
	"github.com/linkflow/execplane/internal/worker"
	"github.com/linkflow/execplane/internal/worker/executor"
)

type noopTimers struct{}

func (noopTimers) ScheduleTimer(ctx context.Context, req *rpc.ScheduleTimerRequest) error { return nil }
func (noopTimers) CancelTimer(ctx context.Context, req *rpc.CancelTimerRequest) error     { return nil }

// failingExecutor fails a configurable number of times before succeeding.
type failingExecutor struct {
	nodeType  string
	failures  int32
	errorType string
	calls     atomic.Int32
}

func (e *failingExecutor) NodeType() string { return e.nodeType }

func (e *failingExecutor) Execute(ctx context.Context, req *executor.ExecuteRequest) (*executor.ExecuteResponse, error) {
	call := e.calls.Add(1)
	if call <= e.failures {
		return &executor.ExecuteResponse{Error: &executor.ExecutionError{
			Type:    e.errorType,
			Message: "induced failure",
		}}, nil
	}
	return &executor.ExecuteResponse{Output: json.RawMessage(`{"recovered":true}`)}, nil
}

type stack struct {
	history  *history.Service
	matching *matching.Service
	worker   *worker.Service
}

func newStack(t *testing.T, customize func(*executor.Registry)) *stack {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	matchingSvc := matching.NewService(matching.Config{
		LongPollTimeout: 200 * time.Millisecond,
		Logger:          logger,
	})
	historySvc := history.NewService(history.Config{
		ShardController: shard.NewController(4),
		EventStore:      store.NewMemoryEventStore(),
		StateStore:      store.NewMemoryMutableStateStore(),
		VisibilityStore: visibility.NewMemoryStore(),
		MatchingClient:  matchingSvc,
		TimerClient:     noopTimers{},
		Logger:          logger,
	})

	registry := executor.NewDefaultRegistry(logger)
	if customize != nil {
		customize(registry)
	}
	workerSvc := worker.NewService(historySvc, matchingSvc, worker.Config{
		Identity:    "worker@test",
		PollBackoff: 10 * time.Millisecond,
		Registry:    registry,
		Logger:      logger,
	})

	ctx := context.Background()
	if err := historySvc.Start(ctx); err != nil {
		t.Fatalf("history start error = %v", err)
	}
	if err := matchingSvc.Start(ctx); err != nil {
		t.Fatalf("matching start error = %v", err)
	}
	if err := workerSvc.Start(ctx); err != nil {
		t.Fatalf("worker start error = %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = workerSvc.Stop(stopCtx)
		_ = matchingSvc.Stop()
		_ = historySvc.Stop(stopCtx)
	})
	return &stack{history: historySvc, matching: matchingSvc, worker: workerSvc}
}

func (s *stack) waitForStatus(t *testing.T, key types.ExecutionKey, want types.ExecutionStatus) *rpc.DescribeExecutionResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		desc, err := s.history.DescribeExecution(context.Background(), &rpc.DescribeExecutionRequest{Key: key})
		if err == nil && desc.Info.Status == want {
			return desc
		}
		if time.Now().After(deadline) {
			status := types.ExecutionStatusUnspecified
			if err == nil {
				status = desc.Info.Status
			}
			t.Fatalf("execution never reached %v, last status %v (err %v)", want, status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *stack) historyEvents(t *testing.T, key types.ExecutionKey) []*types.HistoryEvent {
	t.Helper()
	resp, err := s.history.GetHistory(context.Background(), &rpc.GetHistoryRequest{Key: key})
	if err != nil {
		t.Fatalf("GetHistory error = %v", err)
	}
	return resp.Events
}

func startWorkflow(t *testing.T, s *stack, wf *types.Workflow, input string) types.ExecutionKey {
	t.Helper()
	resp, err := s.history.StartWorkflow(context.Background(), &rpc.StartWorkflowRequest{
		Namespace:  "default",
		WorkflowID: wf.ID,
		Workflow:   wf,
		Input:      json.RawMessage(input),
	})
	if err != nil {
		t.Fatalf("StartWorkflow error = %v", err)
	}
	return types.ExecutionKey{Namespace: "default", WorkflowID: wf.ID, RunID: resp.RunID}
}

func TestWorker_RunsLinearWorkflowToCompletion(t *testing.T) {
	s := newStack(t, nil)
	wf := &types.Workflow{
		ID: "wf-linear",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "X", Type: "transform", Config: json.RawMessage(`{"set":{"tag":"done"}}`)},
		},
		Edges: []types.Edge{{Source: "T", Target: "X"}},
	}

	key := startWorkflow(t, s, wf, `{"source":"test"}`)
	s.waitForStatus(t, key, types.ExecutionStatusCompleted)

	events := s.historyEvents(t, key)
	last := events[len(events)-1]
	if last.EventType != types.EventTypeWorkflowCompleted {
		t.Fatalf("last event = %s, want WorkflowCompleted", last.EventType)
	}
	attrs := last.Attributes.(*types.WorkflowCompletedAttributes)
	if attrs.Result != types.CompletionResultCompleted {
		t.Errorf("result = %s, want completed", attrs.Result)
	}
	if len(attrs.FailedNodes) != 0 {
		t.Errorf("failed nodes = %v", attrs.FailedNodes)
	}
}

func TestWorker_ConditionSelectsBranch(t *testing.T) {
	s := newStack(t, nil)
	wf := &types.Workflow{
		ID: "wf-branch",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "C", Type: "condition", Config: json.RawMessage(
				`{"mode":"if","rules":[{"field":"data.total","operator":"gt","value":100}]}`)},
			{ID: "big", Type: "transform"},
			{ID: "small", Type: "transform"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "C"},
			{Source: "C", Target: "big", SourceHandle: "true"},
			{Source: "C", Target: "small", SourceHandle: "false"},
		},
	}

	key := startWorkflow(t, s, wf, `{"total":500}`)
	s.waitForStatus(t, key, types.ExecutionStatusCompleted)

	ran := map[string]bool{}
	for _, event := range s.historyEvents(t, key) {
		if attrs, ok := event.Attributes.(*types.NodeScheduledAttributes); ok {
			ran[attrs.NodeID] = true
		}
	}
	if !ran["big"] {
		t.Error("matched branch never scheduled")
	}
	if ran["small"] {
		t.Error("dead branch was scheduled")
	}
}

func TestWorker_PermanentFailureFailsWorkflow(t *testing.T) {
	s := newStack(t, func(r *executor.Registry) {
		r.Register(&failingExecutor{nodeType: "brittle", failures: 99, errorType: executor.ErrorTypeNonRetryable})
	})
	wf := &types.Workflow{
		ID: "wf-fail",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "F", Type: "brittle"},
		},
		Edges: []types.Edge{{Source: "T", Target: "F"}},
	}

	key := startWorkflow(t, s, wf, `{}`)
	s.waitForStatus(t, key, types.ExecutionStatusFailed)

	events := s.historyEvents(t, key)
	last := events[len(events)-1]
	attrs, ok := last.Attributes.(*types.WorkflowFailedAttributes)
	if !ok {
		t.Fatalf("last event = %s, want WorkflowFailed", last.EventType)
	}
	if attrs.FailedNode != "F" {
		t.Errorf("failed node = %s, want F", attrs.FailedNode)
	}
	if !strings.HasPrefix(attrs.Failure.Message, "node 'F' failed") {
		t.Errorf("message = %q", attrs.Failure.Message)
	}
}

func TestWorker_ContinuePolicyYieldsPartialFailure(t *testing.T) {
	s := newStack(t, func(r *executor.Registry) {
		r.Register(&failingExecutor{nodeType: "brittle", failures: 99, errorType: executor.ErrorTypeNonRetryable})
	})
	wf := &types.Workflow{
		ID: "wf-partial",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "F", Type: "brittle", OnError: types.OnErrorContinue},
			{ID: "X", Type: "transform"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "F"},
			{Source: "T", Target: "X"},
		},
	}

	key := startWorkflow(t, s, wf, `{}`)
	s.waitForStatus(t, key, types.ExecutionStatusCompleted)

	events := s.historyEvents(t, key)
	last := events[len(events)-1]
	attrs := last.Attributes.(*types.WorkflowCompletedAttributes)
	if attrs.Result != types.CompletionResultPartialFailure {
		t.Errorf("result = %s, want partial_failure", attrs.Result)
	}
	if len(attrs.FailedNodes) != 1 || attrs.FailedNodes[0] != "F" {
		t.Errorf("failed nodes = %v, want [F]", attrs.FailedNodes)
	}
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	flaky := &failingExecutor{nodeType: "flaky", failures: 2, errorType: executor.ErrorTypeRetryable}
	s := newStack(t, func(r *executor.Registry) {
		r.Register(flaky)
	})
	wf := &types.Workflow{
		ID: "wf-retry",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "F", Type: "flaky", Retry: &types.RetryPolicy{
				InitialInterval: types.Duration(5 * time.Millisecond),
				MaximumAttempts: 3,
			}},
		},
		Edges: []types.Edge{{Source: "T", Target: "F"}},
	}

	key := startWorkflow(t, s, wf, `{}`)
	s.waitForStatus(t, key, types.ExecutionStatusCompleted)

	if calls := flaky.calls.Load(); calls != 3 {
		t.Errorf("executor calls = %d, want 3", calls)
	}
	for _, event := range s.historyEvents(t, key) {
		if attrs, ok := event.Attributes.(*types.NodeCompletedAttributes); ok && attrs.Attempt == 3 {
			return
		}
	}
	t.Error("no NodeCompleted with attempt 3 in history")
}
