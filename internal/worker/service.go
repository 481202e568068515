// Package worker hosts the two execution loops of the plane: decision
// pollers that replay history through the decider, and activity pollers
// that run nodes through registered executors with worker-side retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/livestream"
	"github.com/linkflow/execplane/internal/rpc"
	"github.com/linkflow/execplane/internal/worker/decider"
	"github.com/linkflow/execplane/internal/worker/executor"
	"github.com/linkflow/execplane/internal/worker/guard"
	"github.com/linkflow/execplane/internal/worker/retry"
)

const defaultActivityTimeout = 60 * time.Second

// Publisher pushes execution progress to watchers. Optional.
type Publisher interface {
	Publish(ctx context.Context, key types.ExecutionKey, event *livestream.Event) error
}

// Metrics counts executor outcomes. Optional.
type Metrics interface {
	RecordExecutorRun(nodeType, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordExecutorRun(string, string) {}

type Config struct {
	Identity        string
	DecisionPollers int
	ActivityPollers int
	PollBackoff     time.Duration
	ActivityTimeout time.Duration
	BulkheadSize    int
	Registry        *executor.Registry
	Breakers        *guard.BreakerSet
	Publisher       Publisher
	Metrics         Metrics
	Logger          *slog.Logger
}

type Service struct {
	history  rpc.HistoryAPI
	matching rpc.MatchingAPI

	identity        string
	decisionPollers int
	activityPollers int
	pollBackoff     time.Duration
	activityTimeout time.Duration

	registry  *executor.Registry
	breakers  *guard.BreakerSet
	bulkhead  *guard.Bulkhead
	publisher Publisher
	metrics   Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(history rpc.HistoryAPI, matching rpc.MatchingAPI, cfg Config) *Service {
	if cfg.Identity == "" {
		host, _ := os.Hostname()
		cfg.Identity = "worker@" + host
	}
	if cfg.DecisionPollers <= 0 {
		cfg.DecisionPollers = 2
	}
	if cfg.ActivityPollers <= 0 {
		cfg.ActivityPollers = 4
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = time.Second
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = executor.NewDefaultRegistry(cfg.Logger)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = guard.NewBreakerSet(guard.BreakerConfig{Logger: cfg.Logger})
	}
	if cfg.BulkheadSize <= 0 {
		cfg.BulkheadSize = 32
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	return &Service{
		history:         history,
		matching:        matching,
		identity:        cfg.Identity,
		decisionPollers: cfg.DecisionPollers,
		activityPollers: cfg.ActivityPollers,
		pollBackoff:     cfg.PollBackoff,
		activityTimeout: cfg.ActivityTimeout,
		registry:        cfg.Registry,
		breakers:        cfg.Breakers,
		bulkhead:        guard.NewBulkhead(cfg.BulkheadSize),
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("worker already running")
	}
	s.running = true

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.decisionPollers; i++ {
		s.wg.Add(1)
		go s.pollLoop(loopCtx, rpc.DecisionTaskQueue, s.handleDecisionTask)
	}
	for i := 0; i < s.activityPollers; i++ {
		s.wg.Add(1)
		go s.pollLoop(loopCtx, rpc.ActivityTaskQueue, s.handleActivityTask)
	}

	s.logger.Info("worker started",
		slog.String("identity", s.identity),
		slog.Int("decision_pollers", s.decisionPollers),
		slog.Int("activity_pollers", s.activityPollers),
		slog.Any("executors", s.registry.Types()),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("worker stopped", slog.String("identity", s.identity))
	return nil
}

func (s *Service) pollLoop(ctx context.Context, queue string, handle func(context.Context, *rpc.Task, string)) {
	defer s.wg.Done()

	for ctx.Err() == nil {
		resp, err := s.matching.PollTask(ctx, &rpc.PollTaskRequest{Queue: queue, Identity: s.identity})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, rpc.ErrRateLimited) {
				s.logger.Error("poll failed", slog.String("queue", queue), slog.String("error", err.Error()))
			}
			select {
			case <-time.After(s.pollBackoff):
			case <-ctx.Done():
			}
			continue
		}
		if resp == nil || resp.Task == nil {
			continue
		}
		handle(ctx, resp.Task, resp.LeaseToken)
	}
}

// handleDecisionTask replays history through the decider and hands the
// resulting commands back to history.
func (s *Service) handleDecisionTask(ctx context.Context, task *rpc.Task, leaseToken string) {
	key := task.ExecutionKey()
	logger := s.logger.With(slog.String("workflow_id", key.WorkflowID), slog.String("run_id", key.RunID))

	started, err := s.history.RecordDecisionTaskStarted(ctx, &rpc.RecordDecisionTaskStartedRequest{
		Key:              key,
		ScheduledEventID: task.ScheduledEventID,
		Identity:         s.identity,
	})
	if err != nil {
		if staleTask(err) {
			// The execution moved on; the task is a leftover.
			s.completeTask(ctx, task, leaseToken)
			return
		}
		logger.Error("record decision start failed", slog.String("error", err.Error()))
		s.failTask(ctx, task, leaseToken, err.Error())
		return
	}

	commands, decideErr := decider.Decide(started.Events)
	if decideErr != nil {
		// A decider that cannot make sense of history will not succeed on
		// redelivery either; fail the workflow explicitly.
		logger.Error("decision failed", slog.String("error", decideErr.Error()))
		commands = []*types.Command{{
			Type: types.CommandTypeFailWorkflowExecution,
			FailWorkflow: &types.FailWorkflowCommandAttributes{
				Failure: &types.ExecutionFailure{
					Type:    "decision_failure",
					Message: decideErr.Error(),
				},
			},
		}}
	}

	err = s.history.RespondDecisionTaskCompleted(ctx, &rpc.RespondDecisionTaskCompletedRequest{
		Key:              key,
		ScheduledEventID: task.ScheduledEventID,
		StartedEventID:   started.StartedEventID,
		Identity:         s.identity,
		Commands:         commands,
	})
	if err != nil && !staleTask(err) {
		logger.Error("respond decision failed", slog.String("error", err.Error()))
		s.failTask(ctx, task, leaseToken, err.Error())
		return
	}
	s.completeTask(ctx, task, leaseToken)
	s.publish(ctx, key, &livestream.Event{Type: "decision_completed"})
}

// handleActivityTask runs a node with worker-side retries. Permanent and
// timeout failures stop immediately; transient ones back off per policy.
func (s *Service) handleActivityTask(ctx context.Context, task *rpc.Task, leaseToken string) {
	key := task.ExecutionKey()
	logger := s.logger.With(
		slog.String("workflow_id", key.WorkflowID),
		slog.String("run_id", key.RunID),
		slog.String("task_id", task.ID),
	)

	data, err := rpc.UnmarshalActivityTaskData(task.Payload)
	if err != nil {
		logger.Error("bad activity payload", slog.String("error", err.Error()))
		s.respondFailed(ctx, task, leaseToken, &executor.ExecutionError{
			Type:    executor.ErrorTypeNonRetryable,
			Message: fmt.Sprintf("undecodable activity payload: %v", err),
		}, 1, nil)
		return
	}

	exec, err := s.registry.Get(data.NodeType)
	if err != nil {
		s.respondFailed(ctx, task, leaseToken, &executor.ExecutionError{
			Type:    executor.ErrorTypeNonRetryable,
			Message: err.Error(),
		}, 1, nil)
		return
	}

	policy := retry.FromTypes(data.Retry)
	timeout := data.Timeout.Std()
	if timeout <= 0 {
		timeout = s.activityTimeout
	}

	s.publish(ctx, key, &livestream.Event{Type: "node_started", NodeID: data.NodeID})

	var attempts []types.ConnectorAttempt
	for attempt := int32(1); ; attempt++ {
		resp := s.executeOnce(ctx, exec, &executor.ExecuteRequest{
			Key:           key,
			NodeID:        data.NodeID,
			NodeType:      data.NodeType,
			Config:        data.Config,
			Input:         data.Input,
			Deterministic: data.Deterministic,
			Attempt:       attempt,
			Timeout:       timeout,
			Identity:      s.identity,
		}, timeout)
		attempts = append(attempts, resp.ConnectorAttempts...)

		if resp.Error == nil {
			s.metrics.RecordExecutorRun(data.NodeType, "completed")
			s.respondCompleted(ctx, task, leaseToken, resp, attempt, attempts)
			s.publish(ctx, key, &livestream.Event{Type: "node_completed", NodeID: data.NodeID})
			return
		}

		if !policy.ShouldRetry(attempt, resp.Error.Type) {
			logger.Warn("activity failed",
				slog.String("node_id", data.NodeID),
				slog.Int("attempt", int(attempt)),
				slog.String("error", resp.Error.Message),
			)
			s.metrics.RecordExecutorRun(data.NodeType, "failed")
			s.respondFailed(ctx, task, leaseToken, resp.Error, attempt, attempts)
			s.publish(ctx, key, &livestream.Event{Type: "node_failed", NodeID: data.NodeID, Status: resp.Error.Type})
			return
		}
		s.metrics.RecordExecutorRun(data.NodeType, "retried")
		delay := policy.NextDelay(attempt)
		logger.Warn("activity attempt failed, retrying",
			slog.String("node_id", data.NodeID),
			slog.Int("attempt", int(attempt)),
			slog.Duration("delay", delay),
			slog.String("error", resp.Error.Message),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.respondFailed(ctx, task, leaseToken, &executor.ExecutionError{
				Type:    executor.ErrorTypeNonRetryable,
				Code:    executor.CodeCancelled,
				Message: "worker shutting down",
			}, attempt, attempts)
			return
		}
	}
}

// executeOnce runs a single attempt inside the bulkhead and the node
// type's circuit breaker.
func (s *Service) executeOnce(ctx context.Context, exec executor.Executor, req *executor.ExecuteRequest, timeout time.Duration) *executor.ExecuteResponse {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *executor.ExecuteResponse
	err := s.bulkhead.Do(attemptCtx, func() error {
		return s.breakers.Do(exec.NodeType(), func() error {
			var execErr error
			resp, execErr = exec.Execute(attemptCtx, req)
			if execErr != nil {
				return execErr
			}
			if resp.Error != nil && resp.Error.Type == executor.ErrorTypeRetryable {
				// Feed transient failures into the breaker counts.
				return resp.Error
			}
			return nil
		})
	})

	if resp != nil {
		return resp
	}
	switch {
	case errors.Is(err, guard.ErrOpen):
		return &executor.ExecuteResponse{Error: &executor.ExecutionError{
			Type:    executor.ErrorTypeRetryable,
			Message: fmt.Sprintf("circuit open for %s", exec.NodeType()),
		}}
	case errors.Is(err, guard.ErrBulkheadFull):
		return &executor.ExecuteResponse{Error: &executor.ExecutionError{
			Type:    executor.ErrorTypeRetryable,
			Message: "worker at connector capacity",
		}}
	case errors.Is(err, context.DeadlineExceeded):
		return &executor.ExecuteResponse{Error: &executor.ExecutionError{
			Type:    executor.ErrorTypeTimeout,
			Message: "activity deadline exceeded",
		}}
	default:
		return &executor.ExecuteResponse{Error: &executor.ExecutionError{
			Type:    executor.ErrorTypeRetryable,
			Message: fmt.Sprintf("executor error: %v", err),
		}}
	}
}

func (s *Service) respondCompleted(ctx context.Context, task *rpc.Task, leaseToken string, resp *executor.ExecuteResponse, attempt int32, attempts []types.ConnectorAttempt) {
	err := s.history.RespondActivityTaskCompleted(ctx, &rpc.RespondActivityTaskCompletedRequest{
		Key:               task.ExecutionKey(),
		ScheduledEventID:  task.ScheduledEventID,
		Attempt:           attempt,
		Output:            resp.Output,
		Metadata:          resp.Metadata,
		ConnectorAttempts: attempts,
		Fixtures:          resp.Fixtures,
		Identity:          s.identity,
	})
	if err != nil && !staleTask(err) {
		s.logger.Error("respond activity completed failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		s.failTask(ctx, task, leaseToken, err.Error())
		return
	}
	s.completeTask(ctx, task, leaseToken)
}

func (s *Service) respondFailed(ctx context.Context, task *rpc.Task, leaseToken string, execErr *executor.ExecutionError, attempt int32, attempts []types.ConnectorAttempt) {
	err := s.history.RespondActivityTaskFailed(ctx, &rpc.RespondActivityTaskFailedRequest{
		Key:               task.ExecutionKey(),
		ScheduledEventID:  task.ScheduledEventID,
		Attempt:           attempt,
		Failure:           execErr.Failure(),
		TimedOut:          execErr.Type == executor.ErrorTypeTimeout,
		ConnectorAttempts: attempts,
		Identity:          s.identity,
	})
	if err != nil && !staleTask(err) {
		s.logger.Error("respond activity failed failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		s.failTask(ctx, task, leaseToken, err.Error())
		return
	}
	s.completeTask(ctx, task, leaseToken)
}

func (s *Service) completeTask(ctx context.Context, task *rpc.Task, leaseToken string) {
	err := s.matching.CompleteTask(ctx, &rpc.CompleteTaskRequest{
		Queue:      task.Queue,
		TaskID:     task.ID,
		LeaseToken: leaseToken,
	})
	if err != nil && !errors.Is(err, rpc.ErrNotFound) && !errors.Is(err, rpc.ErrConflict) {
		s.logger.Warn("complete task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (s *Service) failTask(ctx context.Context, task *rpc.Task, leaseToken, reason string) {
	err := s.matching.FailTask(ctx, &rpc.FailTaskRequest{
		Queue:      task.Queue,
		TaskID:     task.ID,
		LeaseToken: leaseToken,
		Reason:     reason,
	})
	if err != nil && !errors.Is(err, rpc.ErrNotFound) && !errors.Is(err, rpc.ErrConflict) {
		s.logger.Warn("fail task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ctx context.Context, key types.ExecutionKey, event *livestream.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.Debug("livestream publish failed", slog.String("error", err.Error()))
	}
}

// staleTask reports history errors that mean the task no longer applies.
func staleTask(err error) bool {
	return errors.Is(err, rpc.ErrNotFound) || errors.Is(err, rpc.ErrExecutionClosed) || errors.Is(err, rpc.ErrConflict)
}

