package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/execplane/internal/history/engine"
	"github.com/linkflow/execplane/internal/history/shard"
	"github.com/linkflow/execplane/internal/history/store"
	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/history/visibility"
	"github.com/linkflow/execplane/internal/rpc"
)

var (
	ErrServiceNotRunning     = errors.New("history service is not running")
	ErrServiceAlreadyRunning = errors.New("history service is already running")
	ErrInvalidWorkflow       = errors.New("invalid workflow definition")
)

// Histories longer than this still work, but the decider replays the full
// log on every round, so flag them.
const longHistoryWarnThreshold = 500

// Metrics provides observability hooks for the service.
type Metrics interface {
	RecordEventAppended(eventType types.EventType)
	RecordServiceLatency(operation string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordEventAppended(types.EventType)        {}
func (noopMetrics) RecordServiceLatency(string, time.Duration) {}

// Service is the append authority for execution histories. Every mutation
// runs under the owning shard's lock, which makes it the single writer for
// an execution and lets it enforce event-ID density, the terminal guard and
// the one-decision-in-flight invariant.
type Service struct {
	shardController *shard.Controller
	eventStore      store.EventStore
	stateStore      store.MutableStateStore
	visibilityStore visibility.Store
	matchingClient  rpc.MatchingAPI
	timerClient     rpc.TimerAPI
	historyEngine   *engine.Engine
	metrics         Metrics
	logger          *slog.Logger

	running bool
	mu      sync.RWMutex
}

// Config holds the history service dependencies.
type Config struct {
	ShardController *shard.Controller
	EventStore      store.EventStore
	StateStore      store.MutableStateStore
	VisibilityStore visibility.Store
	MatchingClient  rpc.MatchingAPI
	TimerClient     rpc.TimerAPI
	Logger          *slog.Logger
	Metrics         Metrics
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.ShardController == nil {
		cfg.ShardController = shard.NewController(16)
	}
	return &Service{
		shardController: cfg.ShardController,
		eventStore:      cfg.EventStore,
		stateStore:      cfg.StateStore,
		visibilityStore: cfg.VisibilityStore,
		matchingClient:  cfg.MatchingClient,
		timerClient:     cfg.TimerClient,
		historyEngine:   engine.NewEngine(cfg.Logger),
		metrics:         metrics,
		logger:          cfg.Logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}
	s.logger.Info("starting history service")
	if err := s.shardController.Start(); err != nil {
		return err
	}
	s.running = true
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.logger.Info("stopping history service")
	s.shardController.Stop()
	s.running = false
	return nil
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// StartWorkflow validates the graph, creates a fresh run and schedules its
// first decision task. A request ID that already created a run returns
// that run with Started=false instead of minting another one, so retried
// and redelivered starts attach to the first run's side effects.
func (s *Service) StartWorkflow(ctx context.Context, req *rpc.StartWorkflowRequest) (*rpc.StartWorkflowResponse, error) {
	start := time.Now()
	defer func() { s.metrics.RecordServiceLatency("StartWorkflow", time.Since(start)) }()

	if err := validateWorkflow(req.Workflow); err != nil {
		return nil, err
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}

	key := types.ExecutionKey{
		Namespace:  namespace,
		WorkflowID: req.WorkflowID,
		RunID:      uuid.NewString(),
	}

	var (
		scheduledEventID int64
		existingRunID    string
	)
	err := s.withExecutionLock(key, func(sh *shard.Shard) error {
		// The shard lock covers every run of this workflow, so the request
		// lookup and the run creation are atomic against a duplicate start.
		if req.RequestID != "" {
			runID, err := s.stateStore.GetRunIDForRequest(ctx, namespace, req.WorkflowID, req.RequestID)
			switch {
			case err == nil:
				existingRunID = runID
				return nil
			case !errors.Is(err, store.ErrExecutionNotFound):
				return err
			}
		}

		state := engine.NewMutableState(&types.ExecutionInfo{Key: key})

		started := s.historyEngine.NewEvent(state, types.EventTypeExecutionStarted, &types.ExecutionStartedAttributes{
			Workflow:             req.Workflow,
			Input:                req.Input,
			Deterministic:        req.Deterministic,
			RequestID:            req.RequestID,
			DefaultActivityRetry: req.DefaultRetry,
		})
		if err := s.historyEngine.ProcessEvent(state, started); err != nil {
			return err
		}

		decision := s.historyEngine.NewEvent(state, types.EventTypeDecisionTaskScheduled, &types.DecisionTaskScheduledAttributes{
			TaskQueue: rpc.DecisionTaskQueue,
			Attempt:   1,
		})
		if err := s.historyEngine.ProcessEvent(state, decision); err != nil {
			return err
		}
		scheduledEventID = decision.EventID

		if err := s.commit(ctx, key, state, []*types.HistoryEvent{started, decision}); err != nil {
			return err
		}
		if req.RequestID != "" {
			if err := s.stateStore.RecordRequestID(ctx, namespace, req.WorkflowID, req.RequestID, key.RunID); err != nil {
				// The run exists either way; a lost mapping only costs a
				// duplicate run if this exact request is retried.
				s.logger.Warn("failed to record start request",
					slog.String("request_id", req.RequestID),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	if existingRunID != "" {
		return &rpc.StartWorkflowResponse{RunID: existingRunID, Started: false}, nil
	}

	s.recordStarted(ctx, key, req.Workflow)
	s.dispatchDecisionTask(ctx, key, scheduledEventID, 1)

	s.logger.Info("workflow execution started",
		slog.String("namespace", key.Namespace),
		slog.String("workflow_id", key.WorkflowID),
		slog.String("run_id", key.RunID),
	)
	return &rpc.StartWorkflowResponse{RunID: key.RunID, Started: true}, nil
}

func (s *Service) GetHistory(ctx context.Context, req *rpc.GetHistoryRequest) (*rpc.GetHistoryResponse, error) {
	firstEventID := req.FirstEventID
	if firstEventID <= 0 {
		firstEventID = 1
	}
	lastEventID := req.LastEventID
	if lastEventID <= 0 {
		lastEventID = int64(1<<62 - 1)
	}

	events, err := s.eventStore.GetEvents(ctx, req.Key, firstEventID, lastEventID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if len(events) == 0 {
		if _, err := s.stateStore.GetMutableState(ctx, req.Key); err != nil {
			return nil, mapStoreError(err)
		}
	}
	if len(events) > longHistoryWarnThreshold {
		s.logger.Warn("long execution history",
			slog.String("run_id", req.Key.RunID),
			slog.Int("events", len(events)),
		)
	}
	return &rpc.GetHistoryResponse{Events: events}, nil
}

func (s *Service) DescribeExecution(ctx context.Context, req *rpc.DescribeExecutionRequest) (*rpc.DescribeExecutionResponse, error) {
	state, err := s.stateStore.GetMutableState(ctx, req.Key)
	if err != nil {
		return nil, mapStoreError(err)
	}
	count, err := s.eventStore.GetEventCount(ctx, req.Key)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &rpc.DescribeExecutionResponse{
		Info:          state.ExecutionInfo,
		HistoryLength: count,
	}, nil
}

func (s *Service) ListExecutions(ctx context.Context, req *rpc.ListExecutionsRequest) (*rpc.ListExecutionsResponse, error) {
	if s.visibilityStore == nil {
		return &rpc.ListExecutionsResponse{}, nil
	}
	resp, err := s.visibilityStore.ListExecutions(ctx, &visibility.ListRequest{
		Namespace:  req.Namespace,
		WorkflowID: req.WorkflowID,
		Status:     req.Status,
		PageSize:   req.PageSize,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, err
	}
	return &rpc.ListExecutionsResponse{Executions: resp.Executions}, nil
}

// RecordDecisionTaskStarted marks the in-flight decision task started and
// hands back the full history for replay. Restarting an already-started
// task is allowed: matching redelivers tasks whose worker died.
func (s *Service) RecordDecisionTaskStarted(ctx context.Context, req *rpc.RecordDecisionTaskStartedRequest) (*rpc.RecordDecisionTaskStartedResponse, error) {
	var startedEventID int64
	err := s.withExecutionLock(req.Key, func(sh *shard.Shard) error {
		state, err := s.stateStore.GetMutableState(ctx, req.Key)
		if err != nil {
			return err
		}
		if !state.IsRunning() {
			return engine.ErrExecutionClosed
		}
		if state.Decision.ScheduledEventID != req.ScheduledEventID {
			return fmt.Errorf("%w: stale decision task %d", rpc.ErrNotFound, req.ScheduledEventID)
		}
		if state.Decision.StartedEventID != 0 {
			startedEventID = state.Decision.StartedEventID
			return nil
		}

		started := s.historyEngine.NewEvent(state, types.EventTypeDecisionTaskStarted, &types.DecisionTaskStartedAttributes{
			ScheduledEventID: req.ScheduledEventID,
			WorkerIdentity:   req.Identity,
		})
		if err := s.historyEngine.ProcessEvent(state, started); err != nil {
			return err
		}
		startedEventID = started.EventID
		return s.commit(ctx, req.Key, state, []*types.HistoryEvent{started})
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	history, err := s.GetHistory(ctx, &rpc.GetHistoryRequest{Key: req.Key})
	if err != nil {
		return nil, err
	}
	return &rpc.RecordDecisionTaskStartedResponse{
		StartedEventID: startedEventID,
		Events:         history.Events,
	}, nil
}

// RespondDecisionTaskCompleted applies the decider's commands in order,
// then schedules a follow-up round if completions arrived while this one
// was in flight.
func (s *Service) RespondDecisionTaskCompleted(ctx context.Context, req *rpc.RespondDecisionTaskCompletedRequest) error {
	start := time.Now()
	defer func() { s.metrics.RecordServiceLatency("RespondDecisionTaskCompleted", time.Since(start)) }()

	var (
		activityEvents []*types.HistoryEvent
		timerStarts    []*types.TimerStartedAttributes
		timerCancels   []string
		followUpID     int64
		closedRecord   *visibility.ExecutionRecord
		deterministic  *types.DeterministicContext
	)

	err := s.withExecutionLock(req.Key, func(sh *shard.Shard) error {
		activityEvents = nil
		timerStarts = nil
		timerCancels = nil
		followUpID = 0
		closedRecord = nil
		deterministic = nil

		state, err := s.stateStore.GetMutableState(ctx, req.Key)
		if err != nil {
			return err
		}
		if !state.IsRunning() {
			return engine.ErrExecutionClosed
		}
		deterministic = state.ExecutionInfo.Deterministic
		if state.Decision.ScheduledEventID != req.ScheduledEventID {
			return fmt.Errorf("%w: stale decision task %d", rpc.ErrNotFound, req.ScheduledEventID)
		}
		wasPending := state.Decision.Pending

		var newEvents []*types.HistoryEvent
		appendEvent := func(eventType types.EventType, attrs any) (*types.HistoryEvent, error) {
			event := s.historyEngine.NewEvent(state, eventType, attrs)
			if err := s.historyEngine.ProcessEvent(state, event); err != nil {
				return nil, err
			}
			newEvents = append(newEvents, event)
			return event, nil
		}

		if _, err := appendEvent(types.EventTypeDecisionTaskCompleted, &types.DecisionTaskCompletedAttributes{
			ScheduledEventID: req.ScheduledEventID,
			StartedEventID:   req.StartedEventID,
			WorkerIdentity:   req.Identity,
		}); err != nil {
			return err
		}

		terminal := false
		for _, cmd := range req.Commands {
			if terminal {
				s.logger.Warn("ignoring command after terminal command", slog.String("type", cmd.Type.String()))
				break
			}
			switch cmd.Type {
			case types.CommandTypeScheduleActivityTask:
				attrs := cmd.ScheduleActivity
				if attrs == nil {
					return fmt.Errorf("%w: ScheduleActivityTask command missing attributes", rpc.ErrConflict)
				}
				event, err := appendEvent(types.EventTypeNodeScheduled, &types.NodeScheduledAttributes{
					NodeID:    attrs.NodeID,
					NodeType:  attrs.NodeType,
					Config:    attrs.Config,
					Input:     attrs.Input,
					Retry:     attrs.Retry,
					Timeout:   attrs.Timeout,
					TaskQueue: rpc.ActivityTaskQueue,
				})
				if err != nil {
					return err
				}
				activityEvents = append(activityEvents, event)

			case types.CommandTypeStartTimer:
				attrs := cmd.StartTimer
				if attrs == nil {
					return fmt.Errorf("%w: StartTimer command missing attributes", rpc.ErrConflict)
				}
				timerAttrs := &types.TimerStartedAttributes{
					TimerID:  attrs.TimerID,
					NodeID:   attrs.NodeID,
					FireTime: attrs.FireTime,
				}
				if _, err := appendEvent(types.EventTypeTimerStarted, timerAttrs); err != nil {
					if errors.Is(err, engine.ErrDuplicateTimer) {
						// Replay of a round that already started this timer.
						continue
					}
					return err
				}
				timerStarts = append(timerStarts, timerAttrs)

			case types.CommandTypeCancelTimer:
				attrs := cmd.CancelTimer
				if attrs == nil {
					return fmt.Errorf("%w: CancelTimer command missing attributes", rpc.ErrConflict)
				}
				info, exists := state.PendingTimers[attrs.TimerID]
				if !exists {
					continue
				}
				if _, err := appendEvent(types.EventTypeTimerCancelled, &types.TimerCancelledAttributes{
					TimerID:          attrs.TimerID,
					ScheduledEventID: info.StartedEventID,
				}); err != nil {
					return err
				}
				timerCancels = append(timerCancels, attrs.TimerID)

			case types.CommandTypeCompleteWorkflowExecution:
				attrs := cmd.CompleteWorkflow
				if attrs == nil {
					return fmt.Errorf("%w: CompleteWorkflowExecution command missing attributes", rpc.ErrConflict)
				}
				result := attrs.Result
				if result == "" {
					result = types.CompletionResultCompleted
				}
				if _, err := appendEvent(types.EventTypeWorkflowCompleted, &types.WorkflowCompletedAttributes{
					Result:      result,
					Output:      attrs.Output,
					FailedNodes: attrs.FailedNodes,
				}); err != nil {
					return err
				}
				terminal = true
				closedRecord = s.closedRecord(state, result)

			case types.CommandTypeFailWorkflowExecution:
				attrs := cmd.FailWorkflow
				if attrs == nil {
					return fmt.Errorf("%w: FailWorkflowExecution command missing attributes", rpc.ErrConflict)
				}
				if _, err := appendEvent(types.EventTypeWorkflowFailed, &types.WorkflowFailedAttributes{
					Failure:    attrs.Failure,
					FailedNode: attrs.FailedNode,
				}); err != nil {
					return err
				}
				terminal = true
				closedRecord = s.closedRecord(state, "")

			default:
				return fmt.Errorf("%w: unknown command type %d", rpc.ErrConflict, cmd.Type)
			}
		}

		// Completions that arrived during this round need another one.
		if !terminal && wasPending {
			state.Decision.Pending = false
			event, err := appendEvent(types.EventTypeDecisionTaskScheduled, &types.DecisionTaskScheduledAttributes{
				TaskQueue: rpc.DecisionTaskQueue,
				Attempt:   1,
			})
			if err != nil {
				return err
			}
			followUpID = event.EventID
		}

		return s.commit(ctx, req.Key, state, newEvents)
	})
	if err != nil {
		return mapStoreError(err)
	}

	for _, event := range activityEvents {
		s.dispatchActivityTask(ctx, req.Key, event, deterministic)
	}
	for _, attrs := range timerStarts {
		s.scheduleTimer(ctx, req.Key, attrs)
	}
	for _, timerID := range timerCancels {
		s.cancelTimer(ctx, req.Key, timerID)
	}
	if followUpID != 0 {
		s.dispatchDecisionTask(ctx, req.Key, followUpID, 1)
	}
	if closedRecord != nil {
		s.recordClosed(ctx, closedRecord)
	}
	return nil
}

func (s *Service) RespondActivityTaskCompleted(ctx context.Context, req *rpc.RespondActivityTaskCompletedRequest) error {
	return s.recordNodeClosure(ctx, req.Key, func(state *engine.MutableState) (*types.HistoryEvent, bool) {
		if _, pending := state.PendingNodes[req.ScheduledEventID]; !pending {
			// Duplicate delivery of a completion already recorded.
			return nil, false
		}
		return s.historyEngine.NewEvent(state, types.EventTypeNodeCompleted, &types.NodeCompletedAttributes{
			ScheduledEventID:  req.ScheduledEventID,
			Output:            req.Output,
			Metadata:          req.Metadata,
			ConnectorAttempts: req.ConnectorAttempts,
			Fixtures:          req.Fixtures,
			Attempt:           req.Attempt,
		}), true
	})
}

func (s *Service) RespondActivityTaskFailed(ctx context.Context, req *rpc.RespondActivityTaskFailedRequest) error {
	return s.recordNodeClosure(ctx, req.Key, func(state *engine.MutableState) (*types.HistoryEvent, bool) {
		if _, pending := state.PendingNodes[req.ScheduledEventID]; !pending {
			return nil, false
		}
		if req.TimedOut {
			return s.historyEngine.NewEvent(state, types.EventTypeNodeTimedOut, &types.NodeTimedOutAttributes{
				ScheduledEventID: req.ScheduledEventID,
				Attempt:          req.Attempt,
			}), true
		}
		failure := req.Failure
		if failure == nil {
			failure = &types.ExecutionFailure{Type: "RETRYABLE", Message: "activity failed"}
		}
		return s.historyEngine.NewEvent(state, types.EventTypeNodeFailed, &types.NodeFailedAttributes{
			ScheduledEventID:  req.ScheduledEventID,
			Failure:           failure,
			ConnectorAttempts: req.ConnectorAttempts,
			Attempt:           req.Attempt,
		}), true
	})
}

// RecordTimerFired appends TimerFired exactly once per timer. Duplicate
// fires from a redelivering timer service are dropped.
func (s *Service) RecordTimerFired(ctx context.Context, req *rpc.RecordTimerFiredRequest) error {
	return s.recordNodeClosure(ctx, req.Key, func(state *engine.MutableState) (*types.HistoryEvent, bool) {
		if state.FiredTimers[req.TimerID] {
			return nil, false
		}
		info, pending := state.PendingTimers[req.TimerID]
		if !pending {
			return nil, false
		}
		return s.historyEngine.NewEvent(state, types.EventTypeTimerFired, &types.TimerFiredAttributes{
			TimerID:          req.TimerID,
			ScheduledEventID: info.StartedEventID,
		}), true
	})
}

func (s *Service) SignalWorkflow(ctx context.Context, req *rpc.SignalWorkflowRequest) error {
	return s.recordNodeClosure(ctx, req.Key, func(state *engine.MutableState) (*types.HistoryEvent, bool) {
		return s.historyEngine.NewEvent(state, types.EventTypeSignalReceived, &types.SignalReceivedAttributes{
			SignalName: req.SignalName,
			Input:      req.Input,
			RequestID:  req.RequestID,
		}), true
	})
}

// CancelWorkflow closes the execution and cancels its pending timers.
// Cancelling an already-closed execution is a no-op.
func (s *Service) CancelWorkflow(ctx context.Context, req *rpc.CancelWorkflowRequest) error {
	var (
		timerCancels []string
		closedRecord *visibility.ExecutionRecord
	)

	err := s.withExecutionLock(req.Key, func(sh *shard.Shard) error {
		timerCancels = nil
		closedRecord = nil

		state, err := s.stateStore.GetMutableState(ctx, req.Key)
		if err != nil {
			return err
		}
		if !state.IsRunning() {
			return nil
		}

		for timerID := range state.PendingTimers {
			timerCancels = append(timerCancels, timerID)
		}

		event := s.historyEngine.NewEvent(state, types.EventTypeWorkflowCancelled, &types.WorkflowCancelledAttributes{
			Reason:    req.Reason,
			RequestID: req.RequestID,
		})
		if err := s.historyEngine.ProcessEvent(state, event); err != nil {
			return err
		}
		closedRecord = s.closedRecord(state, "")
		return s.commit(ctx, req.Key, state, []*types.HistoryEvent{event})
	})
	if err != nil {
		return mapStoreError(err)
	}

	for _, timerID := range timerCancels {
		s.cancelTimer(ctx, req.Key, timerID)
	}
	if closedRecord != nil {
		s.recordClosed(ctx, closedRecord)
	}
	return nil
}

// recordNodeClosure is the shared path for completion-style events: append
// the event if the build function produces one, then guarantee a decision
// round sees it. Events against closed executions are dropped (a cancel
// can race a completion).
func (s *Service) recordNodeClosure(ctx context.Context, key types.ExecutionKey, build func(*engine.MutableState) (*types.HistoryEvent, bool)) error {
	var decisionID int64

	err := s.withExecutionLock(key, func(sh *shard.Shard) error {
		decisionID = 0

		state, err := s.stateStore.GetMutableState(ctx, key)
		if err != nil {
			return err
		}
		if !state.IsRunning() {
			s.logger.Debug("dropping event for closed execution", slog.String("run_id", key.RunID))
			return nil
		}

		event, ok := build(state)
		if !ok {
			return nil
		}
		if err := s.historyEngine.ProcessEvent(state, event); err != nil {
			return err
		}
		newEvents := []*types.HistoryEvent{event}

		if state.HasInFlightDecision() {
			state.Decision.Pending = true
		} else {
			decision := s.historyEngine.NewEvent(state, types.EventTypeDecisionTaskScheduled, &types.DecisionTaskScheduledAttributes{
				TaskQueue: rpc.DecisionTaskQueue,
				Attempt:   1,
			})
			if err := s.historyEngine.ProcessEvent(state, decision); err != nil {
				return err
			}
			newEvents = append(newEvents, decision)
			decisionID = decision.EventID
		}

		return s.commit(ctx, key, state, newEvents)
	})
	if err != nil {
		return mapStoreError(err)
	}

	if decisionID != 0 {
		s.dispatchDecisionTask(ctx, key, decisionID, 1)
	}
	return nil
}

// commit persists new events conditionally on the previous last event ID,
// then swaps the state row on its version.
func (s *Service) commit(ctx context.Context, key types.ExecutionKey, state *engine.MutableState, newEvents []*types.HistoryEvent) error {
	if len(newEvents) == 0 {
		return nil
	}
	expectedLastEventID := newEvents[0].EventID - 1
	if err := s.eventStore.AppendEvents(ctx, key, newEvents, expectedLastEventID); err != nil {
		return err
	}
	if err := s.stateStore.UpdateMutableState(ctx, key, state, state.DBVersion); err != nil {
		return err
	}
	for _, event := range newEvents {
		s.metrics.RecordEventAppended(event.EventType)
	}
	return nil
}

func (s *Service) withExecutionLock(key types.ExecutionKey, fn func(*shard.Shard) error) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return ErrServiceNotRunning
	}

	sh, err := s.shardController.ShardForExecution(key)
	if err != nil {
		return err
	}
	sh.Lock()
	defer sh.Unlock()
	return fn(sh)
}

func (s *Service) dispatchDecisionTask(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, attempt int32) {
	if s.matchingClient == nil {
		return
	}
	task := &rpc.Task{
		ID:               fmt.Sprintf("%s:%d", key.RunID, scheduledEventID),
		Type:             rpc.TaskTypeDecision,
		Queue:            rpc.DecisionTaskQueue,
		Namespace:        key.Namespace,
		WorkflowID:       key.WorkflowID,
		RunID:            key.RunID,
		ScheduledEventID: scheduledEventID,
		Attempt:          attempt,
		ScheduledTime:    time.Now().UTC(),
	}
	if err := s.matchingClient.AddTask(ctx, &rpc.AddTaskRequest{Task: task}); err != nil {
		s.logger.Error("failed to dispatch decision task",
			slog.String("run_id", key.RunID),
			slog.Int64("scheduled_event_id", scheduledEventID),
			slog.String("error", err.Error()),
		)
	}
}

// dispatchActivityTask hands a scheduled node to matching. The execution's
// deterministic context rides along so replay runs serve fixtures instead
// of calling out.
func (s *Service) dispatchActivityTask(ctx context.Context, key types.ExecutionKey, event *types.HistoryEvent, deterministic *types.DeterministicContext) {
	if s.matchingClient == nil {
		return
	}
	attrs, ok := event.Attributes.(*types.NodeScheduledAttributes)
	if !ok {
		return
	}
	payload, err := rpc.MarshalActivityTaskData(&rpc.ActivityTaskData{
		NodeID:        attrs.NodeID,
		NodeType:      attrs.NodeType,
		Config:        attrs.Config,
		Input:         attrs.Input,
		Retry:         attrs.Retry,
		Timeout:       attrs.Timeout,
		Deterministic: deterministic,
	})
	if err != nil {
		s.logger.Error("failed to marshal activity task data", slog.String("error", err.Error()))
		return
	}
	task := &rpc.Task{
		ID:               fmt.Sprintf("%s:%d", key.RunID, event.EventID),
		Type:             rpc.TaskTypeActivity,
		Queue:            rpc.ActivityTaskQueue,
		Namespace:        key.Namespace,
		WorkflowID:       key.WorkflowID,
		RunID:            key.RunID,
		ScheduledEventID: event.EventID,
		Attempt:          1,
		Payload:          payload,
		ScheduledTime:    time.Now().UTC(),
	}
	if err := s.matchingClient.AddTask(ctx, &rpc.AddTaskRequest{Task: task}); err != nil {
		s.logger.Error("failed to dispatch activity task",
			slog.String("run_id", key.RunID),
			slog.String("node_id", attrs.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) scheduleTimer(ctx context.Context, key types.ExecutionKey, attrs *types.TimerStartedAttributes) {
	if s.timerClient == nil {
		return
	}
	err := s.timerClient.ScheduleTimer(ctx, &rpc.ScheduleTimerRequest{
		Key:      key,
		TimerID:  attrs.TimerID,
		NodeID:   attrs.NodeID,
		FireTime: attrs.FireTime,
	})
	if err != nil {
		s.logger.Error("failed to schedule timer",
			slog.String("timer_id", attrs.TimerID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) cancelTimer(ctx context.Context, key types.ExecutionKey, timerID string) {
	if s.timerClient == nil {
		return
	}
	err := s.timerClient.CancelTimer(ctx, &rpc.CancelTimerRequest{
		Key:     key,
		TimerID: timerID,
	})
	if err != nil {
		s.logger.Warn("failed to cancel timer",
			slog.String("timer_id", timerID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) recordStarted(ctx context.Context, key types.ExecutionKey, workflow *types.Workflow) {
	if s.visibilityStore == nil {
		return
	}
	record := &visibility.ExecutionRecord{
		Key:       key,
		Status:    types.ExecutionStatusRunning,
		StartTime: time.Now().UTC(),
	}
	if workflow != nil {
		record.WorkflowName = workflow.Name
	}
	if err := s.visibilityStore.RecordExecutionStarted(ctx, record); err != nil {
		s.logger.Warn("failed to record visibility start", slog.String("error", err.Error()))
	}
}

func (s *Service) closedRecord(state *engine.MutableState, result string) *visibility.ExecutionRecord {
	info := state.ExecutionInfo
	return &visibility.ExecutionRecord{
		Key:           info.Key,
		WorkflowName:  info.WorkflowName,
		Status:        info.Status,
		Result:        result,
		StartTime:     info.StartTime,
		CloseTime:     info.CloseTime,
		HistoryLength: state.NextEventID - 1,
	}
}

func (s *Service) recordClosed(ctx context.Context, record *visibility.ExecutionRecord) {
	if s.visibilityStore == nil {
		return
	}
	if err := s.visibilityStore.RecordExecutionClosed(ctx, record); err != nil {
		s.logger.Warn("failed to record visibility close", slog.String("error", err.Error()))
	}
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrExecutionNotFound):
		return fmt.Errorf("%w: %s", rpc.ErrNotFound, err)
	case errors.Is(err, store.ErrEventConflict), errors.Is(err, store.ErrStateConflict):
		return fmt.Errorf("%w: %s", rpc.ErrConflict, err)
	case errors.Is(err, engine.ErrExecutionClosed):
		return rpc.ErrExecutionClosed
	}
	return err
}

func validateWorkflow(workflow *types.Workflow) error {
	if workflow == nil || len(workflow.Nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", ErrInvalidWorkflow)
	}
	seen := make(map[string]bool, len(workflow.Nodes))
	for i := range workflow.Nodes {
		node := &workflow.Nodes[i]
		if node.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidWorkflow, i)
		}
		if seen[node.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidWorkflow, node.ID)
		}
		seen[node.ID] = true
		switch node.OnError {
		case "", types.OnErrorStop, types.OnErrorContinue:
		default:
			return fmt.Errorf("%w: node %q has invalid on_error %q", ErrInvalidWorkflow, node.ID, node.OnError)
		}
	}
	for _, edge := range workflow.Edges {
		if !seen[edge.Source] {
			return fmt.Errorf("%w: edge references unknown source %q", ErrInvalidWorkflow, edge.Source)
		}
		if !seen[edge.Target] {
			return fmt.Errorf("%w: edge references unknown target %q", ErrInvalidWorkflow, edge.Target)
		}
	}
	return nil
}
