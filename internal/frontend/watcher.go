package frontend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/frontend/callback"
	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/livestream"
	"github.com/linkflow/execplane/internal/rpc"
)

// WatcherConfig tunes how tracked executions are observed.
type WatcherConfig struct {
	// PollInterval is how often DescribeExecution is checked for a
	// terminal status.
	PollInterval time.Duration
	// WatchTimeout abandons a watch that never terminates. The execution
	// itself is unaffected; only the callback is dropped.
	WatchTimeout time.Duration
	Logger       *slog.Logger
}

func (c *WatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher follows every execution the consumer starts: it relays live node
// transitions as progress callbacks and, when the execution closes, builds
// the terminal result from history and delivers it. The frontend keeps no
// durable state; everything here is reconstructed from history on demand.
type Watcher struct {
	history  rpc.HistoryAPI
	redis    redis.UniversalClient
	callback *callback.Client
	cfg      WatcherConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(history rpc.HistoryAPI, rdb redis.UniversalClient, cb *callback.Client, cfg WatcherConfig) *Watcher {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		history:  history,
		redis:    rdb,
		callback: cb,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Track starts following one execution. Implements Tracker.
func (w *Watcher) Track(key types.ExecutionKey, job *JobEnvelope) {
	delivery := callback.Delivery{
		JobID:       job.JobID,
		Token:       job.CallbackToken,
		CallbackURL: job.CallbackURL,
		ProgressURL: job.ProgressURL,
	}
	executionID := job.ExecutionID
	totalNodes := len(job.Workflow.Nodes)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.WatchTimeout)
		defer cancel()
		w.watch(ctx, key, delivery, executionID, totalNodes)
	}()
}

func (w *Watcher) watch(ctx context.Context, key types.ExecutionKey, delivery callback.Delivery, executionID string, totalNodes int) {
	w.callback.SendProgress(ctx, delivery, &callback.ProgressPayload{
		JobID:       delivery.JobID,
		ExecutionID: executionID,
		RunID:       key.RunID,
		Event:       callback.EventExecutionStarted,
		TotalNodes:  totalNodes,
		Timestamp:   time.Now().UTC(),
	})

	progressDone := w.relayProgress(ctx, key, delivery, executionID, totalNodes)

	status := w.awaitTerminal(ctx, key)
	if progressDone != nil {
		progressDone()
	}
	if status == types.ExecutionStatusUnspecified {
		w.cfg.Logger.Warn("gave up watching execution", "execution", key.String(), "job_id", delivery.JobID)
		return
	}

	payload, err := w.buildResult(ctx, key, delivery.JobID, executionID, status)
	if err != nil {
		w.cfg.Logger.Error("build terminal callback failed",
			"execution", key.String(), "job_id", delivery.JobID, "error", err)
		return
	}
	// Delivery context detached from the watch: a timeout that fired while
	// the run was finishing must not also eat the callback.
	sendCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := w.callback.SendResult(sendCtx, delivery, payload); err != nil {
		w.cfg.Logger.Error("terminal callback failed",
			"execution", key.String(), "job_id", delivery.JobID, "error", err)
	}
}

// relayProgress forwards livestream node transitions to the progress
// endpoint. Returns a stop function, or nil when no pub/sub is available.
func (w *Watcher) relayProgress(ctx context.Context, key types.ExecutionKey, delivery callback.Delivery, executionID string, totalNodes int) func() {
	if w.redis == nil {
		return nil
	}
	sub, err := livestream.Subscribe(ctx, w.redis, key)
	if err != nil {
		w.cfg.Logger.Warn("livestream subscribe failed", "execution", key.String(), "error", err)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		completed := 0
		for event := range sub.Events() {
			progressEvent := progressEventName(event.Type)
			if progressEvent == "" {
				continue
			}
			if event.Type == "node_completed" {
				completed++
			}
			payload := &callback.ProgressPayload{
				JobID:          delivery.JobID,
				ExecutionID:    executionID,
				RunID:          key.RunID,
				Event:          progressEvent,
				NodeID:         event.NodeID,
				Status:         event.Status,
				Detail:         event.Detail,
				CompletedNodes: completed,
				TotalNodes:     totalNodes,
				Timestamp:      event.Timestamp,
			}
			if totalNodes > 0 {
				payload.Percent = float64(completed) / float64(totalNodes) * 100
			}
			w.callback.SendProgress(ctx, delivery, payload)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

// awaitTerminal polls until the execution closes. Returns Unspecified when
// the watch context expires first.
func (w *Watcher) awaitTerminal(ctx context.Context, key types.ExecutionKey) types.ExecutionStatus {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		desc, err := w.history.DescribeExecution(ctx, &rpc.DescribeExecutionRequest{Key: key})
		if err == nil && desc.Info.Status.IsTerminal() {
			return desc.Info.Status
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return types.ExecutionStatusUnspecified
		}
	}
}

// buildResult reduces the full history into the terminal callback payload.
func (w *Watcher) buildResult(ctx context.Context, key types.ExecutionKey, jobID, executionID string, status types.ExecutionStatus) (*callback.ResultPayload, error) {
	resp, err := w.history.GetHistory(ctx, &rpc.GetHistoryRequest{Key: key})
	if err != nil {
		return nil, err
	}

	payload := &callback.ResultPayload{
		JobID:       jobID,
		ExecutionID: executionID,
		Namespace:   key.Namespace,
		WorkflowID:  key.WorkflowID,
		RunID:       key.RunID,
		Status:      status.String(),
		FinishedAt:  time.Now().UTC(),
	}
	summarizeHistory(resp.Events, payload)
	return payload, nil
}

// summarizeHistory folds history events into per-node outcomes plus the
// workflow-level result fields.
func summarizeHistory(events []*types.HistoryEvent, payload *callback.ResultPayload) {
	byScheduledID := make(map[int64]*callback.NodeOutcome)
	scheduledAt := make(map[int64]time.Time)
	var order []*callback.NodeOutcome
	var start, finish time.Time

	for _, event := range events {
		switch attrs := event.Attributes.(type) {
		case *types.ExecutionStartedAttributes:
			start = event.Timestamp
		case *types.NodeScheduledAttributes:
			outcome := &callback.NodeOutcome{
				NodeID:   attrs.NodeID,
				NodeType: attrs.NodeType,
				Status:   "scheduled",
			}
			byScheduledID[event.EventID] = outcome
			scheduledAt[event.EventID] = event.Timestamp
			order = append(order, outcome)
		case *types.NodeStartedAttributes:
			if outcome := byScheduledID[attrs.ScheduledEventID]; outcome != nil {
				outcome.Status = "running"
				outcome.Attempts = attrs.Attempt
			}
		case *types.NodeCompletedAttributes:
			if outcome := byScheduledID[attrs.ScheduledEventID]; outcome != nil {
				outcome.Status = "completed"
				outcome.Output = attrs.Output
				outcome.Attempts = attrs.Attempt
				outcome.DurationMS = event.Timestamp.Sub(scheduledAt[attrs.ScheduledEventID]).Milliseconds()
			}
			payload.ConnectorAttempts = append(payload.ConnectorAttempts, attrs.ConnectorAttempts...)
			payload.Fixtures = append(payload.Fixtures, attrs.Fixtures...)
		case *types.NodeFailedAttributes:
			if outcome := byScheduledID[attrs.ScheduledEventID]; outcome != nil {
				outcome.Status = "failed"
				outcome.Error = attrs.Failure
				outcome.Attempts = attrs.Attempt
				outcome.DurationMS = event.Timestamp.Sub(scheduledAt[attrs.ScheduledEventID]).Milliseconds()
			}
			payload.ConnectorAttempts = append(payload.ConnectorAttempts, attrs.ConnectorAttempts...)
		case *types.NodeTimedOutAttributes:
			if outcome := byScheduledID[attrs.ScheduledEventID]; outcome != nil {
				outcome.Status = "failed"
				outcome.Error = &types.ExecutionFailure{
					Type:    "TIMEOUT",
					Message: "node timed out after " + attrs.Timeout.Std().String(),
				}
				outcome.Attempts = attrs.Attempt
			}
		case *types.WorkflowCompletedAttributes:
			payload.Result = attrs.Result
			payload.Output = attrs.Output
			payload.FailedNodes = attrs.FailedNodes
			finish = event.Timestamp
		case *types.WorkflowFailedAttributes:
			payload.Error = attrs.Failure
			if attrs.FailedNode != "" {
				payload.FailedNodes = []string{attrs.FailedNode}
			}
			finish = event.Timestamp
		case *types.WorkflowCancelledAttributes:
			if attrs.Reason != "" {
				payload.Error = &types.ExecutionFailure{Type: "CANCELLED", Message: attrs.Reason}
			}
			finish = event.Timestamp
		}
	}

	payload.Nodes = make([]callback.NodeOutcome, len(order))
	for i, outcome := range order {
		payload.Nodes[i] = *outcome
	}
	if !start.IsZero() && !finish.IsZero() {
		payload.DurationMS = finish.Sub(start).Milliseconds()
		payload.FinishedAt = finish
	}
}

func progressEventName(livestreamType string) string {
	switch livestreamType {
	case "node_started":
		return callback.EventNodeStarted
	case "node_completed":
		return callback.EventNodeCompleted
	case "node_failed":
		return callback.EventNodeFailed
	default:
		return ""
	}
}
