package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/rpc"
)

// Job stream layout. The control plane hashes workflow_id onto a partition
// so deliveries for one workflow stay ordered.
const (
	jobStreamPattern = "linkflow:jobs:partition:%d"
	jobPayloadField  = "payload"
	deadLetterStream = "linkflow:jobs:dlq"
)

// JobStream returns the stream key for one partition.
func JobStream(partition int) string {
	return fmt.Sprintf(jobStreamPattern, partition)
}

// PartitionFor maps a workflow ID onto a partition with a stable hash.
func PartitionFor(workflowID string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return int(h.Sum32() % uint32(partitions))
}

// deadLetter is what lands on the DLQ stream when an envelope is given up on.
type deadLetter struct {
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	Partition int             `json:"partition"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Tracker is notified when an envelope successfully starts an execution, so
// progress and terminal callbacks can be driven for it.
type Tracker interface {
	Track(key types.ExecutionKey, job *JobEnvelope)
}

// Metrics counts consumed envelopes by outcome. Optional.
type Metrics interface {
	RecordJob(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordJob(string) {}

// ConsumerConfig tunes the job stream consumer.
type ConsumerConfig struct {
	Group    string
	Consumer string
	// Partitions is the number of job streams to read. Must match the
	// producer side.
	Partitions int
	// BlockTimeout bounds each XREADGROUP long poll.
	BlockTimeout time.Duration
	// ClaimIdle is how long a pending entry may sit unacked on a dead
	// consumer before another consumer reclaims it.
	ClaimIdle time.Duration
	// MaxDeliveries dead-letters an entry after this many redeliveries.
	MaxDeliveries int64
	// StartRetries bounds StartWorkflow attempts before dead-lettering.
	StartRetries int
	Metrics      Metrics
	Logger       *slog.Logger
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Group == "" {
		c.Group = "execplane-ingress"
	}
	if c.Consumer == "" {
		c.Consumer = "frontend-1"
	}
	if c.Partitions <= 0 {
		c.Partitions = 16
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.StartRetries <= 0 {
		c.StartRetries = 3
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Consumer reads job envelopes off the partitioned streams and turns each
// one into a workflow execution. Delivery is at least once; StartWorkflow's
// request-ID idempotency absorbs the duplicates.
type Consumer struct {
	redis   redis.UniversalClient
	history rpc.HistoryAPI
	tracker Tracker
	cfg     ConsumerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(rdb redis.UniversalClient, history rpc.HistoryAPI, tracker Tracker, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{redis: rdb, history: history, tracker: tracker, cfg: cfg}
}

// Start creates the consumer group on every partition and begins reading.
func (c *Consumer) Start(ctx context.Context) error {
	for p := 0; p < c.cfg.Partitions; p++ {
		err := c.redis.XGroupCreateMkStream(ctx, JobStream(p), c.cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create consumer group on partition %d: %w", p, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for p := 0; p < c.cfg.Partitions; p++ {
		c.wg.Add(1)
		go c.partitionLoop(runCtx, p)
	}
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) partitionLoop(ctx context.Context, partition int) {
	defer c.wg.Done()
	stream := JobStream(partition)
	lastClaim := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= c.cfg.ClaimIdle {
			c.reclaimStale(ctx, stream, partition)
			lastClaim = time.Now()
		}

		res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.cfg.Logger.Error("job stream read failed", "stream", stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				c.handleMessage(ctx, stream, partition, msg)
			}
		}
	}
}

// reclaimStale picks up entries a crashed consumer left pending. Entries
// past the redelivery budget go to the DLQ instead of looping forever.
func (c *Consumer) reclaimStale(ctx context.Context, stream string, partition int) {
	pending, err := c.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	for _, entry := range pending {
		claimed, err := c.redis.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		msg := claimed[0]
		if entry.RetryCount >= c.cfg.MaxDeliveries {
			c.deadLetterMessage(ctx, stream, partition, msg,
				fmt.Sprintf("gave up after %d deliveries", entry.RetryCount))
			continue
		}
		c.handleMessage(ctx, stream, partition, msg)
	}
}

func (c *Consumer) handleMessage(ctx context.Context, stream string, partition int, msg redis.XMessage) {
	raw, ok := msg.Values[jobPayloadField].(string)
	if !ok {
		c.deadLetterMessage(ctx, stream, partition, msg, "missing payload field")
		return
	}

	var job JobEnvelope
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.deadLetterMessage(ctx, stream, partition, msg, "malformed envelope: "+err.Error())
		return
	}
	if err := job.Validate(); err != nil {
		c.deadLetterMessage(ctx, stream, partition, msg, err.Error())
		return
	}

	if err := c.startWorkflow(ctx, &job); err != nil {
		c.deadLetterMessage(ctx, stream, partition, msg, "start workflow: "+err.Error())
		return
	}
	c.cfg.Metrics.RecordJob("started")
	c.ack(ctx, stream, msg.ID)
}

// startWorkflow starts the execution with bounded retries. The job ID is
// the request ID, so a redelivery that races a slow first attempt attaches
// to the run that attempt created.
func (c *Consumer) startWorkflow(ctx context.Context, job *JobEnvelope) error {
	req := &rpc.StartWorkflowRequest{
		Namespace:     job.ResolvedNamespace(),
		WorkflowID:    job.Workflow.ID,
		RequestID:     job.JobID,
		Workflow:      job.Workflow,
		Input:         job.input(),
		Deterministic: job.Deterministic,
		DefaultRetry:  job.DefaultRetry,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.StartRetries; attempt++ {
		resp, err := c.history.StartWorkflow(ctx, req)
		if err == nil {
			key := types.ExecutionKey{
				Namespace:  req.Namespace,
				WorkflowID: req.WorkflowID,
				RunID:      resp.RunID,
			}
			c.cfg.Logger.Info("job started",
				"job_id", job.JobID, "execution", key.String(), "new_run", resp.Started)
			if c.tracker != nil {
				c.tracker.Track(key, job)
			}
			return nil
		}
		lastErr = err
		c.cfg.Logger.Warn("start workflow failed",
			"job_id", job.JobID, "attempt", attempt, "error", err)
		if attempt < c.cfg.StartRetries {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (c *Consumer) deadLetterMessage(ctx context.Context, stream string, partition int, msg redis.XMessage, reason string) {
	entry := deadLetter{
		Reason:    reason,
		Partition: partition,
		FailedAt:  time.Now().UTC(),
	}
	if raw, ok := msg.Values[jobPayloadField].(string); ok {
		entry.Payload = json.RawMessage(raw)
		var probe struct {
			JobID string `json:"job_id"`
		}
		if json.Unmarshal([]byte(raw), &probe) == nil {
			entry.JobID = probe.JobID
		}
	}

	body, err := json.Marshal(entry)
	if err == nil {
		err = c.redis.XAdd(ctx, &redis.XAddArgs{
			Stream: deadLetterStream,
			Values: map[string]any{jobPayloadField: string(body)},
		}).Err()
	}
	if err != nil {
		c.cfg.Logger.Error("dead letter append failed",
			"stream", stream, "message_id", msg.ID, "error", err)
		// Leave the entry pending; the reclaim loop will retry the DLQ write.
		return
	}
	c.cfg.Logger.Warn("job dead-lettered", "job_id", entry.JobID, "reason", reason)
	c.cfg.Metrics.RecordJob("dead_lettered")
	c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.redis.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.cfg.Logger.Error("ack failed", "stream", stream, "message_id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
