package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/history/types"
)

// Event names carried in the X-LinkFlow-Event header.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventNodeStarted        = "node.started"
	EventNodeCompleted      = "node.completed"
	EventNodeFailed         = "node.failed"
)

// Signature headers on every callback request.
const (
	HeaderEvent     = "X-LinkFlow-Event"
	HeaderTimestamp = "X-LinkFlow-Timestamp"
	HeaderSignature = "X-LinkFlow-Signature"
)

const (
	dedupKeyPrefix = "linkflow:callback:sent:"
	dedupTTL       = 24 * time.Hour
)

// Delivery identifies where one job's callbacks go and how they are signed.
type Delivery struct {
	JobID       string
	Token       string
	CallbackURL string
	ProgressURL string
}

// NodeOutcome is the per-node summary included in a terminal callback.
type NodeOutcome struct {
	NodeID     string                  `json:"node_id"`
	NodeType   string                  `json:"node_type,omitempty"`
	Status     string                  `json:"status"`
	Output     json.RawMessage         `json:"output,omitempty"`
	Error      *types.ExecutionFailure `json:"error,omitempty"`
	Attempts   int32                   `json:"attempts,omitempty"`
	DurationMS int64                   `json:"duration_ms,omitempty"`
}

// ResultPayload is the body of a terminal callback.
type ResultPayload struct {
	JobID             string                       `json:"job_id"`
	ExecutionID       string                       `json:"execution_id,omitempty"`
	Namespace         string                       `json:"namespace"`
	WorkflowID        string                       `json:"workflow_id"`
	RunID             string                       `json:"run_id"`
	Status            string                       `json:"status"`
	Result            string                       `json:"result,omitempty"`
	Output            json.RawMessage              `json:"output,omitempty"`
	Nodes             []NodeOutcome                `json:"nodes,omitempty"`
	FailedNodes       []string                     `json:"failed_nodes,omitempty"`
	ConnectorAttempts []types.ConnectorAttempt     `json:"connector_attempts,omitempty"`
	Fixtures          []types.DeterministicFixture `json:"fixtures,omitempty"`
	Error             *types.ExecutionFailure      `json:"error,omitempty"`
	DurationMS        int64                        `json:"duration_ms,omitempty"`
	FinishedAt        time.Time                    `json:"finished_at"`
}

// ProgressPayload is the body of an interim progress callback.
type ProgressPayload struct {
	JobID          string          `json:"job_id"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	Event          string          `json:"event"`
	NodeID         string          `json:"node_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CompletedNodes int             `json:"completed_nodes,omitempty"`
	TotalNodes     int             `json:"total_nodes,omitempty"`
	Percent        float64         `json:"percent,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Metrics counts callback deliveries by kind and outcome. Optional.
type Metrics interface {
	RecordCallback(kind, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordCallback(string, string) {}

// Config tunes callback delivery.
type Config struct {
	HTTPClient  *http.Client
	MaxAttempts int
	RetryDelay  time.Duration
	Metrics     Metrics
	Logger      *slog.Logger
}

// Client posts signed callbacks to the control plane. Terminal deliveries
// are deduplicated through Redis on (job_id, status) so a frontend restart
// between send and ack never double-notifies.
type Client struct {
	http        *http.Client
	redis       redis.UniversalClient
	maxAttempts int
	retryDelay  time.Duration
	metrics     Metrics
	logger      *slog.Logger
}

func NewClient(rdb redis.UniversalClient, cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		http:        cfg.HTTPClient,
		redis:       rdb,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// SendResult delivers the terminal callback for a job exactly once per
// (job_id, status). The second and later calls are no-ops.
func (c *Client) SendResult(ctx context.Context, delivery Delivery, payload *ResultPayload) error {
	if delivery.CallbackURL == "" {
		return nil
	}
	if c.redis != nil {
		key := dedupKeyPrefix + delivery.JobID + ":" + payload.Status
		claimed, err := c.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), dedupTTL).Result()
		if err != nil {
			// Dedup store down: prefer a duplicate callback over a lost one.
			c.logger.Warn("callback dedup check failed", "job_id", delivery.JobID, "error", err)
		} else if !claimed {
			c.logger.Debug("terminal callback already delivered", "job_id", delivery.JobID, "status", payload.Status)
			return nil
		}
	}

	event := eventForStatus(payload.Status)
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, delivery.CallbackURL, delivery.Token, event, payload)
		if lastErr == nil {
			c.metrics.RecordCallback("terminal", "delivered")
			return nil
		}
		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.metrics.RecordCallback("terminal", "failed")
	return fmt.Errorf("terminal callback for job %s: %w", delivery.JobID, lastErr)
}

// SendProgress delivers an interim update. Best effort: a lost progress
// ping is recovered by the next one, so there is a single attempt.
func (c *Client) SendProgress(ctx context.Context, delivery Delivery, payload *ProgressPayload) {
	url := delivery.ProgressURL
	if url == "" {
		url = delivery.CallbackURL
	}
	if url == "" {
		return
	}
	if err := c.post(ctx, url, delivery.Token, payload.Event, payload); err != nil {
		c.metrics.RecordCallback("progress", "failed")
		c.logger.Debug("progress callback failed", "job_id", delivery.JobID, "event", payload.Event, "error", err)
		return
	}
	c.metrics.RecordCallback("progress", "delivered")
}

func (c *Client) post(ctx context.Context, url, token, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	now := time.Now().UTC()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, now.Format(time.RFC3339))
	req.Header.Set(HeaderSignature, NewSigner(token).Sign(now, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback rejected with status %d", resp.StatusCode)
	}
	return nil
}

func eventForStatus(status string) string {
	switch status {
	case types.ExecutionStatusFailed.String(), types.ExecutionStatusTimedOut.String():
		return EventExecutionFailed
	case types.ExecutionStatusCancelled.String():
		return EventExecutionCancelled
	default:
		return EventExecutionCompleted
	}
}
