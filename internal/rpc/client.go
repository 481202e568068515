package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Wire error codes. The HTTP transport is an implementation detail; these
// codes are the contract between services.
const (
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codeExecutionClosed = "execution_closed"
	codeQueueFull       = "queue_full"
	codeRateLimited     = "rate_limited"
	codeInternal        = "internal"
)

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorToCode(err error) (string, int) {
	switch {
	case errors.Is(err, ErrNotFound):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return codeConflict, http.StatusConflict
	case errors.Is(err, ErrExecutionClosed):
		return codeExecutionClosed, http.StatusGone
	case errors.Is(err, ErrQueueFull):
		return codeQueueFull, http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimited):
		return codeRateLimited, http.StatusTooManyRequests
	}
	return codeInternal, http.StatusInternalServerError
}

func codeToError(code, message string) error {
	var base error
	switch code {
	case codeNotFound:
		base = ErrNotFound
	case codeConflict:
		base = ErrConflict
	case codeExecutionClosed:
		base = ErrExecutionClosed
	case codeQueueFull:
		base = ErrQueueFull
	case codeRateLimited:
		base = ErrRateLimited
	default:
		return fmt.Errorf("remote error: %s", message)
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

// ClientConfig tunes one service client. Timeout must exceed the matching
// long-poll interval or PollTask calls get cut off early.
type ClientConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.Timeout == 0 {
		out.Timeout = 90 * time.Second
	}
	if out.MaxIdleConns == 0 {
		out.MaxIdleConns = 64
	}
	if out.IdleConnTimeout == 0 {
		out.IdleConnTimeout = 90 * time.Second
	}
	return out
}

type httpCaller struct {
	baseURL string
	client  *http.Client
}

func newHTTPCaller(cfg ClientConfig) *httpCaller {
	cfg = cfg.withDefaults()
	return &httpCaller{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConns,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
	}
}

func (c *httpCaller) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Code == "" {
			return fmt.Errorf("request to %s failed with status %d", path, resp.StatusCode)
		}
		return codeToError(envelope.Code, envelope.Message)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// HistoryClient talks to a remote history service.
type HistoryClient struct {
	caller *httpCaller
}

func NewHistoryClient(cfg ClientConfig) *HistoryClient {
	return &HistoryClient{caller: newHTTPCaller(cfg)}
}

func (c *HistoryClient) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error) {
	var resp StartWorkflowResponse
	if err := c.caller.post(ctx, "/v1/history/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HistoryClient) GetHistory(ctx context.Context, req *GetHistoryRequest) (*GetHistoryResponse, error) {
	var raw struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := c.caller.post(ctx, "/v1/history/events", req, &raw); err != nil {
		return nil, err
	}
	resp := &GetHistoryResponse{}
	for _, data := range raw.Events {
		event, err := decodeWireEvent(data)
		if err != nil {
			return nil, err
		}
		resp.Events = append(resp.Events, event)
	}
	return resp, nil
}

func (c *HistoryClient) DescribeExecution(ctx context.Context, req *DescribeExecutionRequest) (*DescribeExecutionResponse, error) {
	var resp DescribeExecutionResponse
	if err := c.caller.post(ctx, "/v1/history/describe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HistoryClient) ListExecutions(ctx context.Context, req *ListExecutionsRequest) (*ListExecutionsResponse, error) {
	var resp ListExecutionsResponse
	if err := c.caller.post(ctx, "/v1/history/list", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HistoryClient) RecordDecisionTaskStarted(ctx context.Context, req *RecordDecisionTaskStartedRequest) (*RecordDecisionTaskStartedResponse, error) {
	var raw struct {
		StartedEventID int64             `json:"started_event_id"`
		Events         []json.RawMessage `json:"events"`
	}
	if err := c.caller.post(ctx, "/v1/history/decision/started", req, &raw); err != nil {
		return nil, err
	}
	resp := &RecordDecisionTaskStartedResponse{StartedEventID: raw.StartedEventID}
	for _, data := range raw.Events {
		event, err := decodeWireEvent(data)
		if err != nil {
			return nil, err
		}
		resp.Events = append(resp.Events, event)
	}
	return resp, nil
}

func (c *HistoryClient) RespondDecisionTaskCompleted(ctx context.Context, req *RespondDecisionTaskCompletedRequest) error {
	return c.caller.post(ctx, "/v1/history/decision/completed", req, nil)
}

func (c *HistoryClient) RespondActivityTaskCompleted(ctx context.Context, req *RespondActivityTaskCompletedRequest) error {
	return c.caller.post(ctx, "/v1/history/activity/completed", req, nil)
}

func (c *HistoryClient) RespondActivityTaskFailed(ctx context.Context, req *RespondActivityTaskFailedRequest) error {
	return c.caller.post(ctx, "/v1/history/activity/failed", req, nil)
}

func (c *HistoryClient) RecordTimerFired(ctx context.Context, req *RecordTimerFiredRequest) error {
	return c.caller.post(ctx, "/v1/history/timer/fired", req, nil)
}

func (c *HistoryClient) SignalWorkflow(ctx context.Context, req *SignalWorkflowRequest) error {
	return c.caller.post(ctx, "/v1/history/signal", req, nil)
}

func (c *HistoryClient) CancelWorkflow(ctx context.Context, req *CancelWorkflowRequest) error {
	return c.caller.post(ctx, "/v1/history/cancel", req, nil)
}

// MatchingClient talks to a remote matching service.
type MatchingClient struct {
	caller *httpCaller
}

func NewMatchingClient(cfg ClientConfig) *MatchingClient {
	return &MatchingClient{caller: newHTTPCaller(cfg)}
}

func (c *MatchingClient) AddTask(ctx context.Context, req *AddTaskRequest) error {
	return c.caller.post(ctx, "/v1/matching/tasks/add", req, nil)
}

func (c *MatchingClient) PollTask(ctx context.Context, req *PollTaskRequest) (*PollTaskResponse, error) {
	var resp PollTaskResponse
	if err := c.caller.post(ctx, "/v1/matching/tasks/poll", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MatchingClient) CompleteTask(ctx context.Context, req *CompleteTaskRequest) error {
	return c.caller.post(ctx, "/v1/matching/tasks/complete", req, nil)
}

func (c *MatchingClient) FailTask(ctx context.Context, req *FailTaskRequest) error {
	return c.caller.post(ctx, "/v1/matching/tasks/fail", req, nil)
}

// TimerClient talks to a remote timer service.
type TimerClient struct {
	caller *httpCaller
}

func NewTimerClient(cfg ClientConfig) *TimerClient {
	return &TimerClient{caller: newHTTPCaller(cfg)}
}

func (c *TimerClient) ScheduleTimer(ctx context.Context, req *ScheduleTimerRequest) error {
	return c.caller.post(ctx, "/v1/timers/schedule", req, nil)
}

func (c *TimerClient) CancelTimer(ctx context.Context, req *CancelTimerRequest) error {
	return c.caller.post(ctx, "/v1/timers/cancel", req, nil)
}
