package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20
)

// HTTPExecutor performs outbound HTTP calls. In capture mode every call is
// fingerprinted and recorded as a fixture; in replay mode no network I/O
// happens at all and the recorded response is served instead.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: newGuardedClient(defaultHTTPTimeout)}
}

// NewHTTPExecutorWithClient overrides the HTTP client. Intended for tests
// and for callers that need their own transport policy.
func NewHTTPExecutorWithClient(client *http.Client) *HTTPExecutor {
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) NodeType() string { return "http" }

type httpNodeConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// httpResult is the node output shape.
type httpResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Replayed   bool              `json:"replayed,omitempty"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	var config httpNodeConfig
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid http config: %v", err),
			Duration: time.Since(start),
		}, nil
	}
	if config.Method == "" {
		config.Method = http.MethodGet
	}
	config.Method = strings.ToUpper(config.Method)
	if config.URL == "" {
		return &ExecuteResponse{
			Error:    nonRetryableError("http config requires url"),
			Duration: time.Since(start),
		}, nil
	}

	target, err := buildURL(config.URL, config.Query)
	if err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid url %q: %v", config.URL, err),
			Duration: time.Since(start),
		}, nil
	}

	fingerprint := requestFingerprint(config.Method, target, config.Headers, config.Body)
	attempt := types.ConnectorAttempt{
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
		Fingerprint: fingerprint,
		Method:      config.Method,
		URL:         target,
		StartedAt:   start,
	}

	if replayMode(req) {
		return e.replay(req, fingerprint, attempt, start)
	}

	result, execErr := e.doRequest(ctx, config.Method, target, config.Headers, config.Body)
	attempt.DurationMS = time.Since(start).Milliseconds()

	if execErr != nil {
		attempt.Error = execErr.Message
		return &ExecuteResponse{
			Error:             execErr,
			ConnectorAttempts: []types.ConnectorAttempt{attempt},
			Duration:          time.Since(start),
		}, nil
	}
	attempt.StatusCode = result.StatusCode

	resp := &ExecuteResponse{
		ConnectorAttempts: []types.ConnectorAttempt{attempt},
		Duration:          time.Since(start),
	}

	output, err := json.Marshal(result)
	if err != nil {
		resp.Error = nonRetryableError("encode http result: %v", err)
		return resp, nil
	}

	if captureMode(req) {
		resp.Fixtures = []types.DeterministicFixture{{
			NodeID:      req.NodeID,
			Fingerprint: fingerprint,
			Response:    output,
			StatusCode:  result.StatusCode,
			RecordedAt:  time.Now().UTC(),
		}}
	}

	if execErr := classifyStatus(result.StatusCode); execErr != nil {
		resp.Error = execErr
		return resp, nil
	}
	resp.Output = output
	return resp, nil
}

// replay serves the attempt from a recorded fixture. A miss is permanent:
// retrying cannot make a fixture appear.
func (e *HTTPExecutor) replay(req *ExecuteRequest, fingerprint string, attempt types.ConnectorAttempt, start time.Time) (*ExecuteResponse, error) {
	attempt.Replayed = true
	fixture := findFixture(req, fingerprint)
	if fixture == nil {
		attempt.Error = "no fixture for fingerprint " + fingerprint
		return &ExecuteResponse{
			Error: &ExecutionError{
				Type:    ErrorTypeNonRetryable,
				Code:    CodeMissingReplayFixture,
				Message: fmt.Sprintf("no recorded response for node %s request %s", req.NodeID, fingerprint),
			},
			ConnectorAttempts: []types.ConnectorAttempt{attempt},
			Duration:          time.Since(start),
		}, nil
	}

	attempt.StatusCode = fixture.StatusCode
	attempt.DurationMS = time.Since(start).Milliseconds()
	resp := &ExecuteResponse{
		ConnectorAttempts: []types.ConnectorAttempt{attempt},
		Duration:          time.Since(start),
	}
	if execErr := classifyStatus(fixture.StatusCode); execErr != nil {
		resp.Error = execErr
		return resp, nil
	}
	resp.Output = fixture.Response
	return resp, nil
}

func (e *HTTPExecutor) doRequest(ctx context.Context, method, target string, headers map[string]string, body json.RawMessage) (*httpResult, *ExecutionError) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nonRetryableError("build request: %v", err)
	}
	for name, value := range headers {
		httpReq.Header.Set(name, value)
	}
	if len(body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		var blocked *blockedAddressError
		if errors.As(err, &blocked) {
			return nil, &ExecutionError{
				Type:    ErrorTypeNonRetryable,
				Code:    CodeBlockedAddress,
				Message: blocked.Error(),
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ExecutionError{Type: ErrorTypeTimeout, Message: "request deadline exceeded"}
		}
		if errors.Is(err, context.Canceled) {
			return nil, &ExecutionError{Type: ErrorTypeNonRetryable, Code: CodeCancelled, Message: "request cancelled"}
		}
		return nil, retryableError("request failed: %v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, retryableError("read response: %v", err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, nonRetryableError("response exceeds %d bytes", maxResponseBytes)
	}

	result := &httpResult{
		StatusCode: httpResp.StatusCode,
		Headers:    flattenHeaders(httpResp.Header),
	}
	if len(respBody) > 0 {
		if json.Valid(respBody) {
			result.Body = respBody
		} else {
			encoded, _ := json.Marshal(string(respBody))
			result.Body = encoded
		}
	}
	return result, nil
}

// classifyStatus maps HTTP status to the retry taxonomy: 5xx and 429 are
// transient, other 4xx are permanent.
func classifyStatus(status int) *ExecutionError {
	switch {
	case status >= 500 || status == http.StatusTooManyRequests:
		return retryableError("upstream returned %d", status)
	case status >= 400:
		return nonRetryableError("upstream returned %d", status)
	default:
		return nil
	}
}

func buildURL(raw string, query map[string]string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if len(query) > 0 {
		values := parsed.Query()
		for name, value := range query {
			values.Set(name, value)
		}
		parsed.RawQuery = values.Encode()
	}
	return parsed.String(), nil
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	return flat
}

// requestFingerprint hashes the canonical request: method, full URL,
// headers sorted by lowercased name, and the raw body. Identical requests
// always produce identical fingerprints, which is what replay keys on.
func requestFingerprint(method, target string, headers map[string]string, body json.RawMessage) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	h := sha256.New()
	io.WriteString(h, method)
	io.WriteString(h, "\n")
	io.WriteString(h, target)
	io.WriteString(h, "\n")
	lowered := make(map[string]string, len(headers))
	for name, value := range headers {
		lowered[strings.ToLower(name)] = value
	}
	for _, name := range names {
		io.WriteString(h, name)
		io.WriteString(h, ":")
		io.WriteString(h, lowered[name])
		io.WriteString(h, "\n")
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
