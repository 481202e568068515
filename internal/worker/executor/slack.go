package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// Slack errors that will not succeed on retry.
var slackPermanentErrors = []string{
	"channel_not_found", "not_in_channel", "is_archived",
	"msg_too_long", "no_text", "invalid_auth", "account_inactive",
	"token_revoked", "not_authed", "invalid_arguments",
}

// SlackExecutor posts messages through an incoming webhook or the Web API.
type SlackExecutor struct {
	client       *http.Client
	defaultToken string
}

func NewSlackExecutor(defaultToken string) *SlackExecutor {
	return &SlackExecutor{
		client:       newGuardedClient(defaultHTTPTimeout),
		defaultToken: defaultToken,
	}
}

func (e *SlackExecutor) NodeType() string { return "slack" }

type slackConfig struct {
	Token      string          `json:"token,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	ThreadTS   string          `json:"thread_ts,omitempty"`
	Text       string          `json:"text,omitempty"`
	Blocks     json.RawMessage `json:"blocks,omitempty"`
	Username   string          `json:"username,omitempty"`
	IconEmoji  string          `json:"icon_emoji,omitempty"`
}

type slackAPIResponse struct {
	OK        bool   `json:"ok"`
	Channel   string `json:"channel,omitempty"`
	Timestamp string `json:"ts,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (e *SlackExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	var config slackConfig
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid slack config: %v", err),
			Duration: time.Since(start),
		}, nil
	}
	if config.Token == "" {
		config.Token = e.defaultToken
	}
	if config.WebhookURL == "" && config.Token == "" {
		return &ExecuteResponse{
			Error:    nonRetryableError("slack config requires webhook_url or token"),
			Duration: time.Since(start),
		}, nil
	}
	if config.Text == "" && len(config.Blocks) == 0 {
		return &ExecuteResponse{
			Error:    nonRetryableError("slack config requires text or blocks"),
			Duration: time.Since(start),
		}, nil
	}

	target := config.WebhookURL
	if target == "" {
		target = slackPostMessageURL
	}
	body, err := json.Marshal(e.payload(&config))
	if err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("encode slack payload: %v", err),
			Duration: time.Since(start),
		}, nil
	}

	fingerprint := requestFingerprint(http.MethodPost, target, nil, body)
	attempt := types.ConnectorAttempt{
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
		Fingerprint: fingerprint,
		Method:      http.MethodPost,
		URL:         target,
		StartedAt:   start,
	}

	if replayMode(req) {
		attempt.Replayed = true
		fixture := findFixture(req, fingerprint)
		if fixture == nil {
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
		return &ExecuteResponse{
			Output:            fixture.Response,
			ConnectorAttempts: []types.ConnectorAttempt{attempt},
			Duration:          time.Since(start),
		}, nil
	}

	apiResp, statusCode, execErr := e.send(ctx, target, config.Token, body)
	attempt.StatusCode = statusCode
	attempt.DurationMS = time.Since(start).Milliseconds()
	if execErr != nil {
		attempt.Error = execErr.Message
		return &ExecuteResponse{
			Error:             execErr,
			ConnectorAttempts: []types.ConnectorAttempt{attempt},
			Duration:          time.Since(start),
		}, nil
	}

	resp := &ExecuteResponse{
		ConnectorAttempts: []types.ConnectorAttempt{attempt},
		Duration:          time.Since(start),
	}
	output, _ := json.Marshal(apiResp)
	if captureMode(req) {
		resp.Fixtures = []types.DeterministicFixture{{
			NodeID:      req.NodeID,
			Fingerprint: fingerprint,
			Response:    output,
			StatusCode:  statusCode,
			RecordedAt:  time.Now().UTC(),
		}}
	}

	if !apiResp.OK && apiResp.Error != "" {
		attempt.Error = apiResp.Error
		resp.ConnectorAttempts[0] = attempt
		if slices.Contains(slackPermanentErrors, apiResp.Error) {
			resp.Error = nonRetryableError("slack: %s", apiResp.Error)
		} else {
			resp.Error = retryableError("slack: %s", apiResp.Error)
		}
		return resp, nil
	}
	resp.Output = output
	return resp, nil
}

func (e *SlackExecutor) payload(config *slackConfig) map[string]any {
	payload := map[string]any{"text": config.Text}
	if len(config.Blocks) > 0 {
		payload["blocks"] = config.Blocks
	}
	if config.Channel != "" {
		payload["channel"] = config.Channel
	}
	if config.ThreadTS != "" {
		payload["thread_ts"] = config.ThreadTS
	}
	if config.Username != "" {
		payload["username"] = config.Username
	}
	if config.IconEmoji != "" {
		payload["icon_emoji"] = config.IconEmoji
	}
	return payload
}

func (e *SlackExecutor) send(ctx context.Context, target, token string, body []byte) (*slackAPIResponse, int, *ExecutionError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nonRetryableError("build slack request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if target == slackPostMessageURL {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, 0, retryableError("slack request failed: %v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, httpResp.StatusCode, retryableError("read slack response: %v", err)
	}

	// Incoming webhooks answer with the literal text "ok".
	if string(respBody) == "ok" {
		return &slackAPIResponse{OK: true}, httpResp.StatusCode, nil
	}
	var apiResp slackAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		apiResp = slackAPIResponse{OK: false, Error: string(respBody)}
	}
	return &apiResp, httpResp.StatusCode, nil
}
