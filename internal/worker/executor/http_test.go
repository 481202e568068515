package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linkflow/execplane/internal/history/types"
)

func httpRequest(config string, det *types.DeterministicContext) *ExecuteRequest {
	return &ExecuteRequest{
		Key:           types.ExecutionKey{Namespace: "default", WorkflowID: "wf-1", RunID: "run-1"},
		NodeID:        "H1",
		NodeType:      "http",
		Config:        json.RawMessage(config),
		Attempt:       1,
		Deterministic: det,
	}
}

func TestHTTPExecutor_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"greeting":"hello"}`))
	}))
	defer server.Close()

	e := NewHTTPExecutorWithClient(server.Client())
	resp, err := e.Execute(context.Background(),
		httpRequest(`{"method":"POST","url":"`+server.URL+`","body":{"name":"x"}}`, nil))
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected node error: %v", resp.Error)
	}

	var result httpResult
	if err := json.Unmarshal(resp.Output, &result); err != nil {
		t.Fatalf("bad output: %v", err)
	}
	if result.StatusCode != 200 || string(result.Body) != `{"greeting":"hello"}` {
		t.Errorf("result = %+v", result)
	}
	if len(resp.ConnectorAttempts) != 1 || resp.ConnectorAttempts[0].Fingerprint == "" {
		t.Errorf("attempts = %+v, want one with fingerprint", resp.ConnectorAttempts)
	}
}

func TestHTTPExecutor_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e := NewHTTPExecutorWithClient(server.Client())
	resp, err := e.Execute(context.Background(), httpRequest(`{"url":"`+server.URL+`"}`, nil))
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error == nil || resp.Error.Type != ErrorTypeRetryable {
		t.Errorf("error = %+v, want retryable", resp.Error)
	}
}

func TestHTTPExecutor_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	e := NewHTTPExecutorWithClient(server.Client())
	resp, err := e.Execute(context.Background(), httpRequest(`{"url":"`+server.URL+`"}`, nil))
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error == nil || resp.Error.Type != ErrorTypeNonRetryable {
		t.Errorf("error = %+v, want non-retryable", resp.Error)
	}
}

func TestHTTPExecutor_CaptureEmitsFixture(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"n":42}`))
	}))
	defer server.Close()

	e := NewHTTPExecutorWithClient(server.Client())
	det := &types.DeterministicContext{Mode: types.DeterministicModeCapture, Seed: 7}
	resp, err := e.Execute(context.Background(), httpRequest(`{"url":"`+server.URL+`"}`, det))
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected node error: %v", resp.Error)
	}
	if len(resp.Fixtures) != 1 {
		t.Fatalf("fixtures = %d, want 1", len(resp.Fixtures))
	}
	fixture := resp.Fixtures[0]
	if fixture.Fingerprint != resp.ConnectorAttempts[0].Fingerprint {
		t.Error("fixture fingerprint does not match the attempt")
	}
	if fixture.StatusCode != 200 {
		t.Errorf("fixture status = %d", fixture.StatusCode)
	}
}

func TestHTTPExecutor_ReplayServesFixtureWithoutNetwork(t *testing.T) {
	// No server at this address; replay must not dial it.
	const target = `{"url":"https://api.example.com/orders"}`

	fingerprint := requestFingerprint(http.MethodGet, "https://api.example.com/orders", nil, nil)
	det := &types.DeterministicContext{
		Mode: types.DeterministicModeReplay,
		Fixtures: []types.DeterministicFixture{{
			NodeID:      "H1",
			Fingerprint: fingerprint,
			Response:    json.RawMessage(`{"status_code":200,"body":{"cached":true}}`),
			StatusCode:  200,
		}},
	}

	e := NewHTTPExecutor()
	resp, err := e.Execute(context.Background(), httpRequest(target, det))
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected node error: %v", resp.Error)
	}
	if string(resp.Output) != `{"status_code":200,"body":{"cached":true}}` {
		t.Errorf("output = %s", resp.Output)
	}
	if !resp.ConnectorAttempts[0].Replayed {
		t.Error("attempt not marked replayed")
	}
}

func TestHTTPExecutor_ReplayMissIsPermanent(t *testing.T) {
	det := &types.DeterministicContext{Mode: types.DeterministicModeReplay}
	e := NewHTTPExecutor()
	resp, err := e.Execute(context.Background(),
		httpRequest(`{"url":"https://api.example.com/other"}`, det))
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeMissingReplayFixture {
		t.Fatalf("error = %+v, want %s", resp.Error, CodeMissingReplayFixture)
	}
	if resp.Error.Type != ErrorTypeNonRetryable {
		t.Errorf("error type = %s, want non-retryable", resp.Error.Type)
	}
}

func TestHTTPExecutor_BlocksInternalAddresses(t *testing.T) {
	e := NewHTTPExecutor()
	for _, target := range []string{
		"http://127.0.0.1:8080/admin",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.5/internal",
	} {
		resp, err := e.Execute(context.Background(), httpRequest(`{"url":"`+target+`"}`, nil))
		if err != nil {
			t.Fatalf("Execute error = %v", err)
		}
		if resp.Error == nil || resp.Error.Code != CodeBlockedAddress {
			t.Errorf("target %s: error = %+v, want %s", target, resp.Error, CodeBlockedAddress)
		}
	}
}

func TestRequestFingerprint_HeaderOrderIrrelevant(t *testing.T) {
	a := requestFingerprint("GET", "https://x.test/", map[string]string{"A": "1", "B": "2"}, nil)
	b := requestFingerprint("GET", "https://x.test/", map[string]string{"B": "2", "A": "1"}, nil)
	if a != b {
		t.Error("fingerprint depends on header map order")
	}
	c := requestFingerprint("GET", "https://x.test/", map[string]string{"A": "1"}, nil)
	if a == c {
		t.Error("fingerprint ignores headers")
	}
}
