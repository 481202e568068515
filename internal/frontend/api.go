package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/frontend/ratelimit"
	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/livestream"
	"github.com/linkflow/execplane/internal/rpc"
)

// API is the outward HTTP surface of the frontend: execution inspection,
// cancellation and signalling, and a Server-Sent-Events bridge over the
// per-execution live channel.
type API struct {
	history rpc.HistoryAPI
	redis   redis.UniversalClient
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func NewAPI(history rpc.HistoryAPI, rdb redis.UniversalClient, limiter *ratelimit.Limiter, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{history: history, redis: rdb, limiter: limiter, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.rateLimit)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", a.listExecutions)
		r.Route("/{namespace}/{workflowID}/{runID}", func(r chi.Router) {
			r.Get("/", a.describeExecution)
			r.Get("/history", a.getHistory)
			r.Get("/stream", a.streamEvents)
			r.Post("/cancel", a.cancelExecution)
			r.Post("/signal", a.signalExecution)
		})
	})

	return r
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil {
			namespace := chi.URLParam(r, "namespace")
			if namespace == "" {
				namespace = r.URL.Query().Get("namespace")
			}
			if !a.limiter.Allow(namespace) {
				a.writeError(w, rpc.ErrRateLimited)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &rpc.ListExecutionsRequest{
		Namespace:  q.Get("namespace"),
		WorkflowID: q.Get("workflow_id"),
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}
	if status := q.Get("status"); status != "" {
		parsed, ok := statusFromName(status)
		if !ok {
			a.writeJSON(w, http.StatusBadRequest,
				map[string]string{"error": fmt.Sprintf("unknown status %q", status)})
			return
		}
		req.Status = parsed
	}

	resp, err := a.history.ListExecutions(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) describeExecution(w http.ResponseWriter, r *http.Request) {
	resp, err := a.history.DescribeExecution(r.Context(), &rpc.DescribeExecutionRequest{Key: keyFromRequest(r)})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"info":           resp.Info,
		"status":         resp.Info.Status.String(),
		"history_length": resp.HistoryLength,
	})
}

// eventView renders a history event with its type name spelled out.
type eventView struct {
	EventID    int64  `json:"event_id"`
	EventType  string `json:"event_type"`
	Timestamp  string `json:"timestamp"`
	Attributes any    `json:"attributes,omitempty"`
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	resp, err := a.history.GetHistory(r.Context(), &rpc.GetHistoryRequest{Key: keyFromRequest(r)})
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]eventView, len(resp.Events))
	for i, event := range resp.Events {
		views[i] = eventView{
			EventID:    event.EventID,
			EventType:  event.EventType.String(),
			Timestamp:  event.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Attributes: event.Attributes,
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (a *API) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason    string `json:"reason"`
		RequestID string `json:"request_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	err := a.history.CancelWorkflow(r.Context(), &rpc.CancelWorkflowRequest{
		Key:       keyFromRequest(r),
		Reason:    body.Reason,
		RequestID: body.RequestID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (a *API) signalExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SignalName string          `json:"signal_name"`
		Input      json.RawMessage `json:"input"`
		RequestID  string          `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.SignalName == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "signal_name is required"})
		return
	}
	err := a.history.SignalWorkflow(r.Context(), &rpc.SignalWorkflowRequest{
		Key:        keyFromRequest(r),
		SignalName: body.SignalName,
		Input:      body.Input,
		RequestID:  body.RequestID,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

// streamEvents bridges the live pub/sub channel onto Server-Sent Events.
// The stream ends when the client disconnects or the execution's channel
// closes.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.redis == nil {
		a.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "live streaming is not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub, err := livestream.Subscribe(r.Context(), a.redis, keyFromRequest(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func keyFromRequest(r *http.Request) types.ExecutionKey {
	return types.ExecutionKey{
		Namespace:  chi.URLParam(r, "namespace"),
		WorkflowID: chi.URLParam(r, "workflowID"),
		RunID:      chi.URLParam(r, "runID"),
	}
}

func statusFromName(name string) (types.ExecutionStatus, bool) {
	for _, status := range []types.ExecutionStatus{
		types.ExecutionStatusPending,
		types.ExecutionStatusRunning,
		types.ExecutionStatusWaiting,
		types.ExecutionStatusCompleted,
		types.ExecutionStatusFailed,
		types.ExecutionStatusCancelled,
		types.ExecutionStatusTimedOut,
	} {
		if status.String() == name {
			return status, true
		}
	}
	return types.ExecutionStatusUnspecified, false
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rpc.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rpc.ErrConflict), errors.Is(err, rpc.ErrExecutionClosed):
		status = http.StatusConflict
	case errors.Is(err, rpc.ErrRateLimited), errors.Is(err, rpc.ErrQueueFull):
		status = http.StatusTooManyRequests
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
