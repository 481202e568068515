package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxRequestBody = 4 << 20

func decodeRequest(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Code: "bad_request", Message: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code, status := errorToCode(err)
	writeJSON(w, status, errorEnvelope{Code: code, Message: err.Error()})
}

func newRouter(logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

// NewHistoryHandler exposes a history service over HTTP.
func NewHistoryHandler(svc HistoryAPI, logger *slog.Logger) http.Handler {
	r := newRouter(logger)

	r.Post("/v1/history/start", func(w http.ResponseWriter, req *http.Request) {
		var in StartWorkflowRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		resp, err := svc.StartWorkflow(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/v1/history/events", func(w http.ResponseWriter, req *http.Request) {
		var in GetHistoryRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		resp, err := svc.GetHistory(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		wireEvents, err := encodeWireEvents(resp.Events)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": wireEvents})
	})

	r.Post("/v1/history/describe", func(w http.ResponseWriter, req *http.Request) {
		var in DescribeExecutionRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		resp, err := svc.DescribeExecution(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/v1/history/list", func(w http.ResponseWriter, req *http.Request) {
		var in ListExecutionsRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		resp, err := svc.ListExecutions(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/v1/history/decision/started", func(w http.ResponseWriter, req *http.Request) {
		var in RecordDecisionTaskStartedRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		resp, err := svc.RecordDecisionTaskStarted(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		wireEvents, err := encodeWireEvents(resp.Events)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"started_event_id": resp.StartedEventID,
			"events":           wireEvents,
		})
	})

	r.Post("/v1/history/decision/completed", func(w http.ResponseWriter, req *http.Request) {
		var in RespondDecisionTaskCompletedRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.RespondDecisionTaskCompleted(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/history/activity/completed", func(w http.ResponseWriter, req *http.Request) {
		var in RespondActivityTaskCompletedRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.RespondActivityTaskCompleted(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/history/activity/failed", func(w http.ResponseWriter, req *http.Request) {
		var in RespondActivityTaskFailedRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.RespondActivityTaskFailed(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/history/timer/fired", func(w http.ResponseWriter, req *http.Request) {
		var in RecordTimerFiredRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.RecordTimerFired(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/history/signal", func(w http.ResponseWriter, req *http.Request) {
		var in SignalWorkflowRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.SignalWorkflow(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/history/cancel", func(w http.ResponseWriter, req *http.Request) {
		var in CancelWorkflowRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.CancelWorkflow(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	return r
}

// NewMatchingHandler exposes a matching service over HTTP. PollTask holds
// the request open for the service's long-poll window.
func NewMatchingHandler(svc MatchingAPI, logger *slog.Logger) http.Handler {
	r := newRouter(logger)

	r.Post("/v1/matching/tasks/add", func(w http.ResponseWriter, req *http.Request) {
		var in AddTaskRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.AddTask(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/matching/tasks/poll", func(w http.ResponseWriter, req *http.Request) {
		var in PollTaskRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		resp, err := svc.PollTask(req.Context(), &in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/v1/matching/tasks/complete", func(w http.ResponseWriter, req *http.Request) {
		var in CompleteTaskRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.CompleteTask(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/matching/tasks/fail", func(w http.ResponseWriter, req *http.Request) {
		var in FailTaskRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.FailTask(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	return r
}

// NewTimerHandler exposes a timer service over HTTP.
func NewTimerHandler(svc TimerAPI, logger *slog.Logger) http.Handler {
	r := newRouter(logger)

	r.Post("/v1/timers/schedule", func(w http.ResponseWriter, req *http.Request) {
		var in ScheduleTimerRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.ScheduleTimer(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Post("/v1/timers/cancel", func(w http.ResponseWriter, req *http.Request) {
		var in CancelTimerRequest
		if !decodeRequest(w, req, &in) {
			return
		}
		if err := svc.CancelTimer(req.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	return r
}
