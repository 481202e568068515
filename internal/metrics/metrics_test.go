package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/matching/engine"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRegistry_HistoryHooks(t *testing.T) {
	r := NewRegistry()
	r.RecordEventAppended(types.EventTypeNodeCompleted)
	r.RecordEventAppended(types.EventTypeNodeCompleted)
	r.RecordEventAppended(types.EventTypeWorkflowCompleted)
	r.RecordServiceLatency("StartWorkflow", 25*time.Millisecond)

	body := scrape(t, r)
	assert.Contains(t, body, `linkflow_history_events_appended_total{event_type="NodeCompleted"} 2`)
	assert.Contains(t, body, `linkflow_history_events_appended_total{event_type="WorkflowCompleted"} 1`)
	assert.Contains(t, body, `linkflow_service_operation_seconds_count{operation="StartWorkflow"} 1`)
}

func TestRegistry_WorkerAndFrontendCounters(t *testing.T) {
	r := NewRegistry()
	r.RecordExecutorRun("http", "completed")
	r.RecordExecutorRun("http", "failed")
	r.SetBreakerOpen("http", true)
	r.RecordCallback("terminal", "delivered")
	r.RecordJob("started")

	body := scrape(t, r)
	assert.Contains(t, body, `linkflow_worker_executor_runs_total{node_type="http",outcome="completed"} 1`)
	assert.Contains(t, body, `linkflow_worker_breaker_open{dependency="http"} 1`)
	assert.Contains(t, body, `linkflow_frontend_callbacks_total{kind="terminal",outcome="delivered"} 1`)
	assert.Contains(t, body, `linkflow_frontend_jobs_total{outcome="started"} 1`)

	r.SetBreakerOpen("http", false)
	assert.Contains(t, scrape(t, r), `linkflow_worker_breaker_open{dependency="http"} 0`)
}

type staticStats map[string]*engine.MetricsSnapshot

func (s staticStats) AllQueueStats() map[string]*engine.MetricsSnapshot { return s }

func TestRegistry_QueueStatsCollector(t *testing.T) {
	r := NewRegistry()
	r.RegisterQueueStats(staticStats{
		"linkflow-decisions": {
			TasksAdded:       12,
			TasksDispatched:  10,
			TasksCompleted:   9,
			AvgDispatchDelay: 40 * time.Millisecond,
		},
	})

	body := scrape(t, r)
	assert.Contains(t, body, `linkflow_matching_tasks_added_total{queue="linkflow-decisions"} 12`)
	assert.Contains(t, body, `linkflow_matching_tasks_dispatched_total{queue="linkflow-decisions"} 10`)
	assert.Contains(t, body, `linkflow_matching_dispatch_delay_seconds{queue="linkflow-decisions"} 0.04`)
}

func TestRegistry_TwoRegistriesDoNotCollide(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.RecordJob("started")
	b.RecordJob("dead_lettered")

	assert.NotContains(t, scrape(t, a), "dead_lettered")
	assert.NotContains(t, scrape(t, b), `outcome="started"`)
}
