package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

const latencyBufferSize = 1000

// Metrics keeps per-queue counters and a ring buffer of dispatch latencies
// (time from enqueue to lease).
type Metrics struct {
	TasksAdded        atomic.Int64
	TasksDeduped      atomic.Int64
	TasksDispatched   atomic.Int64
	TasksCompleted    atomic.Int64
	TasksFailed       atomic.Int64
	TasksDeadLettered atomic.Int64
	LeasesExpired     atomic.Int64
	PollsRateLimited  atomic.Int64

	latencies    []time.Duration
	latencyIndex int
	latencyCount int
	mu           sync.Mutex
}

type MetricsSnapshot struct {
	TasksAdded        int64
	TasksDeduped      int64
	TasksDispatched   int64
	TasksCompleted    int64
	TasksFailed       int64
	TasksDeadLettered int64
	LeasesExpired     int64
	PollsRateLimited  int64
	AvgDispatchDelay  time.Duration
}

func NewMetrics() *Metrics {
	return &Metrics{
		latencies: make([]time.Duration, latencyBufferSize),
	}
}

func (m *Metrics) RecordDispatchDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[m.latencyIndex] = d
	m.latencyIndex = (m.latencyIndex + 1) % latencyBufferSize
	if m.latencyCount < latencyBufferSize {
		m.latencyCount++
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	var total time.Duration
	for i := 0; i < m.latencyCount; i++ {
		total += m.latencies[i]
	}
	count := m.latencyCount
	m.mu.Unlock()

	var avg time.Duration
	if count > 0 {
		avg = total / time.Duration(count)
	}

	return MetricsSnapshot{
		TasksAdded:        m.TasksAdded.Load(),
		TasksDeduped:      m.TasksDeduped.Load(),
		TasksDispatched:   m.TasksDispatched.Load(),
		TasksCompleted:    m.TasksCompleted.Load(),
		TasksFailed:       m.TasksFailed.Load(),
		TasksDeadLettered: m.TasksDeadLettered.Load(),
		LeasesExpired:     m.LeasesExpired.Load(),
		PollsRateLimited:  m.PollsRateLimited.Load(),
		AvgDispatchDelay:  avg,
	}
}
