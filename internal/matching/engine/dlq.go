package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkflow/execplane/internal/rpc"
)

// DLQEntry is a task parked after exhausting its delivery budget. Queue
// records where the task came from so a redrive can put it back.
type DLQEntry struct {
	Task       *rpc.Task
	Queue      string
	Reason     string
	Deliveries int32
	FailedAt   time.Time
}

// DeadLetterQueue holds tasks that could not be delivered. It is shared
// across all queues of a matching service.
type DeadLetterQueue struct {
	entries []*DLQEntry
	maxSize int
	mu      sync.Mutex
	logger  *slog.Logger
}

func NewDeadLetterQueue(maxSize int, logger *slog.Logger) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterQueue{
		entries: make([]*DLQEntry, 0),
		maxSize: maxSize,
		logger:  logger,
	}
}

// Add parks an entry. A full DLQ drops the oldest entry first; losing the
// newest failure would hide the active problem.
func (dlq *DeadLetterQueue) Add(entry *DLQEntry) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if len(dlq.entries) >= dlq.maxSize {
		dropped := dlq.entries[0]
		dlq.entries = dlq.entries[1:]
		dlq.logger.Error("DLQ full, dropping oldest entry",
			slog.String("task_id", dropped.Task.ID),
		)
	}

	dlq.entries = append(dlq.entries, entry)
	dlq.logger.Warn("task moved to DLQ",
		slog.String("task_id", entry.Task.ID),
		slog.String("queue", entry.Queue),
		slog.String("reason", entry.Reason),
		slog.Int("deliveries", int(entry.Deliveries)),
	)
}

func (dlq *DeadLetterQueue) List() []*DLQEntry {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	out := make([]*DLQEntry, len(dlq.entries))
	copy(out, dlq.entries)
	return out
}

// Take removes an entry by task ID and returns it for redrive.
func (dlq *DeadLetterQueue) Take(taskID string) (*DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	for i, entry := range dlq.entries {
		if entry.Task.ID == taskID {
			dlq.entries = append(dlq.entries[:i], dlq.entries[i+1:]...)
			return entry, nil
		}
	}
	return nil, fmt.Errorf("task %s not found in DLQ", taskID)
}

// Purge drops every entry and returns how many were removed.
func (dlq *DeadLetterQueue) Purge() int {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	count := len(dlq.entries)
	dlq.entries = dlq.entries[:0]
	dlq.logger.Info("DLQ purged", slog.Int("count", count))
	return count
}

func (dlq *DeadLetterQueue) Len() int {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return len(dlq.entries)
}
