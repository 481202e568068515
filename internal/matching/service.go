// Package matching owns task delivery between history and the workers:
// partitioned FIFO queues, lease-based redelivery, and a shared dead
// letter queue for tasks that keep failing.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkflow/execplane/internal/matching/engine"
	"github.com/linkflow/execplane/internal/rpc"
)

const (
	defaultLongPollTimeout = 30 * time.Second
	leaseReaperInterval    = 10 * time.Second
)

var ErrQueueNotFound = errors.New("task queue not found")

type Config struct {
	QueuePartitions int
	RateLimit       float64
	Burst           int
	SoftLimit       int
	HardLimit       int
	LeaseTimeout    time.Duration
	MaxDeliveries   int32
	LongPollTimeout time.Duration
	DLQMaxSize      int
	Logger          *slog.Logger
}

// Service implements rpc.MatchingAPI over a set of named task queues.
// Queues are created on first use; history and the workers only ever name
// them.
type Service struct {
	cfg    Config
	queues map[string]*engine.TaskQueue
	dlq    *engine.DeadLetterQueue
	logger *slog.Logger
	mu     sync.RWMutex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = defaultLongPollTimeout
	}
	return &Service{
		cfg:    cfg,
		queues: make(map[string]*engine.TaskQueue),
		dlq:    engine.NewDeadLetterQueue(cfg.DLQMaxSize, cfg.Logger),
		logger: cfg.Logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLeaseReaper()

	s.logger.Info("matching service started")
	return nil
}

func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("matching service stopped")
	return nil
}

// AddTask enqueues a task. A duplicate task ID is treated as a successful
// no-op so history can retry dispatch after a partial failure.
func (s *Service) AddTask(ctx context.Context, req *rpc.AddTaskRequest) error {
	task := req.Task
	if task == nil || task.ID == "" || task.Queue == "" {
		return fmt.Errorf("%w: task missing id or queue", rpc.ErrConflict)
	}

	tq := s.getOrCreateQueue(task.Queue)
	if err := tq.Add(task); err != nil {
		switch {
		case errors.Is(err, engine.ErrTaskExists):
			s.logger.Debug("duplicate task ignored",
				slog.String("task_id", task.ID),
				slog.String("queue", task.Queue),
			)
			return nil
		case errors.Is(err, engine.ErrBackpressure):
			s.logger.Warn("task rejected by backpressure",
				slog.String("task_id", task.ID),
				slog.String("queue", task.Queue),
			)
			return rpc.ErrQueueFull
		default:
			return err
		}
	}
	return nil
}

// PollTask leases the next task off the named queue, holding the request
// open up to the long-poll window. An empty response means no task.
func (s *Service) PollTask(ctx context.Context, req *rpc.PollTaskRequest) (*rpc.PollTaskResponse, error) {
	if req.Queue == "" {
		return nil, fmt.Errorf("%w: queue name required", rpc.ErrConflict)
	}
	tq := s.getOrCreateQueue(req.Queue)

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.LongPollTimeout)
	defer cancel()

	lease, err := tq.Poll(pollCtx, req.Identity)
	if err != nil {
		if errors.Is(err, engine.ErrRateLimited) {
			return nil, rpc.ErrRateLimited
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &rpc.PollTaskResponse{}, nil
		}
		return nil, err
	}
	if lease == nil {
		return &rpc.PollTaskResponse{}, nil
	}

	return &rpc.PollTaskResponse{
		Task:       lease.Task,
		LeaseToken: lease.Token,
	}, nil
}

func (s *Service) CompleteTask(ctx context.Context, req *rpc.CompleteTaskRequest) error {
	tq, err := s.getQueue(req.Queue)
	if err != nil {
		return rpc.ErrNotFound
	}
	return mapLeaseError(tq.Complete(req.TaskID, req.LeaseToken))
}

func (s *Service) FailTask(ctx context.Context, req *rpc.FailTaskRequest) error {
	tq, err := s.getQueue(req.Queue)
	if err != nil {
		return rpc.ErrNotFound
	}
	return mapLeaseError(tq.Fail(req.TaskID, req.LeaseToken, req.Reason))
}

func mapLeaseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrLeaseUnknown):
		return rpc.ErrNotFound
	case errors.Is(err, engine.ErrLeaseInvalid):
		return rpc.ErrConflict
	default:
		return err
	}
}

// DLQEntries lists every dead-lettered task across all queues.
func (s *Service) DLQEntries() []*engine.DLQEntry {
	return s.dlq.List()
}

// RedriveDLQTask moves a dead-lettered task back onto the queue it came
// from with a fresh delivery budget.
func (s *Service) RedriveDLQTask(ctx context.Context, taskID string) error {
	entry, err := s.dlq.Take(taskID)
	if err != nil {
		return rpc.ErrNotFound
	}

	tq := s.getOrCreateQueue(entry.Queue)
	if err := tq.Redrive(entry.Task); err != nil && !errors.Is(err, engine.ErrTaskExists) {
		// Put it back so the entry is not lost.
		s.dlq.Add(entry)
		return err
	}

	s.logger.Info("task redriven from DLQ",
		slog.String("task_id", taskID),
		slog.String("queue", entry.Queue),
	)
	return nil
}

func (s *Service) PurgeDLQ() int {
	return s.dlq.Purge()
}

// QueueStats returns a metrics snapshot for one queue.
func (s *Service) QueueStats(queue string) (*engine.MetricsSnapshot, error) {
	tq, err := s.getQueue(queue)
	if err != nil {
		return nil, err
	}
	snap := tq.Metrics().Snapshot()
	return &snap, nil
}

// AllQueueStats returns a metrics snapshot per active queue.
func (s *Service) AllQueueStats() map[string]*engine.MetricsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*engine.MetricsSnapshot, len(s.queues))
	for name, tq := range s.queues {
		snap := tq.Metrics().Snapshot()
		out[name] = &snap
	}
	return out
}

func (s *Service) getQueue(name string) (*engine.TaskQueue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tq, exists := s.queues[name]
	if !exists {
		return nil, ErrQueueNotFound
	}
	return tq, nil
}

func (s *Service) getOrCreateQueue(name string) *engine.TaskQueue {
	s.mu.RLock()
	tq, exists := s.queues[name]
	s.mu.RUnlock()
	if exists {
		return tq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tq, exists = s.queues[name]; exists {
		return tq
	}

	tq = engine.NewTaskQueue(name, engine.Config{
		Partitions:    s.cfg.QueuePartitions,
		RateLimit:     s.cfg.RateLimit,
		Burst:         s.cfg.Burst,
		SoftLimit:     s.cfg.SoftLimit,
		HardLimit:     s.cfg.HardLimit,
		LeaseTimeout:  s.cfg.LeaseTimeout,
		MaxDeliveries: s.cfg.MaxDeliveries,
		DLQ:           s.dlq,
		Logger:        s.logger,
	})
	s.queues[name] = tq

	s.logger.Info("created task queue", slog.String("name", name))
	return tq
}

func (s *Service) runLeaseReaper() {
	defer s.wg.Done()

	ticker := time.NewTicker(leaseReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reclaimExpiredLeases()
		}
	}
}

func (s *Service) reclaimExpiredLeases() {
	s.mu.RLock()
	queues := make([]*engine.TaskQueue, 0, len(s.queues))
	for _, tq := range s.queues {
		queues = append(queues, tq)
	}
	s.mu.RUnlock()

	now := time.Now()
	total := 0
	for _, tq := range queues {
		total += tq.ReclaimExpired(now)
	}
	if total > 0 {
		s.logger.Info("requeued expired leases", slog.Int("count", total))
	}
}
