package engine

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/linkflow/execplane/internal/matching/partition"
	"github.com/linkflow/execplane/internal/rpc"
)

const (
	DefaultLeaseTimeout  = 60 * time.Second
	DefaultMaxDeliveries = 5
	DefaultPartitions    = 4
)

var (
	ErrTaskExists   = errors.New("task already enqueued")
	ErrRateLimited  = errors.New("poll rate limited")
	ErrLeaseUnknown = errors.New("no lease for task")
	ErrLeaseInvalid = errors.New("lease token does not match")
)

// Lease is one delivery of a task to a poller. The holder must echo Token
// on complete or fail; a lease left past ExpiresAt is reclaimed and the
// task redelivered.
type Lease struct {
	Task       *rpc.Task
	Token      string
	ExpiresAt  time.Time
	Deliveries int32
}

// queuedTask keeps the delivery count with the task across redeliveries.
type queuedTask struct {
	task       *rpc.Task
	deliveries int32
}

type pendingRef struct {
	part int
	elem *list.Element
}

type waiter struct {
	ch chan *Lease
}

// Config tunes one task queue. Zero values take defaults.
type Config struct {
	Partitions    int
	RingReplicas  int
	RateLimit     float64
	Burst         int
	SoftLimit     int
	HardLimit     int
	LeaseTimeout  time.Duration
	MaxDeliveries int32
	DLQ           *DeadLetterQueue
	Logger        *slog.Logger
}

// TaskQueue is a partitioned FIFO with lease-based delivery. Tasks are
// routed to a partition by workflow ID so one workflow's tasks never
// reorder, while independent workflows spread across partitions.
type TaskQueue struct {
	name          string
	mu            sync.Mutex
	partitions    []*list.List
	pending       map[string]pendingRef
	leases        map[string]*Lease
	waiters       *list.List
	ring          *partition.Ring
	limiter       *rate.Limiter
	backpressure  *Backpressure
	dlq           *DeadLetterQueue
	leaseTimeout  time.Duration
	maxDeliveries int32
	metrics       *Metrics
	logger        *slog.Logger
	nextPart      int
}

func NewTaskQueue(name string, cfg Config) *TaskQueue {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DLQ == nil {
		cfg.DLQ = NewDeadLetterQueue(0, cfg.Logger)
	}

	parts := make([]*list.List, cfg.Partitions)
	ring := partition.NewRing(cfg.RingReplicas)
	for i := range parts {
		parts[i] = list.New()
		ring.Add(i)
	}

	return &TaskQueue{
		name:          name,
		partitions:    parts,
		pending:       make(map[string]pendingRef),
		leases:        make(map[string]*Lease),
		waiters:       list.New(),
		ring:          ring,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		backpressure:  NewBackpressure(cfg.SoftLimit, cfg.HardLimit, cfg.Logger),
		dlq:           cfg.DLQ,
		leaseTimeout:  cfg.LeaseTimeout,
		maxDeliveries: cfg.MaxDeliveries,
		metrics:       NewMetrics(),
		logger:        cfg.Logger.With(slog.String("queue", name)),
	}
}

func (tq *TaskQueue) Name() string { return tq.name }

func (tq *TaskQueue) Metrics() *Metrics { return tq.metrics }

func (tq *TaskQueue) DLQ() *DeadLetterQueue { return tq.dlq }

// Add enqueues a task. Duplicate IDs (pending or leased) are rejected with
// ErrTaskExists so history-side retries stay idempotent; a backlog over
// the hard limit returns ErrBackpressure.
func (tq *TaskQueue) Add(task *rpc.Task) error {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if _, exists := tq.pending[task.ID]; exists {
		tq.metrics.TasksDeduped.Add(1)
		return ErrTaskExists
	}
	if _, exists := tq.leases[task.ID]; exists {
		tq.metrics.TasksDeduped.Add(1)
		return ErrTaskExists
	}

	if tq.backpressure.ShouldReject(len(tq.pending)) {
		return ErrBackpressure
	}

	tq.metrics.TasksAdded.Add(1)
	tq.enqueueLocked(&queuedTask{task: task})
	return nil
}

// enqueueLocked hands the task straight to a waiting poller when one is
// parked, otherwise pushes it onto its workflow's partition.
func (tq *TaskQueue) enqueueLocked(qt *queuedTask) {
	if elem := tq.waiters.Front(); elem != nil {
		tq.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		w.ch <- tq.leaseLocked(qt)
		return
	}

	part := tq.ring.Get(qt.task.WorkflowID)
	elem := tq.partitions[part].PushBack(qt)
	tq.pending[qt.task.ID] = pendingRef{part: part, elem: elem}
}

func (tq *TaskQueue) leaseLocked(qt *queuedTask) *Lease {
	qt.deliveries++
	lease := &Lease{
		Task:       qt.task,
		Token:      uuid.NewString(),
		ExpiresAt:  time.Now().Add(tq.leaseTimeout),
		Deliveries: qt.deliveries,
	}
	tq.leases[qt.task.ID] = lease

	tq.metrics.TasksDispatched.Add(1)
	tq.metrics.RecordDispatchDelay(time.Since(qt.task.ScheduledTime))
	return lease
}

// Poll returns the next task under a fresh lease, blocking until a task
// arrives or ctx ends. A nil lease with nil error means the poll window
// closed empty.
func (tq *TaskQueue) Poll(ctx context.Context, identity string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tq.limiter.Allow() {
		tq.metrics.PollsRateLimited.Add(1)
		return nil, ErrRateLimited
	}

	tq.mu.Lock()
	if lease := tq.takeLocked(); lease != nil {
		tq.mu.Unlock()
		return lease, nil
	}

	w := &waiter{ch: make(chan *Lease, 1)}
	elem := tq.waiters.PushBack(w)
	tq.mu.Unlock()

	select {
	case lease := <-w.ch:
		return lease, nil
	case <-ctx.Done():
		tq.mu.Lock()
		tq.waiters.Remove(elem)
		tq.mu.Unlock()
		// A dispatch can race the removal; do not lose the lease.
		select {
		case lease := <-w.ch:
			return lease, nil
		default:
		}
		return nil, nil
	}
}

// takeLocked scans partitions round-robin for the oldest ready task.
func (tq *TaskQueue) takeLocked() *Lease {
	n := len(tq.partitions)
	for i := 0; i < n; i++ {
		part := (tq.nextPart + i) % n
		elem := tq.partitions[part].Front()
		if elem == nil {
			continue
		}
		qt := elem.Value.(*queuedTask)
		tq.partitions[part].Remove(elem)
		delete(tq.pending, qt.task.ID)
		tq.nextPart = (part + 1) % n
		return tq.leaseLocked(qt)
	}
	return nil
}

// Complete acknowledges a leased task and drops it for good.
func (tq *TaskQueue) Complete(taskID, token string) error {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	lease, ok := tq.leases[taskID]
	if !ok {
		return ErrLeaseUnknown
	}
	if lease.Token != token {
		return ErrLeaseInvalid
	}

	delete(tq.leases, taskID)
	tq.metrics.TasksCompleted.Add(1)
	return nil
}

// Fail returns a leased task to its partition for redelivery, or parks it
// in the DLQ once the delivery budget is spent.
func (tq *TaskQueue) Fail(taskID, token, reason string) error {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	lease, ok := tq.leases[taskID]
	if !ok {
		return ErrLeaseUnknown
	}
	if lease.Token != token {
		return ErrLeaseInvalid
	}

	delete(tq.leases, taskID)
	tq.metrics.TasksFailed.Add(1)
	tq.requeueLocked(lease, reason)
	return nil
}

func (tq *TaskQueue) requeueLocked(lease *Lease, reason string) {
	if lease.Deliveries >= tq.maxDeliveries {
		tq.metrics.TasksDeadLettered.Add(1)
		tq.dlq.Add(&DLQEntry{
			Task:       lease.Task,
			Queue:      tq.name,
			Reason:     reason,
			Deliveries: lease.Deliveries,
			FailedAt:   time.Now(),
		})
		return
	}
	tq.enqueueLocked(&queuedTask{task: lease.Task, deliveries: lease.Deliveries})
}

// ReclaimExpired requeues every task whose lease passed its deadline and
// returns how many were reclaimed.
func (tq *TaskQueue) ReclaimExpired(now time.Time) int {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	reclaimed := 0
	for taskID, lease := range tq.leases {
		if now.Before(lease.ExpiresAt) {
			continue
		}
		delete(tq.leases, taskID)
		tq.metrics.LeasesExpired.Add(1)
		tq.requeueLocked(lease, "lease expired")
		reclaimed++
	}

	if reclaimed > 0 {
		tq.logger.Info("reclaimed expired leases", slog.Int("count", reclaimed))
	}
	return reclaimed
}

// Redrive re-enqueues a task taken from the DLQ with a fresh delivery
// budget.
func (tq *TaskQueue) Redrive(task *rpc.Task) error {
	return tq.Add(task)
}

func (tq *TaskQueue) Depth() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.pending)
}

func (tq *TaskQueue) InFlight() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.leases)
}

func (tq *TaskQueue) WaiterCount() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.waiters.Len()
}
