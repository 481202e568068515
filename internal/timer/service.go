// Package timer stores durable timers and fires them back into history.
// A timer survives process restarts; firing is at-least-once and history
// deduplicates by timer ID.
package timer

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/rpc"
)

var (
	ErrTimerNotFound   = errors.New("timer not found")
	ErrTimerExists     = errors.New("timer already exists")
	ErrVersionConflict = errors.New("timer version conflict")
)

type Status int32

const (
	StatusPending Status = iota
	StatusFired
	StatusCancelled
)

// Timer is one durable timer row. Version implements the optimistic claim:
// only the processor whose update wins the version race fires the timer.
type Timer struct {
	Key              types.ExecutionKey
	TimerID          string
	NodeID           string
	ScheduledEventID int64
	ShardID          int32
	FireTime         time.Time
	Status           Status
	Version          int64
	CreatedAt        time.Time
	FiredAt          time.Time
}

// Store persists timers.
type Store interface {
	CreateTimer(ctx context.Context, t *Timer) error
	GetTimer(ctx context.Context, key types.ExecutionKey, timerID string) (*Timer, error)
	UpdateTimer(ctx context.Context, t *Timer) error
	DeleteTimer(ctx context.Context, key types.ExecutionKey, timerID string) error
	GetDueTimers(ctx context.Context, shardID int32, fireTime time.Time, limit int) ([]*Timer, error)
}

// HistoryClient is the slice of the history API the timer service needs.
type HistoryClient interface {
	RecordTimerFired(ctx context.Context, req *rpc.RecordTimerFiredRequest) error
}

type Config struct {
	NumShards      int32
	ScanInterval   time.Duration
	BatchSize      int
	ProcessorCount int
	MaxFireDelay   time.Duration
	Logger         *slog.Logger
}

// Service implements rpc.TimerAPI and runs the scan/fire loops.
type Service struct {
	store   Store
	history HistoryClient
	config  Config
	logger  *slog.Logger

	assignedShards []int32

	stopCh  chan struct{}
	timerCh chan *Timer

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewService(store Store, history HistoryClient, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.NumShards <= 0 {
		config.NumShards = 16
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.ProcessorCount <= 0 {
		config.ProcessorCount = 4
	}
	if config.MaxFireDelay <= 0 {
		config.MaxFireDelay = time.Minute
	}

	return &Service{
		store:   store,
		history: history,
		config:  config,
		logger:  config.Logger,
		timerCh: make(chan *Timer, config.BatchSize*config.ProcessorCount),
	}
}

// AssignShards restricts scanning to the given shards. With no assignment
// the instance scans all of them.
func (s *Service) AssignShards(shards []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedShards = shards
	s.logger.Info("assigned timer shards", slog.Any("shards", shards))
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("timer service is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting timer service",
		slog.Int("processor_count", s.config.ProcessorCount),
		slog.Duration("scan_interval", s.config.ScanInterval),
	)

	s.wg.Add(1)
	go s.runScanner()

	for i := 0; i < s.config.ProcessorCount; i++ {
		s.wg.Add(1)
		go s.runProcessor(i)
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("timer service stopped")
	case <-ctx.Done():
		s.logger.Warn("timer service stop timed out")
	}
	return nil
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ScheduleTimer creates a durable timer. Re-scheduling an existing timer
// ID is a no-op so history can retry after a partial dispatch.
func (s *Service) ScheduleTimer(ctx context.Context, req *rpc.ScheduleTimerRequest) error {
	t := &Timer{
		Key:              req.Key,
		TimerID:          req.TimerID,
		NodeID:           req.NodeID,
		ScheduledEventID: req.ScheduledEventID,
		ShardID:          s.shardID(req.Key),
		FireTime:         req.FireTime,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.store.CreateTimer(ctx, t); err != nil {
		if errors.Is(err, ErrTimerExists) {
			return nil
		}
		return err
	}

	s.logger.Debug("timer scheduled",
		slog.String("timer_id", req.TimerID),
		slog.String("execution", req.Key.String()),
		slog.Time("fire_time", req.FireTime),
	)
	return nil
}

// CancelTimer marks a pending timer cancelled. A timer that already fired
// or never existed cancels as a no-op; history already dropped it.
func (s *Service) CancelTimer(ctx context.Context, req *rpc.CancelTimerRequest) error {
	t, err := s.store.GetTimer(ctx, req.Key, req.TimerID)
	if err != nil {
		if errors.Is(err, ErrTimerNotFound) {
			return nil
		}
		return err
	}
	if t.Status != StatusPending {
		return nil
	}

	t.Status = StatusCancelled
	t.Version++
	if err := s.store.UpdateTimer(ctx, t); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil
		}
		return err
	}

	s.logger.Debug("timer cancelled",
		slog.String("timer_id", req.TimerID),
		slog.String("execution", req.Key.String()),
	)
	return nil
}

func (s *Service) GetTimer(ctx context.Context, key types.ExecutionKey, timerID string) (*Timer, error) {
	return s.store.GetTimer(ctx, key, timerID)
}

func (s *Service) runScanner() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanDueTimers()
		}
	}
}

func (s *Service) scanDueTimers() {
	s.mu.RLock()
	shards := s.assignedShards
	s.mu.RUnlock()

	if len(shards) == 0 {
		shards = make([]int32, s.config.NumShards)
		for i := range shards {
			shards[i] = int32(i)
		}
	}

	ctx := context.Background()
	now := time.Now()

	for _, shardID := range shards {
		select {
		case <-s.stopCh:
			return
		default:
		}

		timers, err := s.store.GetDueTimers(ctx, shardID, now, s.config.BatchSize)
		if err != nil {
			s.logger.Error("failed to scan due timers",
				slog.Int("shard_id", int(shardID)),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, t := range timers {
			select {
			case <-s.stopCh:
				return
			case s.timerCh <- t:
			}
		}
	}
}

func (s *Service) runProcessor(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.timerCh:
			s.processTimer(context.Background(), t)
		}
	}
}

// processTimer claims the timer with a version CAS, then reports the fire
// to history. Losing the CAS means another processor owns it.
func (s *Service) processTimer(ctx context.Context, t *Timer) {
	current, err := s.store.GetTimer(ctx, t.Key, t.TimerID)
	if err != nil {
		if !errors.Is(err, ErrTimerNotFound) {
			s.logger.Error("failed to load timer",
				slog.String("timer_id", t.TimerID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if current.Status != StatusPending {
		return
	}

	delay := time.Since(current.FireTime)
	if delay > s.config.MaxFireDelay {
		s.logger.Warn("timer firing late",
			slog.String("timer_id", current.TimerID),
			slog.Duration("delay", delay),
		)
	}

	current.Status = StatusFired
	current.FiredAt = time.Now().UTC()
	current.Version++
	if err := s.store.UpdateTimer(ctx, current); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return
		}
		s.logger.Error("failed to claim timer",
			slog.String("timer_id", current.TimerID),
			slog.String("error", err.Error()),
		)
		return
	}

	err = s.history.RecordTimerFired(ctx, &rpc.RecordTimerFiredRequest{
		Key:              current.Key,
		TimerID:          current.TimerID,
		ScheduledEventID: current.ScheduledEventID,
	})
	if err != nil {
		// The execution being gone or closed still counts as delivered.
		if errors.Is(err, rpc.ErrNotFound) || errors.Is(err, rpc.ErrExecutionClosed) {
			return
		}
		s.logger.Error("failed to record timer fired, rolling back claim",
			slog.String("timer_id", current.TimerID),
			slog.String("error", err.Error()),
		)
		current.Status = StatusPending
		current.FiredAt = time.Time{}
		current.Version++
		if rollbackErr := s.store.UpdateTimer(ctx, current); rollbackErr != nil {
			s.logger.Error("failed to roll back timer claim",
				slog.String("timer_id", current.TimerID),
				slog.String("error", rollbackErr.Error()),
			)
		}
		return
	}

	s.logger.Info("timer fired",
		slog.String("timer_id", current.TimerID),
		slog.String("execution", current.Key.String()),
		slog.Duration("delay", delay),
	)
}

func (s *Service) shardID(key types.ExecutionKey) int32 {
	h := fnv.New32a()
	h.Write([]byte(key.Namespace + "/" + key.WorkflowID))
	return int32(h.Sum32() % uint32(s.config.NumShards))
}
