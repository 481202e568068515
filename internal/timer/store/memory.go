package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/timer"
)

// MemoryStore keeps timers in a map. It mirrors the conflict semantics of
// the postgres store so tests exercise the same claim races.
type MemoryStore struct {
	timers map[string]*timer.Timer
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		timers: make(map[string]*timer.Timer),
	}
}

func timerKey(key types.ExecutionKey, timerID string) string {
	return key.String() + "/" + timerID
}

func (s *MemoryStore) CreateTimer(ctx context.Context, t *timer.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey(t.Key, t.TimerID)
	if _, exists := s.timers[k]; exists {
		return timer.ErrTimerExists
	}

	clone := *t
	s.timers[k] = &clone
	return nil
}

func (s *MemoryStore) GetTimer(ctx context.Context, key types.ExecutionKey, timerID string) (*timer.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.timers[timerKey(key, timerID)]
	if !exists {
		return nil, timer.ErrTimerNotFound
	}

	clone := *t
	return &clone, nil
}

func (s *MemoryStore) UpdateTimer(ctx context.Context, t *timer.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey(t.Key, t.TimerID)
	existing, exists := s.timers[k]
	if !exists {
		return timer.ErrTimerNotFound
	}
	if existing.Version != t.Version-1 {
		return timer.ErrVersionConflict
	}

	clone := *t
	s.timers[k] = &clone
	return nil
}

func (s *MemoryStore) DeleteTimer(ctx context.Context, key types.ExecutionKey, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey(key, timerID)
	if _, exists := s.timers[k]; !exists {
		return timer.ErrTimerNotFound
	}
	delete(s.timers, k)
	return nil
}

func (s *MemoryStore) GetDueTimers(ctx context.Context, shardID int32, fireTime time.Time, limit int) ([]*timer.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*timer.Timer
	for _, t := range s.timers {
		if t.ShardID == shardID && t.Status == timer.StatusPending && !t.FireTime.After(fireTime) {
			clone := *t
			due = append(due, &clone)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].FireTime.Before(due[j].FireTime)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Count reports the number of stored timers, fired and cancelled included.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}
