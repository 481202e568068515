package store

import (
	"context"
	"sync"

	"github.com/linkflow/execplane/internal/history/engine"
	"github.com/linkflow/execplane/internal/history/types"
)

// MemoryEventStore keeps event logs in process. It enforces the same
// conditional-append contract as the postgres store so tests exercise real
// conflict handling.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*types.HistoryEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string][]*types.HistoryEvent),
	}
}

func (s *MemoryEventStore) AppendEvents(ctx context.Context, key types.ExecutionKey, events []*types.HistoryEvent, expectedLastEventID int64) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	existing := s.events[k]

	var lastEventID int64
	if len(existing) > 0 {
		lastEventID = existing[len(existing)-1].EventID
	}
	if expectedLastEventID >= 0 && lastEventID != expectedLastEventID {
		return ErrEventConflict
	}

	for _, event := range events {
		// Re-appending an ID that already exists is a retried request;
		// skip it instead of corrupting the log.
		if event.EventID <= lastEventID {
			continue
		}
		s.events[k] = append(s.events[k], event)
		lastEventID = event.EventID
	}
	return nil
}

func (s *MemoryEventStore) GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.HistoryEvent
	for _, e := range s.events[key.String()] {
		if e.EventID >= firstEventID && e.EventID <= lastEventID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryEventStore) GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[key.String()])), nil
}

// MemoryMutableStateStore keeps execution snapshots in process with the
// same DBVersion compare-and-swap as the postgres store.
type MemoryMutableStateStore struct {
	mu       sync.RWMutex
	states   map[string]*engine.MutableState
	requests map[string]string
}

func NewMemoryMutableStateStore() *MemoryMutableStateStore {
	return &MemoryMutableStateStore{
		states:   make(map[string]*engine.MutableState),
		requests: make(map[string]string),
	}
}

func (s *MemoryMutableStateStore) GetMutableState(ctx context.Context, key types.ExecutionKey) (*engine.MutableState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[key.String()]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryMutableStateStore) UpdateMutableState(ctx context.Context, key types.ExecutionKey, state *engine.MutableState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	current, exists := s.states[k]
	if exists {
		if current.DBVersion != expectedVersion {
			return ErrStateConflict
		}
	} else if expectedVersion != 0 {
		return ErrStateConflict
	}

	next := state.Clone()
	next.DBVersion = expectedVersion + 1
	s.states[k] = next
	return nil
}

func requestKey(namespace, workflowID, requestID string) string {
	return namespace + "/" + workflowID + "/" + requestID
}

func (s *MemoryMutableStateStore) GetRunIDForRequest(ctx context.Context, namespace, workflowID, requestID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.requests[requestKey(namespace, workflowID, requestID)]
	if !ok {
		return "", ErrExecutionNotFound
	}
	return runID, nil
}

func (s *MemoryMutableStateStore) RecordRequestID(ctx context.Context, namespace, workflowID, requestID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := requestKey(namespace, workflowID, requestID)
	if _, exists := s.requests[k]; !exists {
		s.requests[k] = runID
	}
	return nil
}

func (s *MemoryMutableStateStore) ListRunningExecutions(ctx context.Context) ([]types.ExecutionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []types.ExecutionKey
	for _, state := range s.states {
		if state.IsRunning() {
			keys = append(keys, state.ExecutionInfo.Key)
		}
	}
	return keys, nil
}
