package visibility

import (
	"context"
	"sort"
	"sync"

	"github.com/linkflow/execplane/internal/history/types"
)

// MemoryStore is the in-process visibility index used in tests and
// single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ExecutionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ExecutionRecord),
	}
}

func (s *MemoryStore) RecordExecutionStarted(ctx context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[record.Key.String()] = &copied
	return nil
}

func (s *MemoryStore) RecordExecutionClosed(ctx context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.Key.String()]
	if !ok {
		copied := *record
		s.records[record.Key.String()] = &copied
		return nil
	}
	existing.Status = record.Status
	existing.Result = record.Result
	existing.CloseTime = record.CloseTime
	existing.HistoryLength = record.HistoryLength
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, key types.ExecutionKey) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*ExecutionRecord
	for _, record := range s.records {
		if record.Key.Namespace != req.Namespace {
			continue
		}
		if req.WorkflowID != "" && record.Key.WorkflowID != req.WorkflowID {
			continue
		}
		if req.Status != types.ExecutionStatusUnspecified && record.Status != req.Status {
			continue
		}
		copied := *record
		records = append(records, &copied)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})

	if req.Offset > 0 {
		if req.Offset >= len(records) {
			records = nil
		} else {
			records = records[req.Offset:]
		}
	}
	if req.PageSize > 0 && len(records) > req.PageSize {
		records = records[:req.PageSize]
	}

	return &ListResponse{Executions: records}, nil
}
