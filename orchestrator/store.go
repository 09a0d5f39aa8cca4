package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/agentfabric/agentfabric/types"
)

// RecordStore persists handoff records. Implementations must be safe for
// concurrent use.
type RecordStore interface {
	// Create saves record only if no record with its id exists yet, and
	// reports whether it was created. The check and the write are atomic;
	// idempotent initiation depends on it.
	Create(ctx context.Context, record *HandoffRecord) (bool, error)
	Save(ctx context.Context, record *HandoffRecord) error
	Get(ctx context.Context, handoffID string) (*HandoffRecord, error)
	List(ctx context.Context) ([]*HandoffRecord, error)
	Close() error
}

// MemoryStore keeps records in process memory. Suitable for tests and
// single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*HandoffRecord
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*HandoffRecord)}
}

// Create implements RecordStore.
func (s *MemoryStore) Create(_ context.Context, record *HandoffRecord) (bool, error) {
	if record == nil || record.ID == "" {
		return false, types.NewError(types.ErrHandoffNotFound, "record must carry an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return false, nil
	}
	s.records[record.ID] = record.clone()
	return true, nil
}

// Save implements RecordStore.
func (s *MemoryStore) Save(_ context.Context, record *HandoffRecord) error {
	if record == nil || record.ID == "" {
		return types.NewError(types.ErrHandoffNotFound, "record must carry an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record.clone()
	return nil
}

// Get implements RecordStore.
func (s *MemoryStore) Get(_ context.Context, handoffID string) (*HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[handoffID]
	if !ok {
		return nil, types.NewErrorf(types.ErrHandoffNotFound, "handoff %q not found", handoffID)
	}
	return record.clone(), nil
}

// List implements RecordStore. Records are ordered by start time.
func (s *MemoryStore) List(_ context.Context) ([]*HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*HandoffRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Close implements RecordStore.
func (s *MemoryStore) Close() error { return nil }
