package visit

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinicops/visitauth/internal/audit"
	"github.com/clinicops/visitauth/internal/domain/errs"
)

// Store persists visits. Create and Save write the visit's pending audit events as part
// of the same unit of work; a change is never visible without its audit record.
type Store interface {
	Create(ctx context.Context, v *Visit) error
	Get(ctx context.Context, id string) (*Visit, error)
	// Save persists a mutated visit. It fails with errs.ErrConflict when the stored
	// version no longer matches v.Version.
	Save(ctx context.Context, v *Visit) error
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	visits map[string]*Visit
	sink   audit.Sink
}

// NewMemoryStore creates a store that emits audit events to sink before applying changes.
func NewMemoryStore(sink audit.Sink) *MemoryStore {
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	return &MemoryStore{visits: make(map[string]*Visit), sink: sink}
}

func (s *MemoryStore) Create(ctx context.Context, v *Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.visits[v.ID]; exists {
		return fmt.Errorf("visit %s already exists: %w", v.ID, errs.ErrConflict)
	}
	if err := s.flush(ctx, v); err != nil {
		return err
	}
	v.Version = 1
	s.visits[v.ID] = v.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visits[id]
	if !ok {
		return nil, fmt.Errorf("visit %s: %w", id, errs.ErrNotFound)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, v *Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.visits[v.ID]
	if !ok {
		return fmt.Errorf("visit %s: %w", v.ID, errs.ErrNotFound)
	}
	if current.Version != v.Version {
		return fmt.Errorf("visit %s version %d: %w", v.ID, v.Version, errs.ErrConflict)
	}
	if err := s.flush(ctx, v); err != nil {
		return err
	}
	v.Version++
	s.visits[v.ID] = v.Clone()
	return nil
}

func (s *MemoryStore) flush(ctx context.Context, v *Visit) error {
	for _, e := range v.Changes() {
		if err := s.sink.Emit(ctx, e); err != nil {
			return fmt.Errorf("write audit event %s: %w", e.Action, err)
		}
	}
	v.ClearChanges()
	return nil
}
