package verification

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/clinicops/visitauth/internal/audit"
	"github.com/clinicops/visitauth/internal/domain/errs"
)

// Store durably records verification attempts.
type Store interface {
	// Record inserts v. When v.Active is set, every other verification of the visit
	// is deactivated in the same atomic unit. The audit record is written with it.
	Record(ctx context.Context, v *Verification) error
	// Active returns the active verification, or nil when the visit has none.
	Active(ctx context.Context, visitID string) (*Verification, error)
	// Latest returns the most recent attempt whether or not it is active, or nil.
	Latest(ctx context.Context, visitID string) (*Verification, error)
	// History returns every attempt for the visit, newest first.
	History(ctx context.Context, visitID string) ([]*Verification, error)
}

// VisitExists reports whether a visit is known. MemoryStore uses it to mirror the
// foreign key of the SQL schema.
type VisitExists func(ctx context.Context, visitID string) bool

// MemoryStore is a thread-safe in-memory Store
type MemoryStore struct {
	mu      sync.RWMutex
	byVisit map[string][]*Verification
	sink    audit.Sink
	exists  VisitExists
}

// NewMemoryStore creates an empty store. exists may be nil.
func NewMemoryStore(sink audit.Sink, exists VisitExists) *MemoryStore {
	if sink == nil {
		sink = audit.NewMemorySink()
	}
	return &MemoryStore{
		byVisit: make(map[string][]*Verification),
		sink:    sink,
		exists:  exists,
	}
}

func (s *MemoryStore) Record(ctx context.Context, v *Verification) error {
	if s.exists != nil && !s.exists(ctx, v.VisitID) {
		return fmt.Errorf("visit %s: %w", v.VisitID, errs.ErrNotFound)
	}
	v.ensureIdentity()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sink.Emit(ctx, recordedEvent(v)); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	if v.Active {
		for _, prior := range s.byVisit[v.VisitID] {
			prior.Active = false
		}
	}
	stored := *v
	s.byVisit[v.VisitID] = append(s.byVisit[v.VisitID], &stored)
	return nil
}

func (s *MemoryStore) Active(_ context.Context, visitID string) (*Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.byVisit[visitID] {
		if v.Active {
			c := *v
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Latest(_ context.Context, visitID string) (*Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.byVisit[visitID]
	if len(rows) == 0 {
		return nil, nil
	}
	c := *rows[len(rows)-1]
	return &c, nil
}

func (s *MemoryStore) History(_ context.Context, visitID string) ([]*Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.byVisit[visitID]
	out := make([]*Verification, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		c := *rows[i]
		out = append(out, &c)
	}
	return out, nil
}

func recordedEvent(v *Verification) audit.Event {
	return audit.NewEvent(audit.ActionVerificationStored, v.VisitID, v.ActorID, map[string]string{
		"verification_id":  v.ID,
		"outcome":          string(v.Outcome),
		"visit_type":       string(v.VisitType),
		"card_no":          MaskedCard(v.CardNo),
		"authorization_no": v.AuthorizationNo,
		"active":           strconv.FormatBool(v.Active),
		"failure":          string(v.Failure),
	})
}
