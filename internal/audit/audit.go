// Package audit defines the audit record emitted by every mutating workflow call.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic is the broker topic audit events are relayed to
const Topic = "visit.audit"

// Action identifies the mutating operation an audit record describes
type Action string

const (
	ActionVisitCreated       Action = "visit.created"
	ActionVisitAdvanced      Action = "visit.advanced"
	ActionVisitTransferred   Action = "visit.transferred"
	ActionVisitCompleted     Action = "visit.completed"
	ActionVisitCancelled     Action = "visit.cancelled"
	ActionCashConversion     Action = "visit.converted_to_cash"
	ActionVerifyRequested    Action = "insurance.verify_requested"
	ActionVerificationStored Action = "insurance.verification_recorded"
)

// Event is the shape handed to the audit collaborator. The collaborator owns storage.
type Event struct {
	ID        string            `json:"id"`
	Action    Action            `json:"action"`
	VisitID   string            `json:"visit_id"`
	ActorID   string            `json:"actor_id"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current UTC time
func NewEvent(action Action, visitID, actorID string, metadata map[string]string) Event {
	return Event{
		ID:        uuid.New().String(),
		Action:    action,
		VisitID:   visitID,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Payload returns the JSON encoding used on the wire and in the outbox.
func (e Event) Payload() (json.RawMessage, error) {
	return json.Marshal(e)
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// MemorySink keeps events in memory. Used by the in-memory stores and tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything emitted so far
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns the emitted events with the given action
func (s *MemorySink) ByAction(action Action) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes events to a zap logger. It never fails.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("action", string(event.Action)),
		zap.String("visit_id", event.VisitID),
		zap.String("actor_id", event.ActorID),
		zap.Time("timestamp", event.Timestamp),
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	s.logger.Info("audit", fields...)
	return nil
}
