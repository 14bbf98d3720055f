package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is an in-process Processor with the same status rules as Inbox
type MemoryInbox struct {
	mu      sync.Mutex
	config  InboxConfig
	entries map[string]*InboxEntry
}

// NewMemoryInbox creates an empty inbox
func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{config: cfg, entries: make(map[string]*InboxEntry)}
}

func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	entry, seen := m.entries[key]
	if seen && entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		delete(m.entries, key)
		seen = false
	}
	recovered := false
	if seen {
		switch entry.Status {
		case StatusFinished:
			result := entry.Result
			m.mu.Unlock()
			return &ProcessResult{Result: result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= m.config.RecoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
		}
		recovered = true
	}

	now := time.Now()
	expires := now.Add(m.config.DefaultTTL)
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.UpdatedAt = time.Now()
	if err != nil {
		e.Status = StatusRecoverable
		if m.config.IsTerminal != nil && m.config.IsTerminal(err) {
			e.Status = StatusFailed
		}
		return nil, err
	}
	e.Status = StatusFinished
	e.Result = result
	return &ProcessResult{IsNew: !seen, WasRecovered: recovered, Result: result}, nil
}
