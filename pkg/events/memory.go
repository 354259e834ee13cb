package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEventBus dispatches events synchronously in-process. It backs
// single-process deployments and tests; consumers that do slow work must
// queue internally.
type MemoryEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	closed   bool
}

func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		handlers: make(map[string][]EventHandler),
	}
}

func (m *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	var matched []EventHandler
	for pattern, hs := range m.handlers {
		if MatchPattern(pattern, event.Type) {
			matched = append(matched, hs...)
		}
	}
	m.mu.RUnlock()

	for _, h := range matched {
		_ = h(ctx, event)
	}

	return nil
}

func (m *MemoryEventBus) Subscribe(pattern string, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("event bus is closed")
	}

	m.handlers[pattern] = append(m.handlers[pattern], handler)
	return nil
}

func (m *MemoryEventBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.handlers = make(map[string][]EventHandler)
	return nil
}
