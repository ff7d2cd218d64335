package app

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CounterStore counts events per (scope, subject) inside a fixed window. Increment returns
// the count including this event and the time left in the window.
type CounterStore interface {
	Increment(ctx context.Context, scope, subject string, window time.Duration) (count int, retryAfter time.Duration, err error)
}

type counterEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryCounterStore is a single-process CounterStore for tests and Redis-less deployments.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]counterEntry
	now     func() time.Time
}

// NewMemoryCounterStore creates an empty in-process counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{entries: make(map[string]counterEntry), now: time.Now}
}

func (m *MemoryCounterStore) Increment(ctx context.Context, scope, subject string, window time.Duration) (int, time.Duration, error) {
	key := strings.TrimSpace(scope) + ":" + strings.TrimSpace(subject)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = counterEntry{expiresAt: now.Add(window)}
	}
	entry.count++
	m.entries[key] = entry
	return entry.count, entry.expiresAt.Sub(now), nil
}
