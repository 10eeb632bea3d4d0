package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker with the same token/TTL semantics
// as the Redis-backed Manager. Used in tests and single-process setups.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemoryLocker creates an in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Acquire takes the lock unless it is held and unexpired.
func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if expiry, ok := m.held[key]; ok && expiry.After(now) {
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lock if it is still held and unexpired.
func (m *MemoryLocker) Release(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.held[key]
	if !ok {
		return false, nil
	}
	delete(m.held, key)
	return expiry.After(m.clock()), nil
}
