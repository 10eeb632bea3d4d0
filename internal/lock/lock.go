// Package lock provides distributed mutual exclusion backed by Redis.
// Locks carry a per-holder random token and a TTL so a crashed holder
// never wedges the resource.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker is the mutual-exclusion contract the workers depend on.
// Acquire never blocks: a held lock simply reports false and the caller
// relies on queue redelivery to retry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) (bool, error)
}

// releaseScript deletes the key only when it still holds our token, so a
// process cannot release a lock that expired and was re-acquired by
// someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager implements Locker on a Redis client. It remembers the token of
// each lock this process acquired; ownership is never transferable.
type Manager struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewManager creates a lock manager. prefix namespaces lock keys,
// e.g. "lock:".
func NewManager(client *redis.Client, prefix string) *Manager {
	if prefix == "" {
		prefix = "lock:"
	}
	return &Manager{
		client: client,
		prefix: prefix,
		tokens: make(map[string]string),
	}
}

// Acquire sets the lock key only if absent, with automatic expiry after
// ttl. Returns whether acquisition succeeded.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.prefix+key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		m.mu.Lock()
		m.tokens[key] = token
		m.mu.Unlock()
	}
	return ok, nil
}

// Release deletes the key only if it still stores the token this process
// last acquired (compare-and-delete). Returns whether the lock was ours
// to release.
func (m *Manager) Release(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	token, ok := m.tokens[key]
	delete(m.tokens, key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	n, err := releaseScript.Run(ctx, m.client, []string{m.prefix + key}, token).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
