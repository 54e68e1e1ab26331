package repository

import (
	"context"
	"sync"
	"time"
)

type idempotentEntry struct {
	payload  []byte
	storedAt time.Time
}

// MemoryIdempotencyRepo remembers reservation responses keyed by idempotency key.
// Entries older than ttl are ignored and pruned on write.
type MemoryIdempotencyRepo struct {
	mu      sync.RWMutex
	entries map[string]idempotentEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyRepo constructs the repository. A non-positive ttl keeps entries forever.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{entries: make(map[string]idempotentEntry), ttl: ttl, now: time.Now}
}

// GetResponse retrieves a cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok || m.stale(entry) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

// PutResponse stores a response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, entry := range m.entries {
		if m.stale(entry) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = idempotentEntry{payload: append([]byte(nil), payload...), storedAt: m.now()}
	return nil
}

func (m *MemoryIdempotencyRepo) stale(entry idempotentEntry) bool {
	return m.ttl > 0 && m.now().Sub(entry.storedAt) > m.ttl
}
