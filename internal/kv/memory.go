package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store backed by a mutex-guarded map. Its state
// is local to the process, so it cannot provide a shared view across
// replicas; it exists for unit tests and single-instance deployments, the
// same split the Redis-backed limiter repos use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry

	// Clock is overridable so tests can step through windows without
	// sleeping. Defaults to time.Now.
	Clock func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		Clock:   time.Now,
	}
}

// get evicts lazily; callers hold the mutex.
func (m *MemoryStore) get(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.Clock()) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Clock().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		e = entry{value: "0"}
		if ttl > 0 {
			e.expiresAt = m.Clock().Add(ttl)
		}
	}
	count, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	count++
	e.value = strconv.FormatInt(count, 10)
	m.entries[key] = e
	return count, nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.get(key); ok {
		return false, e.value, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Clock().Add(ttl)
	}
	m.entries[key] = e
	return true, value, nil
}

func (m *MemoryStore) GetDel(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return "", ErrNotFound
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.Clock()), nil
}
