package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store backed by a map. Expired entries are
// reaped lazily on access.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memoryEntry),
	}
}

// Get returns the value stored under key, or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	if entry.expired(time.Now()) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()

		return nil, ErrNotFound
	}

	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)

	return cp, nil
}

// Set stores value under key with no expiry.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.store(key, value, 0)

	return nil
}

// SetTTL stores value under key, expiring after ttl.
func (m *Memory) SetTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.store(key, value, ttl)

	return nil
}

// SetNX stores value under key only if the key does not exist.
func (m *Memory) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.data[key]
	if ok && !entry.expired(time.Now()) {
		return false, nil
	}

	m.data[key] = memoryEntry{value: cloneBytes(value)}

	return true, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

// Keys returns all live keys with the given prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()

	m.mu.RLock()
	keys := make([]string, 0, len(m.data))

	for key, entry := range m.data {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	return keys, nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close releases the map.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.data = make(map[string]memoryEntry)
	m.mu.Unlock()

	return nil
}

func (m *Memory) store(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: cloneBytes(value)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.data[key] = entry
	m.mu.Unlock()
}

func cloneBytes(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)

	return cp
}
