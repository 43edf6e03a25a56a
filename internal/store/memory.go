package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	createdAt time.Time
	expiresAt *time.Time
}

// Memory is a goroutine-safe in-process store
type Memory struct {
	mu          sync.Mutex
	data        map[string]memEntry
	hits        int64
	misses      int64
	lastCleanup *time.Time
	closed      bool
	now         func() time.Time
}

// NewMemory returns an empty in-memory store
func NewMemory(now func() time.Time) *Memory {
	return &Memory{data: make(map[string]memEntry), now: clock(now)}
}

func (m *Memory) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	e, ok := m.data[key]
	if !ok {
		m.misses++
		return false, nil
	}
	if e.expiresAt != nil && !m.now().Before(*e.expiresAt) {
		delete(m.data, key)
		m.misses++
		return false, nil
	}

	if err := json.Unmarshal(e.value, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal stored value %q: %w", key, err)
	}
	m.hits++
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.now()
	e := memEntry{value: data, createdAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		e.expiresAt = &expires
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	deleted := 0
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Entries(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	entries := make([]Entry, 0, len(m.data))
	for key, e := range m.data {
		entries = append(entries, Entry{
			Key:       key,
			Kind:      kindOf(e.expiresAt),
			Size:      len(e.value),
			CreatedAt: e.createdAt,
			ExpiresAt: e.expiresAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *Memory) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	now := m.now()
	deleted := 0
	for key, e := range m.data {
		if e.expiresAt != nil && !now.Before(*e.expiresAt) {
			delete(m.data, key)
			deleted++
		}
	}
	m.lastCleanup = &now
	return deleted, nil
}

func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	return &Stats{
		TotalHits:   m.hits,
		TotalMisses: m.misses,
		HitRate:     hitRate(m.hits, m.misses),
		Entries:     len(m.data),
		LastCleanup: m.lastCleanup,
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
