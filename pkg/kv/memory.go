package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]Entry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.entries[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	e := copyEntry(versions[len(versions)-1])
	return &e, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, key string, version uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.entries[key]
	if version == 0 || version > uint64(len(versions)) {
		return nil, fmt.Errorf("%s@%d: %w", key, version, ErrNotFound)
	}
	e := copyEntry(versions[version-1])
	return &e, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) (*Entry, error) {
	return putWithCAS(ctx, s, key, value)
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.entries[key]
	if uint64(len(versions)) != expected {
		return nil, fmt.Errorf("%s: expected version %d, have %d: %w", key, expected, len(versions), ErrConflict)
	}
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   expected + 1,
		UpdatedAt: s.clock().UTC(),
	}
	s.entries[key] = append(versions, e)
	out := copyEntry(e)
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyEntry(e Entry) Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}
