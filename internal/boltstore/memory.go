package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is a Store kept in a map. Scan order matches BoltStore.
type MemoryStore[T any] struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{data: make(map[string][]byte)}
}

func (s *MemoryStore[T]) Get(_ context.Context, key string) (*T, error) {
	s.mu.RLock()
	data, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func (s *MemoryStore[T]) Put(_ context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("boltstore: encode %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

func (s *MemoryStore[T]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore[T]) Scan(_ context.Context, prefix string, fn func(key string, value *T) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	snapshot := make([][]byte, len(keys))
	for i, k := range keys {
		snapshot[i] = s.data[k]
	}
	s.mu.RUnlock()

	for i, k := range keys {
		var value T
		if err := json.Unmarshal(snapshot[i], &value); err != nil {
			return fmt.Errorf("boltstore: decode %q: %w", k, err)
		}
		if err := fn(k, &value); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore[T]) Close() error {
	return nil
}
