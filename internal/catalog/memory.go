package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store, used for demos and tests
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates a store holding the given entries
func NewMemoryStore(entries ...Entry) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]Entry)}
	for _, e := range entries {
		_ = s.Put(e)
	}
	return s
}

// Put inserts or replaces an entry by ID
func (s *MemoryStore) Put(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.UpdatedAt.Before(e.CreatedAt) {
		return fmt.Errorf("entry %s: updatedAt before createdAt", e.ID)
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	e.DeliveryURL = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, category string, offset, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	s.mu.RLock()
	matched := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if category == "" || e.Category == category {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, Compare)

	if offset >= len(matched) {
		return []Entry{}, nil
	}
	matched = matched[offset:]
	if limit >= 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	for i := range matched {
		matched[i].Tags = slices.Clone(matched[i].Tags)
	}
	return matched, nil
}
