package cache

import (
	"sync"
	"time"
)

// Memory implements ReadWriter, Invalidator and ETagger with an in-process map.
//
// Invalidation is tracked with per-tag floors on a logical clock: Invalidate
// advances the clock and records the new value as the tag's floor. An entry
// whose Seq is below the floor of any of its key's tags is never stored, so a
// population that started before an invalidation cannot resurrect the
// evicted value once it completes.
type Memory[V any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[V]
	byTag   map[string]map[string]struct{}
	floors  map[string]Seq
	seq     Seq

	tags  TagFunc
	valid TagValidator
	now   func() time.Time
}

type options struct {
	tags  TagFunc
	valid TagValidator
	now   func() time.Time
}

// Option configures a Memory cache
type Option func(*options)

// WithTags sets the key to tags mapping. Without it no key carries any tag.
func WithTags(fn TagFunc) Option {
	return func(o *options) { o.tags = fn }
}

// WithTagValidator makes Invalidate reject tags for which fn returns false
func WithTagValidator(fn TagValidator) Option {
	return func(o *options) { o.valid = fn }
}

// WithClock overrides the wall clock used for TTL checks
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewMemory creates an empty in-memory cache
func NewMemory[V any](opts ...Option) *Memory[V] {
	o := options{
		tags: func(string) []string { return nil },
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Memory[V]{
		entries: make(map[string]*Entry[V]),
		byTag:   make(map[string]map[string]struct{}),
		floors:  make(map[string]Seq),
		tags:    o.tags,
		valid:   o.valid,
		now:     o.now,
	}
}

// Read implements Reader interface
func (m *Memory[V]) Read(key string, maxAge time.Duration) (*Entry[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if maxAge > 0 && m.now().Sub(entry.FetchedAt) > maxAge {
		return nil, false
	}
	return entry, true
}

// Begin returns the current logical time. Callers record it before starting
// a population and pass it back in Entry.Seq.
func (m *Memory[V]) Begin() Seq {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Floor returns the highest invalidation floor among the key's tags
func (m *Memory[V]) Floor(key string) Seq {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.floorLocked(key)
}

func (m *Memory[V]) floorLocked(key string) Seq {
	var floor Seq
	for _, tag := range m.tags(key) {
		if f := m.floors[tag]; f > floor {
			floor = f
		}
	}
	return floor
}

// Write implements Writer interface
func (m *Memory[V]) Write(key string, entry *Entry[V]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Seq < m.floorLocked(key) {
		return false
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = m.now()
	}

	m.entries[key] = entry
	for _, tag := range m.tags(key) {
		keys, ok := m.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return true
}

// Invalidate evicts every entry whose key carries tag and returns how many
// entries were evicted. Invalidating a tag with no live entries is a no-op.
func (m *Memory[V]) Invalidate(tag string) (int, error) {
	if tag == "" {
		return 0, ErrEmptyTag
	}
	if m.valid != nil && !m.valid(tag) {
		return 0, ErrUnknownTag
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.floors[tag] = m.seq

	evicted := 0
	for key := range m.byTag[tag] {
		if _, ok := m.entries[key]; ok {
			evicted++
		}
		m.deleteLocked(key)
	}
	delete(m.byTag, tag)
	return evicted, nil
}

// Prune drops entries older than maxAge and returns how many were dropped
func (m *Memory[V]) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	pruned := 0
	for key, entry := range m.entries {
		if now.Sub(entry.FetchedAt) > maxAge {
			m.deleteLocked(key)
			pruned++
		}
	}
	return pruned
}

func (m *Memory[V]) deleteLocked(key string) {
	delete(m.entries, key)
	for _, tag := range m.tags(key) {
		if keys, ok := m.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.byTag, tag)
			}
		}
	}
}

// GetETag implements ETagger interface
func (m *Memory[V]) GetETag(key string) string {
	entry, ok := m.Read(key, 0) // Read without TTL check
	if !ok {
		return ""
	}
	return entry.ETag
}

// Len returns the number of stored entries, expired ones included
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
