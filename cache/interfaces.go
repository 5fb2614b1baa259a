// Package cache provides an in-memory cache with TTL-based expiration,
// ETag metadata and tag-based invalidation.
package cache

import (
	"errors"
	"time"
)

var (
	// ErrUnknownTag is returned when invalidating a tag the cache was not configured with
	ErrUnknownTag = errors.New("unknown invalidation tag")
	// ErrEmptyTag is returned when invalidating with an empty tag
	ErrEmptyTag = errors.New("invalidation tag is required")
)

// Seq is the cache's logical clock. Every invalidation advances it.
type Seq uint64

// Entry represents a cached value with metadata
type Entry[V any] struct {
	Value     V
	ETag      string
	FetchedAt time.Time
	// Seq is the logical time at which the population producing Value started
	Seq Seq
}

// Reader defines the interface for reading cache entries
type Reader[V any] interface {
	// Read retrieves a cache entry by key with TTL validation
	// Returns the entry and true if found and not expired, false otherwise
	Read(key string, maxAge time.Duration) (*Entry[V], bool)
}

// Writer defines the interface for writing cache entries
type Writer[V any] interface {
	// Write stores a cache entry with the given key.
	// Returns false if the entry was discarded because an invalidation
	// covering the key happened after the entry's population started.
	Write(key string, entry *Entry[V]) bool
}

// ReadWriter combines both cache operations
type ReadWriter[V any] interface {
	Reader[V]
	Writer[V]
}

// Invalidator evicts every entry associated with a tag
type Invalidator interface {
	Invalidate(tag string) (int, error)
}

// ETagger provides ETag support for conditional requests
type ETagger interface {
	// GetETag returns the ETag for a given key, empty string if not found
	GetETag(key string) string
}

// TagFunc maps a cache key to the tags it belongs to. It must be deterministic.
type TagFunc func(key string) []string

// TagValidator reports whether a tag is one the cache recognises
type TagValidator func(tag string) bool
