package gallery

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/briangreenhill/printables/cache"
)

const (
	DefaultLimit = 12
	MaxLimit     = 100

	// Tag covers every gallery page. Pages filtered by a category also carry
	// Tag + ":" + category.
	Tag = "gallery"
)

// Query identifies one gallery page
type Query struct {
	Page     int
	Limit    int
	Category string
}

// Normalize validates q and applies limit defaults: a zero limit becomes
// defaultLimit and limits above maxLimit are clamped.
func (q Query) Normalize(defaultLimit, maxLimit int) (Query, error) {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if q.Page < 1 {
		return q, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidParameters, q.Page)
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidParameters, q.Limit)
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	// the store offset must fit an int32
	if q.Page > math.MaxInt32/q.Limit {
		return q, fmt.Errorf("%w: page %d is out of range", ErrInvalidParameters, q.Page)
	}
	return q, nil
}

// Offset is the number of entries before the first one on q's page
func (q Query) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Key is the cache key for a normalized query
func (q Query) Key() string {
	return cache.KeyFor(Tag, map[string]string{
		"page":     strconv.Itoa(q.Page),
		"limit":    strconv.Itoa(q.Limit),
		"category": q.Category,
	})
}

// CategoryTag returns the invalidation tag scoped to one category
func CategoryTag(category string) string {
	return Tag + ":" + category
}

// Tags maps a gallery cache key to its invalidation tags
func Tags(key string) []string {
	path, params, err := cache.ParseKey(key)
	if err != nil || path != Tag {
		return nil
	}
	tags := []string{Tag}
	if c := params["category"]; c != "" {
		tags = append(tags, CategoryTag(c))
	}
	return tags
}

// ValidTag reports whether tag is one Tags can produce
func ValidTag(tag string) bool {
	if tag == Tag {
		return true
	}
	category, ok := strings.CutPrefix(tag, Tag+":")
	return ok && category != ""
}
