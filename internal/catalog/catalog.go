// Package catalog defines catalog entries and the stores that hold them.
package catalog

import (
	"context"
	"strings"
	"time"
)

// Entry is one deliverable asset's metadata record.
// DeliveryURL is computed when a gallery page is populated and is never persisted.
type Entry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags"`
	AssetKey    string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	DeliveryURL string    `json:"deliveryUrl,omitempty"`
}

// Store is the authoritative, read-only source of catalog metadata.
//
// List returns at most limit entries matching category (all entries when
// category is empty), ordered newest first with ties broken by ascending ID,
// after skipping offset entries.
type Store interface {
	List(ctx context.Context, category string, offset, limit int) ([]Entry, error)
}

// Compare orders entries by CreatedAt descending, then ID ascending
func Compare(a, b Entry) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
