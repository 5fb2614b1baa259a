package catalog

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/briangreenhill/printables/internal/db"
)

// Querier is the subset of the sqlc queries the Postgres store needs
type Querier interface {
	ListCatalogEntries(ctx context.Context, arg db.ListCatalogEntriesParams) ([]db.CatalogEntry, error)
}

// PostgresStore reads catalog entries from Postgres
type PostgresStore struct {
	q Querier
}

// NewPostgresStore wraps sqlc queries as a Store
func NewPostgresStore(q Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

// List implements Store
func (s *PostgresStore) List(ctx context.Context, category string, offset, limit int) ([]Entry, error) {
	if offset < 0 || limit < 0 || offset > math.MaxInt32 || limit > math.MaxInt32 {
		return nil, fmt.Errorf("offset/limit out of range: %d/%d", offset, limit)
	}

	rows, err := s.q.ListCatalogEntries(ctx, db.ListCatalogEntriesParams{
		Category: pgtype.Text{String: category, Valid: category != ""},
		Offset:   int32(offset),
		Limit:    int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, fromRow(r))
	}
	return entries, nil
}

func fromRow(r db.CatalogEntry) Entry {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return Entry{
		ID:          r.ID.String(),
		Title:       r.Title,
		Description: r.Description.String,
		Category:    r.Category.String,
		Tags:        tags,
		AssetKey:    r.AssetKey,
		CreatedAt:   r.CreatedAt.Time.UTC(),
		UpdatedAt:   r.UpdatedAt.Time.UTC(),
	}
}
