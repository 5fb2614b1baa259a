// Package sqlitestore provides a SQLite-backed catalog store for local development.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/catalog/sqlitestore/migrations"
)

// Store persists catalog entries in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite catalog store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	files, err := fs.Glob(migrationFS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := sqlDB.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Insert upserts one catalog entry.
func (s *Store) Insert(ctx context.Context, e catalog.Entry) error {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return fmt.Errorf("entry id is required")
	}
	if strings.TrimSpace(e.AssetKey) == "" {
		return fmt.Errorf("asset key is required")
	}
	createdAt := e.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := e.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO catalog_entries (id, title, description, category, tags_json, asset_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   description = excluded.description,
		   category = excluded.category,
		   tags_json = excluded.tags_json,
		   asset_key = excluded.asset_key,
		   updated_at = excluded.updated_at`,
		id, e.Title, e.Description, e.Category, string(tagsJSON), e.AssetKey,
		toMillis(createdAt), toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert catalog entry: %w", err)
	}
	return nil
}

// List implements catalog.Store.
func (s *Store) List(ctx context.Context, category string, offset, limit int) ([]catalog.Entry, error) {
	// sqlite reads a negative OFFSET as zero
	if offset < 0 {
		return nil, fmt.Errorf("list catalog entries: negative offset %d", offset)
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, title, description, category, tags_json, asset_key, created_at, updated_at
		 FROM catalog_entries
		 WHERE (? = '' OR category = ?)
		 ORDER BY created_at DESC, id ASC
		 LIMIT ? OFFSET ?`,
		category, category, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []catalog.Entry{}
	for rows.Next() {
		var (
			e                catalog.Entry
			tagsJSON         string
			created, updated int64
		)
		if err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.Category, &tagsJSON, &e.AssetKey, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", e.ID, err)
		}
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog entries: %w", err)
	}
	return entries, nil
}
