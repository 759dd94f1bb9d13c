package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prismcli/prism/pkg/models"
)

// Cache is a fingerprint-keyed response cache backed by SQLite. Entries
// never expire; they are removed only by Evict or Clear.
type Cache struct {
	db     *sql.DB
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	size TEXT NOT NULL,
	prompt TEXT NOT NULL,
	images BLOB NOT NULL,
	summary TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at);
`

// dsnPragmas make every committed write reach disk before Exec returns.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

// New opens (or creates) the cache database at dbPath.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Lookup returns the cached entry for a fingerprint.
func (c *Cache) Lookup(ctx context.Context, fp string) (*models.CacheEntry, bool, error) {
	var images []byte
	var summary string
	var createdAt time.Time

	err := c.db.QueryRowContext(ctx,
		`SELECT images, summary, created_at FROM cache_entries WHERE fingerprint = ?`, fp,
	).Scan(&images, &summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	entry := &models.CacheEntry{Fingerprint: fp, CreatedAt: createdAt}
	if err := json.Unmarshal(images, &entry.Images); err != nil {
		return nil, false, fmt.Errorf("decode cached images: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &entry.Summary); err != nil {
		return nil, false, fmt.Errorf("decode cached summary: %w", err)
	}

	c.hits.Add(1)
	return entry, true, nil
}

// Store writes an entry, replacing any previous entry for the fingerprint.
func (c *Cache) Store(ctx context.Context, entry models.CacheEntry) error {
	images, err := json.Marshal(entry.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	summary, err := json.Marshal(entry.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, model, size, prompt, images, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Fingerprint, entry.Summary.Model, entry.Summary.Size, entry.Summary.Prompt,
		images, string(summary), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Evict removes a single entry.
func (c *Cache) Evict(ctx context.Context, fp string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp)
	if err != nil {
		return false, fmt.Errorf("cache evict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache evict: %w", err)
	}
	return n > 0, nil
}

// Clear removes all entries.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks that the database file is reachable and the schema is present.
func (c *Cache) Ping(ctx context.Context) error {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM cache_entries LIMIT 1`).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// Stats returns cache size and the hit/miss counters of this process.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count, size int64
	err := c.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(images)), 0) FROM cache_entries`,
	).Scan(&count, &size)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Bytes:   size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// List returns the most recent entries without their image payloads.
func (c *Cache) List(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT fingerprint, summary, created_at FROM cache_entries ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cache list: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		var summary string
		if err := rows.Scan(&e.Fingerprint, &summary, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		_ = json.Unmarshal([]byte(summary), &e.Summary)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
