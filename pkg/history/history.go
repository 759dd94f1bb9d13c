// Package history persists a log of every generation prism performs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prismcli/prism/pkg/models"
)

// Store records and queries generation history.
type Store interface {
	// Record stores one generation.
	Record(ctx context.Context, rec models.GenerationRecord) error
	// List returns records matching opts, newest first.
	List(ctx context.Context, opts models.HistoryQueryOpts) ([]models.GenerationRecord, error)
	// Search returns the newest records whose prompt contains query.
	Search(ctx context.Context, query string, limit int) ([]models.GenerationRecord, error)
	// Summary aggregates records by model and generation type.
	Summary(ctx context.Context) ([]models.HistorySummary, error)
	// CostReport aggregates spend by model and size since a given time.
	CostReport(ctx context.Context, since time.Time) ([]models.CostReport, error)
	// TotalCost returns spend since a given time, optionally for one model.
	TotalCost(ctx context.Context, model string, since time.Time) (float64, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS generations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	generation_type TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT NOT NULL,
	size TEXT NOT NULL DEFAULT '',
	quality TEXT NOT NULL DEFAULT '',
	style TEXT NOT NULL DEFAULT '',
	image_path TEXT NOT NULL DEFAULT '',
	cost REAL NOT NULL DEFAULT 0,
	cache_hit INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_generations_time ON generations(created_at);
CREATE INDEX IF NOT EXISTS idx_generations_model ON generations(model, created_at);
`

// New opens the history database and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	// batch_id was added after the first release.
	if !columnExists(db, "generations", "batch_id") {
		if _, err := db.Exec(`ALTER TABLE generations ADD COLUMN batch_id TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add batch_id column: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Record stores a generation record.
func (s *SQLiteStore) Record(ctx context.Context, rec models.GenerationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (batch_id, generation_type, prompt, model, size, quality, style, image_path, cost, cache_hit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, string(rec.Type), rec.Prompt, rec.Model, rec.Size, rec.Quality, rec.Style,
		rec.ImagePath, rec.Cost, rec.CacheHit, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

// List returns records matching opts, newest first. Search matches the
// prompt case-insensitively.
func (s *SQLiteStore) List(ctx context.Context, opts models.HistoryQueryOpts) ([]models.GenerationRecord, error) {
	q := `SELECT id, batch_id, generation_type, prompt, model, size, quality, style, image_path, cost, cache_hit, created_at
		FROM generations WHERE 1=1`
	var args []any

	if opts.Search != "" {
		q += ` AND prompt LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(opts.Search)+"%")
	}
	if opts.Model != "" {
		q += ` AND model = ?`
		args = append(args, opts.Model)
	}
	if opts.Type != "" {
		q += ` AND generation_type = ?`
		args = append(args, string(opts.Type))
	}
	if !opts.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC())
	}
	q += ` ORDER BY created_at DESC, id DESC`

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []models.GenerationRecord
	for rows.Next() {
		var r models.GenerationRecord
		var typ string
		if err := rows.Scan(&r.ID, &r.BatchID, &typ, &r.Prompt, &r.Model, &r.Size, &r.Quality, &r.Style,
			&r.ImagePath, &r.Cost, &r.CacheHit, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Type = models.GenerationType(typ)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Search returns the newest records whose prompt contains query.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]models.GenerationRecord, error) {
	return s.List(ctx, models.HistoryQueryOpts{Search: query, Limit: limit})
}

// Summary returns counts and spend grouped by model and type.
func (s *SQLiteStore) Summary(ctx context.Context) ([]models.HistorySummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, generation_type, COUNT(*), COALESCE(SUM(cache_hit), 0), COALESCE(SUM(cost), 0)
		 FROM generations GROUP BY model, generation_type ORDER BY model, generation_type`)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []models.HistorySummary
	for rows.Next() {
		var sm models.HistorySummary
		var typ string
		if err := rows.Scan(&sm.Model, &typ, &sm.Count, &sm.CacheHits, &sm.TotalCost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sm.Type = models.GenerationType(typ)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// CostReport aggregates spend by model and size since a given time.
func (s *SQLiteStore) CostReport(ctx context.Context, since time.Time) ([]models.CostReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, size, COUNT(*), COALESCE(SUM(cache_hit), 0), COALESCE(SUM(cost), 0)
		 FROM generations WHERE created_at >= ? AND generation_type != ?
		 GROUP BY model, size ORDER BY model, size`,
		since.UTC(), string(models.TypeAnalyze),
	)
	if err != nil {
		return nil, fmt.Errorf("cost report: %w", err)
	}
	defer rows.Close()

	var out []models.CostReport
	for rows.Next() {
		var r models.CostReport
		if err := rows.Scan(&r.Model, &r.Size, &r.Images, &r.CacheHits, &r.TotalCost); err != nil {
			return nil, fmt.Errorf("scan cost report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TotalCost returns spend since a given time. An empty model sums all models.
func (s *SQLiteStore) TotalCost(ctx context.Context, model string, since time.Time) (float64, error) {
	q := `SELECT COALESCE(SUM(cost), 0) FROM generations WHERE created_at >= ?`
	args := []any{since.UTC()}
	if model != "" {
		q += ` AND model = ?`
		args = append(args, model)
	}
	var total float64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
