// Package audit keeps a per-attempt log of every remote image API call.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/prismcli/prism/pkg/models"
)

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	done    chan struct{}
	wg      sync.WaitGroup
	exclude map[string]bool
}

// New opens the audit SQLite database, creates the schema and starts the
// hourly retention sweep.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	exc := make(map[string]bool, len(cfg.ExcludeModels))
	for _, v := range cfg.ExcludeModels {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		done:    make(chan struct{}),
		exclude: exc,
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS attempts (
			attempt_id  TEXT PRIMARY KEY,
			batch_id    TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL,
			model       TEXT NOT NULL,
			provider    TEXT NOT NULL DEFAULT '',
			attempt     INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			latency_ms  INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_model ON attempts(model)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_fingerprint ON attempts(fingerprint)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Log inserts an entry. Entries for excluded models are dropped. A missing
// AttemptID is generated.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[entry.Model] {
		return nil
	}
	if entry.AttemptID == "" {
		entry.AttemptID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts
		(attempt_id, batch_id, fingerprint, model, provider, attempt, outcome,
		 status_code, message, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AttemptID, entry.BatchID, entry.Fingerprint, entry.Model, entry.Provider,
		entry.Attempt, entry.Outcome, entry.StatusCode, entry.Message,
		entry.LatencyMs, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log attempt: %w", err)
	}
	return nil
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT attempt_id, batch_id, fingerprint, model, provider, attempt, outcome,
		status_code, message, latency_ms, created_at
		FROM attempts WHERE 1=1`
	var args []any

	if opts.Fingerprint != "" {
		q += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}
	if opts.BatchID != "" {
		q += " AND batch_id = ?"
		args = append(args, opts.BatchID)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC, attempt DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.AttemptID, &e.BatchID, &e.Fingerprint, &e.Model, &e.Provider,
			&e.Attempt, &e.Outcome, &e.StatusCode, &e.Message,
			&e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns attempt counts grouped by model, outcome and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, outcome, substr(created_at, 1, 10) AS day, count(*) AS cnt
		 FROM attempts GROUP BY model, outcome, day ORDER BY day DESC, model, outcome`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Model, &s.Outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
// A zero retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
