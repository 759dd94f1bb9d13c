package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismcli/prism/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 30,
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		AttemptID:   "att-001",
		BatchID:     "batch-1",
		Fingerprint: "fp-1",
		Model:       "dall-e-3",
		Provider:    "openai",
		Attempt:     1,
		Outcome:     "success",
		StatusCode:  200,
		LatencyMs:   1500,
		CreatedAt:   time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Model: "dall-e-3"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].AttemptID != "att-001" || entries[0].LatencyMs != 1500 {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestLogGeneratesAttemptID(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	e := sampleEntry()
	e.AttemptID = ""
	_ = l.Log(ctx, e)
	_ = l.Log(ctx, e)

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct entries, got %d", len(entries))
	}
	if entries[0].AttemptID == "" || entries[0].AttemptID == entries[1].AttemptID {
		t.Errorf("expected unique generated ids, got %q and %q", entries[0].AttemptID, entries[1].AttemptID)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	first := sampleEntry()
	first.Outcome = "rate_limited"
	first.StatusCode = 429
	_ = l.Log(ctx, first)

	second := sampleEntry()
	second.AttemptID = "att-002"
	second.Attempt = 2
	_ = l.Log(ctx, second)

	other := sampleEntry()
	other.AttemptID = "att-003"
	other.Fingerprint = "fp-2"
	other.BatchID = "batch-2"
	_ = l.Log(ctx, other)

	tests := []struct {
		name string
		opts models.AuditQueryOpts
		want int
	}{
		{"fingerprint", models.AuditQueryOpts{Fingerprint: "fp-1"}, 2},
		{"batch", models.AuditQueryOpts{BatchID: "batch-2"}, 1},
		{"outcome", models.AuditQueryOpts{Outcome: "rate_limited"}, 1},
		{"since future", models.AuditQueryOpts{Since: time.Now().Add(time.Hour)}, 0},
		{"limit", models.AuditQueryOpts{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.Query(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != tt.want {
				t.Errorf("expected %d, got %d", tt.want, len(entries))
			}
		})
	}
}

func TestExcludeModels(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeModels = []string{"dall-e-3"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}
	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries for excluded model, got %d", len(entries))
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	for i, outcome := range []string{"success", "success", "network"} {
		e := sampleEntry()
		e.AttemptID = ""
		e.Attempt = i + 1
		e.Outcome = outcome
		_ = l.Log(ctx, e)
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 stat rows, got %d", len(stats))
	}
	counts := map[string]int{}
	for _, s := range stats {
		counts[s.Outcome] = s.Count
		if len(s.Day) != 10 {
			t.Errorf("expected YYYY-MM-DD day, got %q", s.Day)
		}
	}
	if counts["success"] != 2 || counts["network"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestCleanup(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	old := sampleEntry()
	old.AttemptID = "old"
	old.CreatedAt = time.Now().AddDate(0, 0, -60)
	_ = l.Log(ctx, old)
	_ = l.Log(ctx, sampleEntry())

	n, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	entries, _ := l.Query(ctx, models.AuditQueryOpts{})
	if len(entries) != 1 || entries[0].AttemptID != "att-001" {
		t.Errorf("unexpected survivors: %+v", entries)
	}
}

func TestCleanupZeroRetentionKeepsAll(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(-1, 0, 0)
	_ = l.Log(ctx, old)

	n, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected nothing deleted, got %d", n)
	}
}

func TestNilLoggerLogIsNoop(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should not error: %v", err)
	}
}
