package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismcli/prism/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.GenerationRecord{
		BatchID:   "b1",
		Type:      models.TypeGenerate,
		Prompt:    "a red fox",
		Model:     models.ModelDallE3,
		Size:      "1024x1024",
		Quality:   "standard",
		Style:     "vivid",
		ImagePath: "/tmp/fox.png",
		Cost:      0.04,
		CreatedAt: now,
	}
	if err := s.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := s.List(ctx, models.HistoryQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Prompt != "a red fox" || got.BatchID != "b1" || got.Type != models.TypeGenerate {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Cost != 0.04 {
		t.Errorf("expected cost 0.04, got %v", got.Cost)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "Sunset over 100% ocean", Model: "dall-e-3", CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeVariation, Prompt: "variation of cat.png", Model: "dall-e-2", CreatedAt: now.Add(time.Second)})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "old sunset", Model: "dall-e-3", CreatedAt: now.Add(-48 * time.Hour)})

	tests := []struct {
		name string
		opts models.HistoryQueryOpts
		want int
	}{
		{"all", models.HistoryQueryOpts{}, 3},
		{"search case-insensitive", models.HistoryQueryOpts{Search: "SUNSET"}, 2},
		{"search literal percent", models.HistoryQueryOpts{Search: "100%"}, 1},
		{"model", models.HistoryQueryOpts{Model: "dall-e-2"}, 1},
		{"type", models.HistoryQueryOpts{Type: models.TypeGenerate}, 2},
		{"since", models.HistoryQueryOpts{Since: now.Add(-time.Hour)}, 2},
		{"limit", models.HistoryQueryOpts{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.List(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(records) != tt.want {
				t.Errorf("expected %d records, got %d", tt.want, len(records))
			}
		})
	}

	records, _ := s.List(ctx, models.HistoryQueryOpts{})
	if records[0].Type != models.TypeVariation {
		t.Errorf("expected newest first, got %s", records[0].Prompt)
	}
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "a", Model: "dall-e-3", Cost: 0.04, CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "a", Model: "dall-e-3", CacheHit: true, CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeVariation, Prompt: "b", Model: "dall-e-2", Cost: 0.02, CreatedAt: now})

	summaries, err := s.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	for _, sm := range summaries {
		if sm.Model == "dall-e-3" {
			if sm.Count != 2 || sm.CacheHits != 1 {
				t.Errorf("dall-e-3: expected 2 records with 1 hit, got %+v", sm)
			}
			if sm.TotalCost != 0.04 {
				t.Errorf("dall-e-3: expected cost 0.04, got %v", sm.TotalCost)
			}
		}
	}
}

func TestCostReportAndTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "a", Model: "dall-e-3", Size: "1024x1024", Cost: 0.04, CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "b", Model: "dall-e-3", Size: "1024x1024", Cost: 0.04, CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "c", Model: "dall-e-2", Size: "256x256", Cost: 0.016, CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeAnalyze, Prompt: "d", Model: "gpt-4o-mini", CreatedAt: now})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "e", Model: "dall-e-3", Size: "1024x1024", Cost: 0.04, CreatedAt: now.Add(-72 * time.Hour)})

	since := now.Add(-time.Hour)
	reports, err := s.CostReport(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 report rows, got %d", len(reports))
	}
	for _, r := range reports {
		if r.Model == "dall-e-3" && r.Images != 2 {
			t.Errorf("expected 2 dall-e-3 images, got %d", r.Images)
		}
	}

	total, err := s.TotalCost(ctx, "", since)
	if err != nil {
		t.Fatal(err)
	}
	if diff := total - 0.096; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected total 0.096, got %v", total)
	}

	total, err = s.TotalCost(ctx, "dall-e-3", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := total - 0.12; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected dall-e-3 total 0.12, got %v", total)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "persist", Model: "dall-e-3"})
	_ = s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	records, err := s.List(ctx, models.HistoryQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record after reopen, got %d", len(records))
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "a_cat in snow", Model: "dall-e-3"})
	_ = s.Record(ctx, models.GenerationRecord{Type: models.TypeGenerate, Prompt: "abcat", Model: "dall-e-3"})

	records, err := s.Search(ctx, "a_cat", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Prompt != "a_cat in snow" {
		t.Errorf("underscore should match literally, got %+v", records)
	}
}
