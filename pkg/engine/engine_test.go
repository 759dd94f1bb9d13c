package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcli/prism/pkg/budget"
	"github.com/prismcli/prism/pkg/config"
	"github.com/prismcli/prism/pkg/imageapi"
	"github.com/prismcli/prism/pkg/keystore"
	"github.com/prismcli/prism/pkg/models"
)

type fakeImager struct {
	calls      atomic.Int64
	mu         sync.Mutex
	failures   []error
	variations int
	analyzed   string
	edits      []imageapi.EditInput
}

func (f *fakeImager) Generate(_ context.Context, req models.GenerationRequest) ([]models.Image, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	images := make([]models.Image, req.Count)
	for i := range images {
		images[i] = models.Image{
			B64JSON:       base64.StdEncoding.EncodeToString([]byte(req.Prompt)),
			RevisedPrompt: "revised " + req.Prompt,
		}
	}
	return images, nil
}

func (f *fakeImager) CreateVariation(_ context.Context, image io.Reader, _, _ string, n int) ([]models.Image, error) {
	data, err := io.ReadAll(image)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.variations += n
	f.mu.Unlock()
	out := make([]models.Image, n)
	for i := range out {
		out[i] = models.Image{B64JSON: base64.StdEncoding.EncodeToString(data)}
	}
	return out, nil
}

func (f *fakeImager) Edit(_ context.Context, in imageapi.EditInput) ([]models.Image, error) {
	f.mu.Lock()
	f.edits = append(f.edits, in)
	f.mu.Unlock()
	out := make([]models.Image, in.Count)
	for i := range out {
		out[i] = models.Image{B64JSON: base64.StdEncoding.EncodeToString([]byte(in.Prompt))}
	}
	return out, nil
}

func (f *fakeImager) Enhance(_ context.Context, prompt, style string) (string, error) {
	return prompt + ", " + style + " lighting", nil
}

func (f *fakeImager) PromptVariations(_ context.Context, prompt string, count int) ([]string, error) {
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("%s #%d", prompt, i+1)
	}
	return out, nil
}

// plainImager supports only the required Imager methods.
type plainImager struct{ f *fakeImager }

func (p plainImager) Generate(ctx context.Context, req models.GenerationRequest) ([]models.Image, error) {
	return p.f.Generate(ctx, req)
}

func (p plainImager) CreateVariation(ctx context.Context, image io.Reader, name, size string, n int) ([]models.Image, error) {
	return p.f.CreateVariation(ctx, image, name, size, n)
}

func (p plainImager) Analyze(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	return p.f.Analyze(ctx, image, mimeType, prompt)
}

func (f *fakeImager) Analyze(_ context.Context, _ []byte, mimeType, prompt string) (string, error) {
	f.mu.Lock()
	f.analyzed = mimeType
	f.mu.Unlock()
	return "# Answer\n" + prompt, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "prism.db")
	cfg.SaveDir = filepath.Join(dir, "images")
	cfg.Audit.DBPath = filepath.Join(dir, "audit.db")
	cfg.Dispatch.BaseDelay = time.Millisecond
	cfg.Dispatch.MaxDelay = time.Millisecond
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config, fake *fakeImager) *Engine {
	t.Helper()
	e, err := Open(cfg, nil,
		WithClientFactory(func(config.ProviderConfig) Imager { return fake }),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestGenerateBatchEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeImager{}
	e := openEngine(t, cfg, fake)
	ctx := context.Background()

	reqs := []models.GenerationRequest{
		{Prompt: "A red fox"},
		{Prompt: "  a   RED fox "},
		{Prompt: "a blue whale"},
	}
	report, err := e.GenerateBatch(ctx, reqs, BatchOptions{Concurrency: 2})
	require.NoError(t, err)

	require.Len(t, report.Items, 3)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.CacheHits)
	assert.EqualValues(t, 2, fake.calls.Load())
	assert.InDelta(t, 0.08, report.TotalCost, 1e-9)
	assert.NotEmpty(t, report.ID)

	seen := map[string]bool{}
	for i, item := range report.Items {
		assert.Equal(t, i, item.Index)
		require.Len(t, item.Paths, 1)
		_, err := os.Stat(item.Paths[0])
		assert.NoError(t, err)
		assert.False(t, seen[item.Paths[0]], "paths must not collide")
		seen[item.Paths[0]] = true
	}
	assert.Equal(t, "revised A red fox", report.Items[0].RevisedPrompt)

	records, err := e.History().List(ctx, models.HistoryQueryOpts{})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, report.ID, r.BatchID)
	}

	// A second batch is served entirely from the cache.
	again, err := e.GenerateBatch(ctx, reqs[:1], BatchOptions{NoSave: true})
	require.NoError(t, err)
	assert.Equal(t, 1, again.CacheHits)
	assert.Zero(t, again.TotalCost)
	assert.Empty(t, again.Items[0].Paths)
	assert.EqualValues(t, 2, fake.calls.Load())
}

func TestGenerateBatchProgress(t *testing.T) {
	e := openEngine(t, testConfig(t), &fakeImager{})

	var mu sync.Mutex
	var events []models.ProgressEvent
	_, err := e.GenerateBatch(context.Background(), []models.GenerationRequest{
		{Prompt: "one"}, {Prompt: "two"}, {Prompt: "three"},
	}, BatchOptions{NoSave: true, OnProgress: func(ev models.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	maxCompleted := 0
	for _, ev := range events {
		assert.Equal(t, 3, ev.Total)
		maxCompleted = max(maxCompleted, ev.Completed)
	}
	assert.Equal(t, 3, maxCompleted)
}

func TestGenerateBatchBudgetExceeded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget.Enabled = true
	cfg.Budget.Policies = []models.BudgetPolicy{{MaxCostUSD: 0.05, Period: models.BudgetDaily}}
	fake := &fakeImager{}
	e := openEngine(t, cfg, fake)

	_, err := e.GenerateBatch(context.Background(), []models.GenerationRequest{
		{Prompt: "one"}, {Prompt: "two"},
	}, BatchOptions{NoSave: true})
	require.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Zero(t, fake.calls.Load())
}

func TestGenerateBatchFailuresAndAudit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = true
	fake := &fakeImager{failures: []error{
		&models.APIError{Kind: models.ErrRateLimited, StatusCode: 429, Message: "slow down"},
	}}
	e := openEngine(t, cfg, fake)
	ctx := context.Background()

	report, err := e.GenerateBatch(ctx, []models.GenerationRequest{
		{Prompt: "retried"},
		{Prompt: "bad size", Size: "10x10"},
	}, BatchOptions{Concurrency: 1, NoSave: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Items[0].Attempts)
	assert.Equal(t, models.ErrMalformed, report.Items[1].ErrorKind)

	entries, err := e.Audit().Query(ctx, models.AuditQueryOpts{BatchID: report.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	outcomes := map[string]int{}
	for _, en := range entries {
		outcomes[en.Outcome] = en.StatusCode
		assert.Equal(t, "openai", en.Provider)
	}
	assert.Equal(t, 429, outcomes[string(models.ErrRateLimited)])
	assert.Equal(t, 200, outcomes[string(models.StatusSuccess)])

	records, err := e.History().List(ctx, models.HistoryQueryOpts{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestGenerateBatchRoutesAlias(t *testing.T) {
	cfg := testConfig(t)
	cfg.Router.Routes = []config.RouteConfig{
		{Model: "cheap", Targets: []config.RouteTarget{{Provider: "openai", Model: models.ModelDallE2}}},
	}
	e := openEngine(t, cfg, &fakeImager{})

	report, err := e.GenerateBatch(context.Background(), []models.GenerationRequest{
		{Prompt: "alias", Model: "cheap", Size: "256x256"},
	}, BatchOptions{NoSave: true})
	require.NoError(t, err)
	assert.Equal(t, models.ModelDallE2, report.Items[0].Model)
	assert.Equal(t, models.StatusSuccess, report.Items[0].Status)
	assert.InDelta(t, 0.016, report.TotalCost, 1e-9)
}

func TestGenerateBatchFallsBackToNextTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = true
	cfg.Providers = []config.ProviderConfig{{Name: "primary"}, {Name: "secondary"}}
	cfg.Router.Routes = []config.RouteConfig{
		{Model: models.ModelDallE3, Targets: []config.RouteTarget{{Provider: "primary"}, {Provider: "secondary"}}},
	}
	down := &fakeImager{}
	for i := 0; i < 10; i++ {
		down.failures = append(down.failures, &models.APIError{Kind: models.ErrNetwork, StatusCode: 502, Message: "bad gateway"})
	}
	up := &fakeImager{}
	e, err := Open(cfg, nil,
		WithClientFactory(func(p config.ProviderConfig) Imager {
			if p.Name == "primary" {
				return down
			}
			return up
		}),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	report, err := e.GenerateBatch(ctx, []models.GenerationRequest{{Prompt: "a red fox"}}, BatchOptions{NoSave: true})
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, report.Items[0].Status)
	assert.EqualValues(t, 1, down.calls.Load())
	assert.EqualValues(t, 1, up.calls.Load())

	entries, err := e.Audit().Query(ctx, models.AuditQueryOpts{BatchID: report.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "secondary", entries[0].Provider)
}

func TestGenerateBatchNoFallbackOnContentPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = []config.ProviderConfig{{Name: "primary"}, {Name: "secondary"}}
	cfg.Router.Routes = []config.RouteConfig{
		{Model: models.ModelDallE3, Targets: []config.RouteTarget{{Provider: "primary"}, {Provider: "secondary"}}},
	}
	rejecting := &fakeImager{failures: []error{&models.APIError{Kind: models.ErrContentPolicy, StatusCode: 400, Message: "rejected"}}}
	other := &fakeImager{}
	e, err := Open(cfg, nil, WithClientFactory(func(p config.ProviderConfig) Imager {
		if p.Name == "primary" {
			return rejecting
		}
		return other
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	report, err := e.GenerateBatch(context.Background(), []models.GenerationRequest{{Prompt: "a red fox"}}, BatchOptions{NoSave: true})
	require.NoError(t, err)
	assert.Equal(t, models.ErrContentPolicy, report.Items[0].ErrorKind)
	assert.Zero(t, other.calls.Load())
}

func TestGenerateBatchCancelled(t *testing.T) {
	fake := &fakeImager{}
	e := openEngine(t, testConfig(t), fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := e.GenerateBatch(ctx, []models.GenerationRequest{{Prompt: "a"}, {Prompt: "b"}}, BatchOptions{NoSave: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cancelled)
	assert.Zero(t, fake.calls.Load())
}

func TestFillDefaults(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, nil)

	req := e.Request("fox")
	assert.Equal(t, models.ModelDallE3, req.Model)
	assert.Equal(t, "1024x1024", req.Size)
	assert.Equal(t, models.StyleVivid, req.Style)
	assert.Equal(t, 1, req.Count)
	require.NoError(t, req.Validate())

	d2 := e.FillDefaults(models.GenerationRequest{Prompt: "fox", Model: models.ModelDallE2})
	assert.Empty(t, d2.Style)
	assert.Equal(t, models.QualityStandard, d2.Quality)
	require.NoError(t, d2.Validate())
}

func TestEstimateBatch(t *testing.T) {
	e := New(testConfig(t), nil)
	cost := e.EstimateBatch([]models.GenerationRequest{
		{Prompt: "a"},
		{Prompt: "b", Quality: models.QualityHigh, Size: "1792x1024"},
		{Prompt: "c", Model: models.ModelDallE2, Size: "512x512", Count: 2},
	})
	assert.InDelta(t, 0.04+0.12+0.036, cost, 1e-9)
}

func TestVariationsAndAnalyze(t *testing.T) {
	fake := &fakeImager{}
	e := openEngine(t, testConfig(t), fake)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(src, []byte("\x89PNG\r\n\x1a\nfake"), 0o644))

	res, err := e.Variations(ctx, src, "512x512", 2)
	require.NoError(t, err)
	require.Len(t, res.Paths, 2)
	assert.InDelta(t, 0.036, res.Cost, 1e-9)
	assert.Equal(t, 2, fake.variations)

	_, err = e.Variations(ctx, src, "1792x1024", 1)
	assert.Error(t, err)

	answer, err := e.Analyze(ctx, src, "")
	require.NoError(t, err)
	assert.Contains(t, answer, "Describe this image")
	assert.Equal(t, "image/png", fake.analyzed)

	summary, err := e.History().Summary(ctx)
	require.NoError(t, err)
	types := map[models.GenerationType]int{}
	for _, s := range summary {
		types[s.Type] += s.Count
	}
	assert.Equal(t, 2, types[models.TypeVariation])
	assert.Equal(t, 1, types[models.TypeAnalyze])
}

func TestEdit(t *testing.T) {
	fake := &fakeImager{}
	e := openEngine(t, testConfig(t), fake)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "cat.png")
	mask := filepath.Join(dir, "mask.png")
	require.NoError(t, os.WriteFile(src, []byte("\x89PNG\r\n\x1a\nfake"), 0o644))
	require.NoError(t, os.WriteFile(mask, []byte("\x89PNG\r\n\x1a\nmask"), 0o644))

	res, err := e.Edit(ctx, EditOptions{ImagePath: src, MaskPath: mask, Prompt: "add a hat", Size: "512x512", Count: 2})
	require.NoError(t, err)
	require.Len(t, res.Paths, 2)
	assert.InDelta(t, 0.036, res.Cost, 1e-9)
	require.Len(t, fake.edits, 1)
	assert.Equal(t, "cat.png", fake.edits[0].ImageName)
	assert.Equal(t, "mask.png", fake.edits[0].MaskName)
	assert.Equal(t, "add a hat", fake.edits[0].Prompt)

	_, err = e.Edit(ctx, EditOptions{ImagePath: src, Prompt: "add a hat"})
	require.NoError(t, err)
	assert.Nil(t, fake.edits[1].Mask)
	assert.Equal(t, "1024x1024", fake.edits[1].Size)

	_, err = e.Edit(ctx, EditOptions{ImagePath: src, Prompt: "  "})
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.ErrMalformed, apiErr.Kind)

	_, err = e.Edit(ctx, EditOptions{ImagePath: src, Prompt: "hat", Size: "1792x1024"})
	assert.Error(t, err)
	_, err = e.Edit(ctx, EditOptions{ImagePath: src, Prompt: "hat", MaskPath: filepath.Join(dir, "missing.png")})
	assert.Error(t, err)

	records, err := e.History().List(ctx, models.HistoryQueryOpts{Type: models.TypeEdit})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestEditBudgetExceeded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget.Enabled = true
	cfg.Budget.Policies = []models.BudgetPolicy{{MaxCostUSD: 0.01, Period: models.BudgetDaily}}
	fake := &fakeImager{}
	e := openEngine(t, cfg, fake)
	src := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(src, []byte("\x89PNG"), 0o644))

	_, err := e.Edit(context.Background(), EditOptions{ImagePath: src, Prompt: "add a hat"})
	require.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Empty(t, fake.edits)
}

func TestEnhanceAndPromptVariations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enhance.Style = "cinematic"
	e := openEngine(t, cfg, &fakeImager{})
	ctx := context.Background()

	got, err := e.Enhance(ctx, "a fox", "")
	require.NoError(t, err)
	assert.Equal(t, "a fox, cinematic lighting", got)

	got, err = e.Enhance(ctx, "a fox", "noir")
	require.NoError(t, err)
	assert.Equal(t, "a fox, noir lighting", got)

	vars, err := e.PromptVariations(ctx, "a fox", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a fox #1", "a fox #2", "a fox #3"}, vars)

	_, err = e.Enhance(ctx, " ", "")
	assert.Error(t, err)

	records, err := e.History().List(ctx, models.HistoryQueryOpts{Type: models.TypeEnhance})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestOptionalOperationsUnsupported(t *testing.T) {
	fake := &fakeImager{}
	e, err := Open(testConfig(t), nil, WithClientFactory(func(config.ProviderConfig) Imager { return plainImager{f: fake} }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	src := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(src, []byte("\x89PNG"), 0o644))

	_, err = e.Edit(context.Background(), EditOptions{ImagePath: src, Prompt: "hat"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = e.Enhance(context.Background(), "a fox", "")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAPIKeyFromKeystore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	keys := keystore.New(t.TempDir())
	require.NoError(t, keys.Save("sk-stored"))
	e := New(testConfig(t), nil, WithKeystore(keys))

	assert.Equal(t, "sk-stored", e.apiKey(config.ProviderConfig{Name: "openai"}))
	assert.Equal(t, "sk-config", e.apiKey(config.ProviderConfig{Name: "openai", APIKey: "sk-config"}))

	t.Setenv("OPENAI_API_KEY", "sk-env")
	assert.Empty(t, e.apiKey(config.ProviderConfig{Name: "openai"}), "the SDK reads the environment itself")
}

func TestBatchReportWriteJSON(t *testing.T) {
	r := &BatchReport{ID: "abc", Succeeded: 1, Items: []BatchItem{{Index: 0, Prompt: "p", Status: models.StatusSuccess}}}
	path, err := r.WriteJSON(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "batch_report_abc.json", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded BatchReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1, decoded.Succeeded)
	assert.Equal(t, "p", decoded.Items[0].Prompt)
}
