package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/cache"
	"github.com/prismcli/prism/pkg/dispatch"
	"github.com/prismcli/prism/pkg/models"
)

// BatchOptions tunes one GenerateBatch call.
type BatchOptions struct {
	// Concurrency caps in-flight remote calls. Zero uses the configured value.
	Concurrency int
	// NoSave skips writing images to disk.
	NoSave bool
	// OnProgress, when set, receives one event per completed item.
	OnProgress func(models.ProgressEvent)
}

// BatchItem summarizes one request of a batch.
type BatchItem struct {
	Index         int                  `json:"index"`
	Prompt        string               `json:"prompt"`
	Model         string               `json:"model"`
	Size          string               `json:"size"`
	Fingerprint   string               `json:"fingerprint"`
	Status        models.OutcomeStatus `json:"status"`
	CacheHit      bool                 `json:"cache_hit"`
	Attempts      int                  `json:"attempts"`
	Cost          float64              `json:"cost"`
	Paths         []string             `json:"paths,omitempty"`
	RevisedPrompt string               `json:"revised_prompt,omitempty"`
	ErrorKind     models.ErrorKind     `json:"error_kind,omitempty"`
	Error         string               `json:"error,omitempty"`
	CacheError    string               `json:"cache_error,omitempty"`
}

// BatchReport is the result of GenerateBatch.
type BatchReport struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Items      []BatchItem `json:"items"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Cancelled  int         `json:"cancelled"`
	CacheHits  int         `json:"cache_hits"`
	TotalCost  float64     `json:"total_cost"`

	// Outcomes holds the raw dispatcher results, in input order.
	Outcomes []models.Outcome `json:"-"`
}

// WriteJSON writes the report to dir as batch_report_<id>.json and returns the path.
func (r *BatchReport) WriteJSON(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(dir, "batch_report_"+r.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// GenerateBatch fills defaults, checks the budget, dispatches reqs and then
// saves and records every successful item. The report has one item per
// request in input order. An error is returned only when the batch could
// not start.
func (e *Engine) GenerateBatch(ctx context.Context, reqs []models.GenerationRequest, opts BatchOptions) (*BatchReport, error) {
	report := &BatchReport{ID: uuid.NewString(), StartedAt: time.Now()}

	resolved := make([]models.GenerationRequest, len(reqs))
	clients := make(map[string]*routed, len(reqs))
	for i, req := range reqs {
		req = e.FillDefaults(req)
		chain, err := e.targets(req.Model)
		if err != nil {
			return nil, err
		}
		req.Model = chain[0].model
		resolved[i] = req
		fp := cache.Fingerprint(req)
		if _, ok := clients[fp]; !ok {
			clients[fp] = &routed{chain: chain}
		}
	}

	if e.budget != nil {
		if err := e.budget.CheckBatch(ctx, e.estimateByModel(resolved)); err != nil {
			return nil, err
		}
	}

	limit := opts.Concurrency
	if limit == 0 {
		limit = e.cfg.Dispatch.Concurrency
	}

	d := e.dispatcher(report.ID, clients)

	var wg sync.WaitGroup
	if opts.OnProgress != nil {
		events, unsubscribe := d.Subscribe(len(reqs))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				opts.OnProgress(ev)
			}
		}()
		defer func() {
			unsubscribe()
			wg.Wait()
		}()
	}

	outcomes, err := d.Dispatch(ctx, resolved, limit)
	if err != nil {
		return nil, err
	}
	report.Outcomes = outcomes

	for _, o := range outcomes {
		item := BatchItem{
			Index:       o.Index,
			Prompt:      o.Request.Prompt,
			Model:       o.Request.Model,
			Size:        o.Request.Size,
			Fingerprint: o.Fingerprint,
			Status:      o.Status,
			CacheHit:    o.CacheHit,
			Attempts:    o.Attempts,
			Cost:        o.Cost,
			CacheError:  o.CacheErr,
		}
		switch o.Status {
		case models.StatusSuccess:
			report.Succeeded++
			if o.CacheHit {
				report.CacheHits++
			}
			report.TotalCost += o.Cost
			if len(o.Images) > 0 {
				item.RevisedPrompt = o.Images[0].RevisedPrompt
			}
			item.Paths = e.persist(ctx, report.ID, o, opts.NoSave)
		case models.StatusCancelled:
			report.Cancelled++
		default:
			report.Failed++
		}
		if o.Err != nil {
			item.ErrorKind = o.Err.Kind
			item.Error = o.Err.Error()
		}
		report.Items = append(report.Items, item)
	}

	report.FinishedAt = time.Now()
	e.log.Info("batch finished",
		zap.String("batch_id", report.ID),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("cache_hits", report.CacheHits),
		zap.Float64("cost", report.TotalCost),
	)
	return report, nil
}

// Generate runs a single request as a one-item batch.
func (e *Engine) Generate(ctx context.Context, req models.GenerationRequest, opts BatchOptions) (*BatchReport, error) {
	return e.GenerateBatch(ctx, []models.GenerationRequest{req}, opts)
}

// EstimateBatch returns the cost of reqs after defaults and routing.
func (e *Engine) EstimateBatch(reqs []models.GenerationRequest) float64 {
	var total float64
	for _, req := range reqs {
		req = e.FillDefaults(req)
		if r, err := e.router.Primary(req.Model); err == nil {
			req.Model = r.Model
		}
		total += e.prices.Estimate(req)
	}
	return total
}

func (e *Engine) estimateByModel(reqs []models.GenerationRequest) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range reqs {
		if r.Validate() != nil {
			continue
		}
		out[r.Model] += e.prices.Estimate(r)
	}
	return out
}

// persist saves the images of a successful outcome and records them in
// history. It returns the saved paths.
func (e *Engine) persist(ctx context.Context, batchID string, o models.Outcome, noSave bool) []string {
	var paths []string
	if e.saver != nil && !noSave {
		var err error
		paths, err = e.saver.Save(context.WithoutCancel(ctx), o.Request.Prompt, o.Images)
		if err != nil {
			e.log.Warn("save images failed", zap.Int("index", o.Index), zap.Error(err))
		}
	}

	n := len(o.Images)
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e.record(ctx, models.GenerationRecord{
			BatchID:   batchID,
			Type:      models.TypeGenerate,
			Prompt:    o.Request.Prompt,
			Model:     o.Request.Model,
			Size:      o.Request.Size,
			Quality:   o.Request.NormalizedQuality(),
			Style:     o.Request.Style,
			ImagePath: at(paths, i),
			Cost:      o.Cost / float64(n),
			CacheHit:  o.CacheHit,
		})
	}
	return paths
}

// routed is the provider chain of one fingerprint and the provider that
// answered its latest call.
type routed struct {
	chain []target

	mu   sync.Mutex
	last string
}

func (r *routed) served(provider string) {
	r.mu.Lock()
	r.last = provider
	r.mu.Unlock()
}

func (r *routed) provider() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == "" && len(r.chain) > 0 {
		return r.chain[0].provider
	}
	return r.last
}

// dispatcher builds a Dispatcher for one batch. Each call walks the
// fingerprint's provider chain in order, moving to the next target when a
// provider fails with a retryable error.
func (e *Engine) dispatcher(batchID string, clients map[string]*routed) *dispatch.Dispatcher {
	gen := dispatch.GeneratorFunc(func(ctx context.Context, req models.GenerationRequest) ([]models.Image, error) {
		r, ok := clients[cache.Fingerprint(req)]
		if !ok {
			return nil, fmt.Errorf("no provider for model %q", req.Model)
		}
		var err error
		for i, t := range r.chain {
			req.Model = t.model
			var images []models.Image
			images, err = t.client.Generate(ctx, req)
			r.served(t.provider)
			if err == nil {
				return images, nil
			}
			if ctx.Err() != nil || !fallbackOn(err) || i == len(r.chain)-1 {
				return nil, err
			}
			e.log.Warn("provider failed, trying next target",
				zap.String("provider", t.provider),
				zap.String("next", r.chain[i+1].provider),
				zap.Error(err),
			)
		}
		return nil, err
	})

	opts := []dispatch.Option{
		dispatch.WithLogger(e.log),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{
			MaxAttempts:   e.cfg.Dispatch.MaxAttempts,
			BaseDelay:     e.cfg.Dispatch.BaseDelay,
			MaxDelay:      e.cfg.Dispatch.MaxDelay,
			MaxRetryAfter: e.cfg.Dispatch.MaxRetryAfter,
		}),
		dispatch.WithCostFunc(e.prices.Estimate),
		dispatch.WithAttemptObserver(e.auditObserver(batchID, clients)),
	}
	if e.limiter != nil {
		opts = append(opts, dispatch.WithRateLimiter(e.limiter))
	}
	if e.sleep != nil {
		opts = append(opts, dispatch.WithSleep(e.sleep))
	}
	return dispatch.New(gen, e.store, opts...)
}

// fallbackOn reports whether err should move a call to the next target.
// Errors the client did not classify are treated as network failures.
func fallbackOn(err error) bool {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

func (e *Engine) auditObserver(batchID string, clients map[string]*routed) dispatch.AttemptObserver {
	return func(a dispatch.Attempt) {
		fields := []zap.Field{
			zap.Int("index", a.Index),
			zap.Int("attempt", a.Number),
			zap.Duration("latency", a.Latency),
		}
		entry := models.AuditEntry{
			BatchID:     batchID,
			Fingerprint: a.Fingerprint,
			Model:       a.Request.Model,
			Provider:    providerOf(clients, a.Fingerprint),
			Attempt:     a.Number,
			Outcome:     string(models.StatusSuccess),
			StatusCode:  200,
			LatencyMs:   a.Latency.Milliseconds(),
		}
		if a.Err != nil {
			entry.Outcome = string(a.Err.Kind)
			entry.StatusCode = a.Err.StatusCode
			entry.Message = a.Err.Message
			e.log.Debug("attempt failed", append(fields, zap.String("kind", string(a.Err.Kind)))...)
		} else {
			e.log.Debug("attempt succeeded", fields...)
		}
		if e.audit == nil {
			return
		}
		if err := e.audit.Log(context.Background(), entry); err != nil {
			e.log.Warn("audit log failed", zap.Error(err))
		}
	}
}

func providerOf(clients map[string]*routed, fp string) string {
	if r, ok := clients[fp]; ok {
		return r.provider()
	}
	return ""
}
