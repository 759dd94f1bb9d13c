// Package engine composes the dispatcher, cache, budget, storage, history
// and audit log into the operations the CLI and services expose.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prismcli/prism/pkg/audit"
	"github.com/prismcli/prism/pkg/budget"
	"github.com/prismcli/prism/pkg/cache"
	"github.com/prismcli/prism/pkg/config"
	"github.com/prismcli/prism/pkg/dispatch"
	"github.com/prismcli/prism/pkg/history"
	"github.com/prismcli/prism/pkg/imageapi"
	"github.com/prismcli/prism/pkg/keystore"
	"github.com/prismcli/prism/pkg/models"
	"github.com/prismcli/prism/pkg/pricing"
	"github.com/prismcli/prism/pkg/router"
	"github.com/prismcli/prism/pkg/storage"
)

// Imager is the remote surface the engine needs from a provider.
// *imageapi.Client satisfies it.
type Imager interface {
	dispatch.Generator
	CreateVariation(ctx context.Context, image io.Reader, filename, size string, n int) ([]models.Image, error)
	Analyze(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// Editor is implemented by clients that support masked image edits.
type Editor interface {
	Edit(ctx context.Context, in imageapi.EditInput) ([]models.Image, error)
}

// PromptWriter is implemented by clients that can rewrite prompts.
type PromptWriter interface {
	Enhance(ctx context.Context, prompt, style string) (string, error)
	PromptVariations(ctx context.Context, prompt string, count int) ([]string, error)
}

// ClientFactory builds an Imager for a provider.
type ClientFactory func(p config.ProviderConfig) Imager

// Engine runs generations end to end.
type Engine struct {
	cfg     *config.Config
	store   cache.Store
	router  *router.Router
	prices  *pricing.Table
	limiter *rate.Limiter
	log     *zap.Logger

	history history.Store
	budget  *budget.Enforcer
	audit   *audit.Logger
	saver   *storage.Saver
	keys    *keystore.Store
	sleep   dispatch.SleepFunc
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]Imager
	closers []io.Closer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithHistory records every generation in h.
func WithHistory(h history.Store) Option {
	return func(e *Engine) { e.history = h }
}

// WithBudget checks estimated spend before each batch.
func WithBudget(b *budget.Enforcer) Option {
	return func(e *Engine) { e.budget = b }
}

// WithAudit logs every remote attempt.
func WithAudit(a *audit.Logger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithSaver writes generated images to disk.
func WithSaver(s *storage.Saver) Option {
	return func(e *Engine) { e.saver = s }
}

// WithKeystore supplies the API key for providers that configure none
// when OPENAI_API_KEY is unset.
func WithKeystore(k *keystore.Store) Option {
	return func(e *Engine) { e.keys = k }
}

// WithClientFactory replaces the provider client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithSleep replaces the dispatcher backoff timer.
func WithSleep(fn dispatch.SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New creates an Engine caching results in store.
func New(cfg *config.Config, store cache.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		router:  router.New(cfg),
		prices:  pricing.New(cfg.Pricing),
		log:     zap.NewNop(),
		clients: make(map[string]Imager),
	}
	if rpm := cfg.Dispatch.RequestsPerMinute; rpm > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.factory == nil {
		e.factory = e.defaultClient
	}
	return e
}

func (e *Engine) defaultClient(p config.ProviderConfig) Imager {
	return imageapi.New(imageapi.Config{
		APIKey:      e.apiKey(p),
		BaseURL:     p.URL,
		Timeout:     e.cfg.Dispatch.Timeout,
		VisionModel: e.cfg.Vision.Model,
		PromptModel: e.cfg.Enhance.Model,
	}, e.log.Named(p.Name))
}

// apiKey returns the configured key for p. An empty result leaves the SDK
// to read OPENAI_API_KEY.
func (e *Engine) apiKey(p config.ProviderConfig) string {
	if p.APIKey != "" || os.Getenv("OPENAI_API_KEY") != "" || e.keys == nil {
		return p.APIKey
	}
	key, err := e.keys.Load()
	if err != nil {
		if !errors.Is(err, keystore.ErrNotFound) {
			e.log.Warn("read keystore failed", zap.String("provider", p.Name), zap.Error(err))
		}
		return ""
	}
	return key
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Cache returns the response cache.
func (e *Engine) Cache() cache.Store { return e.store }

// History returns the history store, or nil when history is disabled.
func (e *Engine) History() history.Store { return e.history }

// Budget returns the enforcer, or nil when budgets are disabled.
func (e *Engine) Budget() *budget.Enforcer { return e.budget }

// Audit returns the audit logger, or nil when auditing is disabled.
func (e *Engine) Audit() *audit.Logger { return e.audit }

// Pricing returns the price table.
func (e *Engine) Pricing() *pricing.Table { return e.prices }

// Close releases everything Open acquired.
func (e *Engine) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

// Request builds a request for prompt from the configured defaults.
func (e *Engine) Request(prompt string) models.GenerationRequest {
	return e.FillDefaults(models.GenerationRequest{Prompt: prompt})
}

// FillDefaults sets unset request fields from the configured defaults.
// Style is only defaulted for dall-e-3.
func (e *Engine) FillDefaults(req models.GenerationRequest) models.GenerationRequest {
	d := e.cfg.Defaults
	if req.Model == "" {
		req.Model = d.Model
	}
	if req.Size == "" {
		req.Size = d.Size
		if req.Model != d.Model {
			req.Size = "1024x1024"
		}
	}
	if req.Quality == "" {
		req.Quality = d.Quality
		if req.Model == models.ModelDallE2 {
			req.Quality = models.QualityStandard
		}
	}
	if req.Style == "" && req.Model == models.ModelDallE3 {
		req.Style = d.Style
	}
	if req.Count == 0 {
		req.Count = d.Count
	}
	return req
}

// client returns the cached Imager for a provider.
func (e *Engine) client(p config.ProviderConfig) Imager {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[p.Name]
	if !ok {
		c = e.factory(p)
		e.clients[p.Name] = c
	}
	return c
}

// target is one resolved provider for a model, with its client.
type target struct {
	provider string
	model    string
	client   Imager
}

// targets resolves a model alias to its provider chain in preference order.
func (e *Engine) targets(model string) ([]target, error) {
	routes, err := e.router.Resolve(model)
	if err != nil {
		return nil, fmt.Errorf("resolve route: %w", err)
	}
	out := make([]target, len(routes))
	for i, r := range routes {
		out[i] = target{provider: r.Provider.Name, model: r.Model, client: e.client(r.Provider)}
	}
	return out, nil
}

// route resolves a model alias to its primary target.
func (e *Engine) route(model string) (target, error) {
	chain, err := e.targets(model)
	if err != nil {
		return target{}, err
	}
	return chain[0], nil
}

// ImageResult is the outcome of Variations and Edit.
type ImageResult struct {
	Images []models.Image `json:"-"`
	Paths  []string       `json:"paths"`
	Cost   float64        `json:"cost"`
}

// Variations produces n variations of the PNG at path.
func (e *Engine) Variations(ctx context.Context, path, size string, n int) (*ImageResult, error) {
	if n < 1 {
		n = 1
	}
	if size == "" {
		size = "1024x1024"
	}
	if !slices.Contains(models.SupportedSizes(models.ModelDallE2), size) {
		return nil, fmt.Errorf("size %q not supported for variations", size)
	}

	cost := e.prices.EstimateVariation(size, n)
	if e.budget != nil {
		if err := e.budget.Check(ctx, models.ModelDallE2, cost); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	t, err := e.route(models.ModelDallE2)
	if err != nil {
		return nil, err
	}
	images, err := t.client.CreateVariation(ctx, f, filepath.Base(path), size, n)
	if err != nil {
		return nil, err
	}

	res := &ImageResult{Images: images, Cost: cost}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if e.saver != nil {
		res.Paths, err = e.saver.Save(ctx, "variation "+stem, images)
		if err != nil {
			return res, err
		}
	}

	for i := range images {
		e.record(ctx, models.GenerationRecord{
			Type:      models.TypeVariation,
			Prompt:    "variation of " + filepath.Base(path),
			Model:     models.ModelDallE2,
			Size:      size,
			ImagePath: at(res.Paths, i),
			Cost:      cost / float64(len(images)),
		})
	}
	return res, nil
}

// Analyze asks the vision model about the image at path.
func (e *Engine) Analyze(ctx context.Context, path, prompt string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if prompt == "" {
		prompt = e.cfg.Vision.Prompt
	}

	model := e.cfg.Vision.Model
	t, err := e.route(model)
	if err != nil {
		return "", err
	}
	answer, err := t.client.Analyze(ctx, data, http.DetectContentType(data), prompt)
	if err != nil {
		return "", err
	}

	e.record(ctx, models.GenerationRecord{
		Type:      models.TypeAnalyze,
		Prompt:    prompt,
		Model:     model,
		ImagePath: path,
	})
	return answer, nil
}

func (e *Engine) record(ctx context.Context, rec models.GenerationRecord) {
	if e.history == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := e.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.log.Warn("record history failed", zap.Error(err))
	}
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
