// Package dispatch runs batches of image generation requests against a
// remote generator with a concurrency cap, retry with backoff and a
// write-through response cache.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/prismcli/prism/pkg/cache"
	"github.com/prismcli/prism/pkg/models"
)

var (
	// ErrInvalidConcurrency is returned when the concurrency limit is below 1.
	ErrInvalidConcurrency = errors.New("concurrency limit must be at least 1")
	// ErrStorageUnavailable is returned when the cache cannot be reached.
	ErrStorageUnavailable = errors.New("cache storage unavailable")
)

// Generator performs one remote text-to-image call.
type Generator interface {
	Generate(ctx context.Context, req models.GenerationRequest) ([]models.Image, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req models.GenerationRequest) ([]models.Image, error)

func (f GeneratorFunc) Generate(ctx context.Context, req models.GenerationRequest) ([]models.Image, error) {
	return f(ctx, req)
}

// Dispatcher fans a batch of requests out to a Generator.
type Dispatcher struct {
	gen     Generator
	store   cache.Store
	log     *zap.Logger
	retry   RetryPolicy
	limiter *rate.Limiter
	sleep   SleepFunc
	observe AttemptObserver
	cost    CostFunc

	mu      sync.Mutex
	subs    map[int]chan models.ProgressEvent
	nextSub int
}

// New creates a Dispatcher that caches results in store.
func New(gen Generator, store cache.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gen:   gen,
		store: store,
		log:   zap.NewNop(),
		retry: DefaultRetryPolicy(),
		sleep: sleepContext,
		subs:  make(map[int]chan models.ProgressEvent),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe returns a channel receiving one event per completed item, in
// completion order. Events are dropped when the buffer is full. The
// returned function unsubscribes and closes the channel.
func (d *Dispatcher) Subscribe(buffer int) (<-chan models.ProgressEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.ProgressEvent, buffer)

	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *Dispatcher) publish(ev models.ProgressEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// batch holds the per-call state of one Dispatch.
type batch struct {
	outcomes  []models.Outcome
	done      []bool
	completed atomic.Int64
	claims    map[string]*claim
}

// claim is held by the first admitted item for a fingerprint. Later items
// with the same fingerprint wait on done and are served from its result.
type claim struct {
	done chan struct{}
	res  generated
	err  error
}

// Dispatch processes reqs with at most limit remote calls in flight and
// returns one outcome per request, in input order. Per-item failures are
// reported in the outcomes; the returned error is non-nil only when the
// batch could not start. Cancelling ctx stops admission: items that did not
// finish are reported as cancelled and Dispatch still returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []models.GenerationRequest, limit int) ([]models.Outcome, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, limit)
	}
	if err := d.store.Ping(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	b := &batch{
		outcomes: make([]models.Outcome, len(reqs)),
		done:     make([]bool, len(reqs)),
		claims:   make(map[string]*claim),
	}
	fps := make([]string, len(reqs))
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup

	d.log.Debug("dispatch started", zap.Int("requests", len(reqs)), zap.Int("limit", limit))

	for i, req := range reqs {
		fps[i] = cache.Fingerprint(req)
		if ctx.Err() != nil {
			break
		}
		if err := req.Validate(); err != nil {
			var apiErr *models.APIError
			errors.As(err, &apiErr)
			d.finish(b, models.Outcome{
				Index: i, Request: req, Fingerprint: fps[i],
				Status: models.StatusFailure, Err: apiErr,
			})
			continue
		}
		if c, ok := b.claims[fps[i]]; ok {
			wg.Add(1)
			go func(i int, req models.GenerationRequest, fp string) {
				defer wg.Done()
				d.finish(b, d.follow(ctx, c, i, req, fp))
			}(i, req, fps[i])
			continue
		}
		if o, ok := d.fromCache(ctx, i, req, fps[i]); ok {
			d.finish(b, o)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		c := &claim{done: make(chan struct{})}
		b.claims[fps[i]] = c
		wg.Add(1)
		go func(i int, req models.GenerationRequest, fp string) {
			defer wg.Done()
			defer sem.Release(1)
			d.finish(b, d.process(ctx, c, i, req, fp))
		}(i, req, fps[i])
	}
	wg.Wait()

	cancelled := 0
	for i := range reqs {
		if b.done[i] {
			continue
		}
		cancelled++
		d.finish(b, models.Outcome{
			Index: i, Request: reqs[i], Fingerprint: fps[i],
			Status: models.StatusCancelled,
			Err:    &models.APIError{Kind: models.ErrCancelled, Message: "batch cancelled before the request started"},
		})
	}
	if cancelled > 0 {
		d.log.Info("dispatch cancelled", zap.Int("cancelled", cancelled), zap.Int("requests", len(reqs)))
	}

	return b.outcomes, nil
}

func (d *Dispatcher) finish(b *batch, o models.Outcome) {
	b.outcomes[o.Index] = o
	b.done[o.Index] = true
	n := b.completed.Add(1)
	d.publish(models.ProgressEvent{
		Index:     o.Index,
		Status:    o.Status,
		CacheHit:  o.CacheHit,
		Completed: int(n),
		Total:     len(b.outcomes),
	})
}

// fromCache builds a cache-hit outcome. Lookup errors are treated as misses.
func (d *Dispatcher) fromCache(ctx context.Context, i int, req models.GenerationRequest, fp string) (models.Outcome, bool) {
	entry, ok, err := d.store.Lookup(ctx, fp)
	if err != nil {
		d.log.Warn("cache lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		return models.Outcome{}, false
	}
	if !ok {
		return models.Outcome{}, false
	}
	return models.Outcome{
		Index:       i,
		Request:     req,
		Fingerprint: fp,
		Status:      models.StatusSuccess,
		Images:      entry.Images,
		CacheHit:    true,
	}, true
}

type generated struct {
	images   []models.Image
	attempts int
	cacheErr error
}

// process runs the first admitted request for a fingerprint and publishes
// its result to later duplicates through c.
func (d *Dispatcher) process(ctx context.Context, c *claim, i int, req models.GenerationRequest, fp string) models.Outcome {
	res, err := d.generate(ctx, i, req, fp)
	c.res, c.err = res, err
	close(c.done)

	o := models.Outcome{Index: i, Request: req, Fingerprint: fp, Attempts: res.attempts}
	if err != nil {
		return d.failed(ctx, o, err)
	}
	o.Status = models.StatusSuccess
	o.Images = res.images
	if d.cost != nil {
		o.Cost = d.cost(req)
	}
	if res.cacheErr != nil {
		o.CacheErr = res.cacheErr.Error()
	}
	return o
}

// follow waits for the item holding c and answers a duplicate request from
// the cache it wrote. A failed leader fails its duplicates with the same
// error; nothing is called remotely for them.
func (d *Dispatcher) follow(ctx context.Context, c *claim, i int, req models.GenerationRequest, fp string) models.Outcome {
	<-c.done
	o := models.Outcome{Index: i, Request: req, Fingerprint: fp}
	if c.err != nil {
		return d.failed(ctx, o, c.err)
	}
	if hit, ok := d.fromCache(ctx, i, req, fp); ok {
		return hit
	}
	o.Status = models.StatusSuccess
	o.Images = c.res.images
	o.CacheHit = true
	return o
}

func (d *Dispatcher) failed(ctx context.Context, o models.Outcome, err error) models.Outcome {
	apiErr := d.classify(ctx, err)
	o.Err = apiErr
	o.Status = models.StatusFailure
	if apiErr.Kind == models.ErrCancelled {
		o.Status = models.StatusCancelled
	}
	return o
}

// generate calls the remote API with retry and writes the result through
// to the cache before returning it.
func (d *Dispatcher) generate(ctx context.Context, i int, req models.GenerationRequest, fp string) (generated, error) {
	var delay time.Duration
	var last *models.APIError

	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return generated{attempts: attempt - 1}, err
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return generated{attempts: attempt - 1}, err
			}
		}

		start := time.Now()
		images, err := d.gen.Generate(ctx, req)
		latency := time.Since(start)

		if err == nil {
			d.notify(Attempt{Index: i, Fingerprint: fp, Request: req, Number: attempt, Latency: latency})
			res := generated{images: images, attempts: attempt}
			entry := models.CacheEntry{
				Fingerprint: fp,
				Images:      images,
				Summary:     req,
				CreatedAt:   time.Now().UTC(),
			}
			// The write must land even if the batch is being cancelled.
			if serr := d.store.Store(context.WithoutCancel(ctx), entry); serr != nil {
				d.log.Error("cache write-through failed", zap.String("fingerprint", fp), zap.Error(serr))
				res.cacheErr = serr
			}
			return res, nil
		}

		last = d.classify(ctx, err)
		d.notify(Attempt{Index: i, Fingerprint: fp, Request: req, Number: attempt, Err: last, Latency: latency})

		if !last.Retryable() || attempt == d.retry.MaxAttempts {
			return generated{attempts: attempt}, last
		}

		if last.RetryAfter > d.retry.MaxRetryAfter {
			d.log.Warn("retry-after exceeds ceiling, giving up",
				zap.Int("index", i),
				zap.Duration("retry_after", last.RetryAfter),
				zap.Duration("ceiling", d.retry.MaxRetryAfter),
			)
			return generated{attempts: attempt}, last
		}

		next := d.retry.Delay(attempt)
		if last.RetryAfter > next {
			next = last.RetryAfter
		}
		if next < delay {
			next = delay
		}
		delay = next

		d.log.Warn("retrying request",
			zap.Int("index", i),
			zap.Int("attempt", attempt),
			zap.String("kind", string(last.Kind)),
			zap.Duration("delay", delay),
			zap.Error(last),
		)
		if err := d.sleep(ctx, delay); err != nil {
			return generated{attempts: attempt}, err
		}
	}
	return generated{attempts: d.retry.MaxAttempts}, last
}

func (d *Dispatcher) notify(a Attempt) {
	if d.observe != nil {
		d.observe(a)
	}
}

// classify maps an arbitrary error onto the failure taxonomy. Errors not
// produced by the API client are treated as transient network failures
// unless the batch itself was cancelled.
func (d *Dispatcher) classify(ctx context.Context, err error) *models.APIError {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &models.APIError{Kind: models.ErrCancelled, Message: err.Error(), Err: err}
	}
	return &models.APIError{Kind: models.ErrNetwork, Message: err.Error(), Err: err}
}
