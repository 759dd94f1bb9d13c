package dispatch

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prismcli/prism/pkg/models"
)

// Attempt describes one remote call made on behalf of a request.
type Attempt struct {
	Index       int
	Fingerprint string
	Request     models.GenerationRequest
	Number      int
	Err         *models.APIError
	Latency     time.Duration
}

// AttemptObserver is called after every remote call, successful or not.
// It runs on the worker goroutine and must not block for long.
type AttemptObserver func(Attempt)

// CostFunc estimates the USD cost of a remote generation.
type CostFunc func(models.GenerationRequest) float64

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = p.normalized() }
}

// WithRateLimiter gates every remote attempt on l.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithSleep replaces the backoff timer, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithAttemptObserver registers a hook that sees every remote attempt.
func WithAttemptObserver(fn AttemptObserver) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// WithCostFunc sets the estimator used for Outcome.Cost.
func WithCostFunc(fn CostFunc) Option {
	return func(d *Dispatcher) { d.cost = fn }
}
