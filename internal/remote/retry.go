package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	appLog "calbridge/internal/log"
)

// ErrExhausted wraps the last error of a call that ran out of attempts.
var ErrExhausted = errors.New("retry budget exhausted")

const (
	minAttempts = 5
	maxAttempts = 8
	jitter      = 0.2
)

// Policy configures pacing and backoff.
type Policy struct {
	// SteadyDelay is the minimum spacing between any two calls.
	SteadyDelay time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		SteadyDelay: 250 * time.Millisecond,
		BaseBackoff: time.Second,
		MaxBackoff:  32 * time.Second,
		MaxAttempts: maxAttempts,
	}
}

// Observer receives per-call outcomes, e.g. for metrics.
type Observer interface {
	ObserveCall(op string, kind Kind)
	ObserveRetry(op string)
}

// Result is the explicit outcome of a wrapped call.
type Result struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (r Result) OK() bool { return r.Kind == KindOK }

// Retrier paces and retries remote calls. It is not safe for concurrent use;
// the apply layer is sequential.
type Retrier struct {
	policy   Policy
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	random   func() float64
	observer Observer
}

type Option func(*Retrier)

// WithSleep replaces the backoff sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRandom replaces the jitter source; fn returns values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Retrier) { r.random = fn }
}

func WithObserver(o Observer) Option {
	return func(r *Retrier) { r.observer = o }
}

func NewRetrier(p Policy, opts ...Option) *Retrier {
	if p.MaxAttempts < minAttempts {
		p.MaxAttempts = minAttempts
	}
	if p.MaxAttempts > maxAttempts {
		p.MaxAttempts = maxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}

	limit := rate.Inf
	if p.SteadyDelay > 0 {
		limit = rate.Every(p.SteadyDelay)
	}
	r := &Retrier{
		policy:  p,
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepCtx,
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrier) Policy() Policy { return r.policy }

// Do runs fn until it succeeds, fails with a non-retryable kind, or the
// attempt budget is spent. Every attempt first waits for the steady pacing
// token.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) Result {
	var lastErr error
	kind := KindOK
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return Result{Kind: KindPermanent, Attempts: attempt - 1, Err: fmt.Errorf("%s: %w", op, err)}
		}

		lastErr = fn(ctx)
		kind = Classify(lastErr)
		if r.observer != nil {
			r.observer.ObserveCall(op, kind)
		}
		if !kind.Retryable() {
			return Result{Kind: kind, Attempts: attempt, Err: lastErr}
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.backoff(attempt, retryAfter(lastErr))
		appLog.Warn("remote call failed, retrying",
			"op", op, "kind", kind, "attempt", attempt, "delay", delay, "err", lastErr)
		if r.observer != nil {
			r.observer.ObserveRetry(op)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return Result{Kind: KindPermanent, Attempts: attempt, Err: fmt.Errorf("%s: %w", op, err)}
		}
	}
	return Result{
		Kind:     kind,
		Attempts: r.policy.MaxAttempts,
		Err:      fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, r.policy.MaxAttempts, lastErr),
	}
}

// backoff returns base*2^(attempt-1) capped at MaxBackoff with +-20% jitter.
// A longer server hint wins and is used as is.
func (r *Retrier) backoff(attempt int, hint time.Duration) time.Duration {
	d := r.policy.BaseBackoff
	for i := 1; i < attempt && d < r.policy.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.policy.MaxBackoff {
		d = r.policy.MaxBackoff
	}
	factor := 1 + jitter*(2*r.random()-1)
	d = time.Duration(float64(d) * factor)
	if hint > d {
		return hint
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
