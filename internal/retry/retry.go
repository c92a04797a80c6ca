// Package retry wraps vendor calls in one bounded retry combinator. Every
// failure is classified as rate-limited, transient, or fatal; only the first
// two are retried, each under its own attempt bound, so a request-scoped
// operation has a bounded worst-case latency.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// Default bounds and backoff shape.
const (
	DefaultMaxRateLimited = 5
	DefaultMaxTransient   = 3
	DefaultBackoff        = 2 * time.Second
	defaultBaseBackoff    = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	jitterPercent         = 25
)

// Class is the retry classification of an error.
type Class int

const (
	Fatal Class = iota
	Transient
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Config holds the tunable bounds. Zero fields take defaults.
type Config struct {
	MaxRateLimited    int
	MaxTransient      int
	DefaultBackoff    time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64 // 0 disables client-side pacing
}

// Op names a call and declares whether repeating it is safe after an
// ambiguous (transient) failure.
type Op struct {
	Name       string
	Idempotent bool
}

// ExhaustedError is returned when a retryable failure outlives its bound.
// It unwraps to the last underlying error.
type ExhaustedError struct {
	Op       string
	Class    Class
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s gave up after %d attempts (%s): %v", e.Op, e.Attempts, e.Class, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is a retryable failure whose bound was hit.
// Callers may choose to retry later.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Policy is safe for concurrent use; one Policy is shared by all requests.
type Policy struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	// sleepFunc waits between attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
	classify  func(ctx context.Context, err error) (Class, time.Duration)
}

// New builds a Policy from cfg.
func New(cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxRateLimited <= 0 {
		cfg.MaxRateLimited = DefaultMaxRateLimited
	}

	if cfg.MaxTransient <= 0 {
		cfg.MaxTransient = DefaultMaxTransient
	}

	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = DefaultBackoff
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	p := &Policy{
		cfg:       cfg,
		logger:    logger,
		sleepFunc: timeSleep,
		classify:  Classify,
	}

	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return p
}

// WithSleep replaces the wait between attempts and returns p. Callers in
// other packages use it to run retry paths without real delays.
func (p *Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Policy {
	p.sleepFunc = fn
	return p
}

// Do runs fn until it succeeds, fails fatally, or exhausts the bound for its
// failure class. Transient failures are retried only for idempotent ops.
func Do[T any](ctx context.Context, p *Policy, op Op, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero        T
		attempts    int
		rateLimited int
		transient   int
		backoff     = p.transientBackoff()
	)

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return zero, fmt.Errorf("retry: %s: pacing: %w", op.Name, err)
			}
		}

		attempts++

		result, err := fn(ctx)
		if err == nil {
			if attempts > 1 {
				p.logger.Debug("call succeeded after retry",
					slog.String("op", op.Name),
					slog.Int("attempts", attempts),
				)
			}

			return result, nil
		}

		class, hint := p.classify(ctx, err)

		var wait time.Duration

		switch class {
		case RateLimited:
			rateLimited++
			if rateLimited >= p.cfg.MaxRateLimited {
				return zero, p.exhausted(op, class, attempts, err)
			}

			wait = hint
			if wait <= 0 {
				wait = p.cfg.DefaultBackoff
			}

			wait = min(wait, p.cfg.MaxBackoff)

		case Transient:
			if !op.Idempotent {
				return zero, err
			}

			transient++
			if transient >= p.cfg.MaxTransient {
				return zero, p.exhausted(op, class, attempts, err)
			}

			next, stop := backoff.Next()
			if stop {
				return zero, p.exhausted(op, class, attempts, err)
			}

			wait = next

		default:
			return zero, err
		}

		p.logger.Warn("retrying vendor call",
			slog.String("op", op.Name),
			slog.String("class", class.String()),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		if sleepErr := p.sleepFunc(ctx, wait); sleepErr != nil {
			return zero, fmt.Errorf("retry: %s canceled: %w", op.Name, sleepErr)
		}
	}
}

func (p *Policy) exhausted(op Op, class Class, attempts int, err error) error {
	p.logger.Error("vendor call failed after retries",
		slog.String("op", op.Name),
		slog.String("class", class.String()),
		slog.Int("attempts", attempts),
	)

	return &ExhaustedError{Op: op.Name, Class: class, Attempts: attempts, Err: err}
}

// transientBackoff returns a fresh exponential schedule with ±25% jitter,
// capped at MaxBackoff.
func (p *Policy) transientBackoff() goretry.Backoff {
	b := goretry.NewExponential(p.cfg.BaseBackoff)
	b = goretry.WithJitterPercent(jitterPercent, b)

	return goretry.WithCappedDuration(p.cfg.MaxBackoff, b)
}

// Classify maps an error onto a retry class. The returned duration is the
// vendor's backoff hint for RateLimited errors and zero otherwise.
func Classify(ctx context.Context, err error) (Class, time.Duration) {
	// The caller's own cancellation is never retried.
	if ctx.Err() != nil {
		return Fatal, 0
	}

	var rl *backend.RateLimitError
	if errors.As(err, &rl) {
		return RateLimited, rl.RetryAfter
	}

	if errors.Is(err, backend.ErrTransient) {
		return Transient, 0
	}

	// A transport-level timeout while the caller's context is still live.
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient, 0
	}

	return Fatal, 0
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
