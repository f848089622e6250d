package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/c360studio/lexitask/task"
)

// Attempt records one try of an operation.
type Attempt struct {
	// Number is the 1-indexed attempt number.
	Number int

	// StartedAt is when the attempt began.
	StartedAt time.Time

	// Duration is how long the attempt ran (or until it was abandoned).
	Duration time.Duration

	// Err is the attempt's error, nil on success.
	Err error

	// ErrorKind is the classification of Err.
	ErrorKind task.ErrorKind

	// Delay is the backoff slept after this attempt, zero if none.
	Delay time.Duration
}

// Result is the immutable outcome of Execute.
// Success is true iff Err is nil, and Attempts always holds at least one entry.
type Result[T any] struct {
	Success       bool
	Value         T
	Err           error
	Attempts      []Attempt
	TotalDuration time.Duration
}

// Handler executes operations under one retry configuration.
type Handler struct {
	config Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
	now    func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		h.sleep = sleep
	}
}

// WithRandom replaces the jitter source. The function must return values in [0, 1).
func WithRandom(rnd func() float64) Option {
	return func(h *Handler) {
		h.rand = rnd
	}
}

// NewHandler creates a handler for the given configuration.
func NewHandler(cfg Config, opts ...Option) *Handler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	h := &Handler{
		config: cfg,
		logger: slog.Default(),
		sleep:  sleepContext,
		rand:   rand.Float64,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Config returns the handler's configuration.
func (h *Handler) Config() Config {
	return h.config
}

// Execute runs op until it succeeds, fails with a non-retryable error, or runs out of
// attempts. It never panics: every outcome is reported in the returned Result.
func Execute[T any](ctx context.Context, h *Handler, label string, op func(context.Context) (T, error)) Result[T] {
	cfg := h.config
	start := h.now()

	var (
		res     Result[T]
		lastErr error
	)

	for n := 1; n <= cfg.MaxAttempts; n++ {
		attemptStart := h.now()
		value, err := runAttempt(ctx, cfg.Timeout, op)
		attempt := Attempt{
			Number:    n,
			StartedAt: attemptStart,
			Duration:  h.now().Sub(attemptStart),
		}

		if err == nil {
			res.Attempts = append(res.Attempts, attempt)
			res.Success = true
			res.Value = value
			res.TotalDuration = h.now().Sub(start)
			return res
		}

		kind := task.KindOf(err)
		attempt.Err = err
		attempt.ErrorKind = kind
		lastErr = err

		if ctx.Err() != nil {
			res.Attempts = append(res.Attempts, attempt)
			break
		}

		if !cfg.IsRetryable(kind) {
			h.logger.Debug("Attempt failed with non-retryable error",
				"label", label,
				"attempt", n,
				"error_kind", kind,
				"error", err)
			res.Attempts = append(res.Attempts, attempt)
			break
		}

		if n == cfg.MaxAttempts {
			res.Attempts = append(res.Attempts, attempt)
			break
		}

		delay := cfg.Backoff(n, h.rand)
		attempt.Delay = delay
		res.Attempts = append(res.Attempts, attempt)

		h.logger.Debug("Attempt failed, retrying",
			"label", label,
			"attempt", n,
			"max_attempts", cfg.MaxAttempts,
			"backoff", delay,
			"error_kind", kind,
			"error", err)

		if err := h.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	res.Err = lastErr
	res.TotalDuration = h.now().Sub(start)
	return res
}

// runAttempt races op against the per-attempt timer. When the timer wins the op is
// abandoned: its context is cancelled and its eventual result is discarded.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T

	attemptCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("attempt panicked: %v", r)}
			}
		}()
		v, err := op(attemptCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, task.Errorf(task.ErrTimeout, "attempt exceeded %s: %v", timeout, out.err)
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, task.Errorf(task.ErrTimeout, "attempt exceeded %s", timeout)
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
