// Package fallback runs a task against an ordered list of adapters, retrying each
// one before moving to the next.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/lexitask/provider"
	"github.com/c360studio/lexitask/retry"
	"github.com/c360studio/lexitask/task"
)

// Plan maps a task kind to the adapter names tried, in order.
type Plan map[task.Kind][]string

// DefaultPlan tries the local runtime first and the remote service second for every kind.
func DefaultPlan() Plan {
	plan := make(Plan, len(task.AllKinds()))
	for _, kind := range task.AllKinds() {
		plan[kind] = []string{provider.NameBuiltin, provider.NameCloud}
	}
	return plan
}

// For returns the adapter order for kind.
func (p Plan) For(kind task.Kind) []string {
	return p[kind]
}

// Validate checks that every kind has a chain and every name is registered.
func (p Plan) Validate(registry *provider.Registry) error {
	for _, kind := range task.AllKinds() {
		names := p[kind]
		if len(names) == 0 {
			return fmt.Errorf("no adapters planned for %s", kind)
		}
		for _, name := range names {
			if _, ok := registry.Get(name); !ok {
				return fmt.Errorf("plan for %s names unknown adapter %q", kind, name)
			}
		}
	}
	return nil
}

// Outcome is a successful chain run.
type Outcome struct {
	Result task.Result

	// Provider is the adapter that produced Result.
	Provider string

	// Attempts counts attempts across every adapter tried.
	Attempts int

	// Failures holds the adapters that failed before Provider succeeded.
	Failures []task.AdapterFailure

	Duration time.Duration
}

// Chain executes plans against a registry.
type Chain struct {
	registry  *provider.Registry
	plan      Plan
	retryFor  func(task.Kind) retry.Config
	retryOpts []retry.Option
	logger    *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithRetryConfig sets how retry configs are chosen per kind.
func WithRetryConfig(fn func(task.Kind) retry.Config) Option {
	return func(c *Chain) {
		c.retryFor = fn
	}
}

// WithRetryOptions passes options to every retry handler the chain builds.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Chain) {
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// New creates a chain.
func New(registry *provider.Registry, plan Plan, opts ...Option) *Chain {
	c := &Chain{
		registry: registry,
		plan:     plan,
		retryFor: retry.ForKind,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run tries each planned adapter in order. The first success wins and later adapters
// are never called. When every adapter fails the error is a *task.ChainError.
func (c *Chain) Run(ctx context.Context, kind task.Kind, p task.Payload) (Outcome, error) {
	start := time.Now()
	names := c.plan.For(kind)
	chainErr := &task.ChainError{TaskKind: kind, Kind: task.ErrCapabilityUnavailable}

	var out Outcome
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			chainErr.Failures = append(chainErr.Failures, task.AdapterFailure{Adapter: name, Err: err})
			chainErr.Kind = task.KindOf(err)
			break
		}

		adapter, ok := c.registry.Get(name)
		if !ok || !adapter.IsAvailable(ctx) {
			err := task.WithProvider(name, task.Errorf(task.ErrCapabilityUnavailable, "adapter not available"))
			chainErr.Failures = append(chainErr.Failures, task.AdapterFailure{Adapter: name, Err: err})
			chainErr.Kind = task.ErrCapabilityUnavailable
			c.logger.Debug("Adapter unavailable, skipping", "adapter", name, "kind", kind)
			continue
		}

		handler := retry.NewHandler(c.retryFor(kind), append([]retry.Option{retry.WithLogger(c.logger)}, c.retryOpts...)...)
		res := retry.Execute(ctx, handler, name+"/"+string(kind), func(ctx context.Context) (task.Result, error) {
			r, err := adapter.Attempt(ctx, kind, p)
			if err != nil {
				return task.Result{}, err
			}
			if r.IsEmpty() {
				return task.Result{}, task.Errorf(task.ErrEmptyResult, "adapter returned an empty result")
			}
			return r, nil
		})
		out.Attempts += len(res.Attempts)

		if res.Success {
			out.Result = res.Value
			if out.Result.Provider == "" {
				out.Result.Provider = name
			}
			out.Provider = name
			out.Failures = chainErr.Failures
			out.Duration = time.Since(start)
			return out, nil
		}

		err := task.WithProvider(name, res.Err)
		chainErr.Failures = append(chainErr.Failures, task.AdapterFailure{
			Adapter:  name,
			Attempts: len(res.Attempts),
			Err:      err,
		})
		chainErr.Kind = task.KindOf(err)

		c.logger.Warn("Adapter failed, trying fallback",
			"adapter", name,
			"kind", kind,
			"attempts", len(res.Attempts),
			"error_kind", chainErr.Kind,
			"error", res.Err)
	}

	return out, chainErr
}
