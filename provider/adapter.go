// Package provider defines the narrow interface every AI backend is reached
// through, plus the two built-in adapters: a local model runtime (primary) and an
// OpenAI-compatible remote service (secondary).
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/lexitask/task"
)

// Adapter names used by default fallback plans.
const (
	NameBuiltin = "builtin"
	NameCloud   = "cloud"
)

// maxResponseSize limits provider response bodies to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Adapter is a black-box AI backend.
//
// Attempt performs exactly one try. Retry and fallback are the caller's business,
// so an adapter must classify its errors with a task.ErrorKind and never loop.
type Adapter interface {
	// Name returns the adapter identifier used in plans, logs and results.
	Name() string

	// IsAvailable reports whether the adapter can serve requests at all on this host.
	IsAvailable(ctx context.Context) bool

	// Attempt runs one try of the task.
	Attempt(ctx context.Context, kind task.Kind, p task.Payload) (task.Result, error)

	// Destroy releases sessions and connections held by the adapter.
	Destroy() error
}

// ProgressFunc receives progress updates. It must not block.
type ProgressFunc func(task.Progress)

type progressKey struct{}

// WithProgress attaches a progress reporter to ctx for the adapters that emit one.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, fn)
}

// ProgressFrom returns the reporter attached to ctx, or a no-op.
func ProgressFrom(ctx context.Context) ProgressFunc {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		return fn
	}
	return func(task.Progress) {}
}

// clientOptions holds settings shared by the HTTP-backed adapters.
type clientOptions struct {
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an HTTP-backed adapter.
type Option func(*clientOptions)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) clientOptions {
	o := clientOptions{
		// Per-attempt deadlines come from the retry handler's context.
		httpClient: &http.Client{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
