// Package executor is the isolated worker context. It answers every task message
// exactly once: from the result cache when it can, otherwise by running the
// fallback chain.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/fallback"
	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/provider"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
	"github.com/c360studio/lexitask/transport"
)

// replyTimeout bounds sending one response.
const replyTimeout = 5 * time.Second

// Runner executes a task against providers. *fallback.Chain implements it.
type Runner interface {
	Run(ctx context.Context, kind task.Kind, p task.Payload) (fallback.Outcome, error)
}

// Worker handles protocol messages.
type Worker struct {
	runner    Runner
	registry  *provider.Registry
	cache     *cache.ResultCache
	telemetry *telemetry.Logger
	level     *slog.LevelVar
	logger    *slog.Logger

	inflight  sync.WaitGroup
	closeOnce sync.Once

	tasksHandled atomic.Int64
	cacheHits    atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithCache sets the result cache.
func WithCache(c *cache.ResultCache) Option {
	return func(w *Worker) {
		w.cache = c
	}
}

// WithTelemetry sets the attempt logger.
func WithTelemetry(t *telemetry.Logger) Option {
	return func(w *Worker) {
		w.telemetry = t
	}
}

// WithLevel lets the verbose admin command raise the process log level.
func WithLevel(level *slog.LevelVar) Option {
	return func(w *Worker) {
		w.level = level
	}
}

// New creates a worker. The registry's adapters are destroyed by Close.
func New(runner Runner, registry *provider.Registry, opts ...Option) (*Worker, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}

	w := &Worker{
		runner:   runner,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.cache == nil {
		c, err := cache.New(cache.DefaultCapacity)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		w.cache = c
	}
	if w.telemetry == nil {
		w.telemetry = telemetry.New(telemetry.DefaultCapacity, telemetry.WithLogger(w.logger))
	}
	return w, nil
}

// Telemetry returns the worker's attempt logger.
func (w *Worker) Telemetry() *telemetry.Logger {
	return w.telemetry
}

// Cache returns the worker's result cache.
func (w *Worker) Cache() *cache.ResultCache {
	return w.cache
}

// Serve answers deliveries from conn until it closes or ctx is done. Each delivery
// is handled in its own goroutine; Serve waits for them before returning.
func (w *Worker) Serve(ctx context.Context, conn transport.ServerConn) error {
	defer w.inflight.Wait()

	for {
		d, err := conn.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.HandleDelivery(ctx, d)
		}()
	}
}

// HandleDelivery computes the response to one delivery and sends it. Progress
// updates may be sent first; the final reply is sent exactly once.
func (w *Worker) HandleDelivery(ctx context.Context, d transport.Delivery) {
	id := d.Envelope.TaskID

	var resp protocol.Envelope
	if d.Err != nil {
		resp = w.rejected(d.Envelope, d.Err)
	} else {
		progress := func(p task.Progress) {
			pctx, cancel := context.WithTimeout(ctx, replyTimeout)
			defer cancel()
			if err := d.Reply(pctx, protocol.ProgressFor(id, p)); err != nil {
				w.logger.Debug("Failed to send progress", "task_id", id, "error", err)
			}
		}
		resp = w.Handle(ctx, d.Envelope, progress)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := d.Reply(rctx, resp); err != nil {
		w.logger.Warn("Failed to send response", "task_id", id, "type", resp.Type, "error", err)
	}
}

// rejected answers a request that failed to decode or validate.
func (w *Worker) rejected(env protocol.Envelope, err error) protocol.Envelope {
	w.logger.Warn("Rejecting invalid request", "task_id", env.TaskID, "error", err)
	if env.Type == protocol.TypeAdmin {
		return protocol.AdminReplyFor(env.TaskID, protocol.AdminReply{Error: err.Error()})
	}
	return protocol.ErrorFor(env.TaskID, task.NewError(task.ErrUnsupportedInputPair, err), protocol.Meta{})
}

// Handle computes the response to a request envelope. It never panics.
func (w *Worker) Handle(ctx context.Context, env protocol.Envelope, progress provider.ProgressFunc) (resp protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker panic", "task_id", env.TaskID, "panic", r)
			resp = protocol.ErrorFor(env.TaskID, task.Errorf(task.ErrNetwork, "worker panic: %v", r), protocol.Meta{})
		}
	}()

	switch env.Type {
	case protocol.TypeTask:
		return w.handleTask(ctx, env, progress)
	case protocol.TypeAdmin:
		return w.handleAdmin(env)
	case protocol.TypeTaskResult, protocol.TypeTaskProgress, protocol.TypeAdminResult:
	}
	return protocol.ErrorFor(env.TaskID, task.Errorf(task.ErrUnsupportedInputPair, "unexpected message type %q", env.Type), protocol.Meta{})
}

func (w *Worker) handleTask(ctx context.Context, env protocol.Envelope, progress provider.ProgressFunc) protocol.Envelope {
	start := time.Now()
	w.tasksHandled.Add(1)

	kind := env.Kind
	var p task.Payload
	if env.Payload != nil {
		p = env.Payload.Normalize()
	}

	entry := telemetry.Entry{
		OperationID:  env.TaskID,
		Kind:         kind,
		InputSummary: p.Summary(),
	}

	if !kind.IsValid() {
		err := task.Errorf(task.ErrUnsupportedInputPair, "unknown task kind %q", kind)
		return w.fail(env.TaskID, entry, err, start)
	}
	if err := p.Validate(kind); err != nil {
		return w.fail(env.TaskID, entry, task.NewError(task.ErrUnsupportedInputPair, err), start)
	}

	key := task.CacheKey(kind, p)
	if cached, ok := w.cache.Get(kind, key); ok {
		w.cacheHits.Add(1)
		entry.Success = true
		entry.CacheHit = true
		entry.Provider = cached.Provider
		entry.ResultSummary = cached.Summary()
		entry.DurationMs = time.Since(start).Milliseconds()
		w.telemetry.Record(entry)

		w.logger.Debug("Cache hit", "task_id", env.TaskID, "kind", kind)
		return protocol.ResultFor(env.TaskID, cached, protocol.Meta{
			CacheHit:   true,
			Provider:   cached.Provider,
			DurationMs: entry.DurationMs,
		})
	}

	out, err := w.runner.Run(provider.WithProgress(ctx, progress), kind, p)
	if err != nil {
		entry.Attempts = attemptsOf(err)
		return w.fail(env.TaskID, entry, err, start)
	}

	w.cache.Put(kind, key, out.Result)

	entry.Success = true
	entry.Attempts = out.Attempts
	entry.Provider = out.Provider
	entry.ResultSummary = out.Result.Summary()
	entry.DurationMs = time.Since(start).Milliseconds()
	w.telemetry.Record(entry)

	return protocol.ResultFor(env.TaskID, out.Result, protocol.Meta{
		Attempts:   out.Attempts,
		Provider:   out.Provider,
		DurationMs: entry.DurationMs,
	})
}

// fail records a failed task and builds its error response.
func (w *Worker) fail(id string, entry telemetry.Entry, err error, start time.Time) protocol.Envelope {
	entry.Success = false
	entry.Error = err.Error()
	entry.ErrorKind = task.KindOf(err)
	entry.DurationMs = time.Since(start).Milliseconds()
	w.telemetry.Record(entry)

	w.logger.Debug("Task failed", "task_id", id, "kind", entry.Kind, "error_kind", entry.ErrorKind, "error", err)
	return protocol.ErrorFor(id, err, protocol.Meta{Attempts: entry.Attempts, DurationMs: entry.DurationMs})
}

// attemptsOf sums the attempts recorded in a chain error.
func attemptsOf(err error) int {
	var chainErr *task.ChainError
	if !errors.As(err, &chainErr) {
		return 0
	}
	n := 0
	for _, f := range chainErr.Failures {
		n += f.Attempts
	}
	return n
}

func (w *Worker) handleAdmin(env protocol.Envelope) protocol.Envelope {
	req := env.Admin
	if req == nil {
		return protocol.AdminReplyFor(env.TaskID, protocol.AdminReply{Error: "missing admin command"})
	}

	reply := protocol.AdminReply{}
	switch req.Command {
	case protocol.AdminStats:
		stats := w.telemetry.Stats()
		cacheStats := w.cache.Stats()
		reply.Stats = &stats
		reply.Cache = &cacheStats
	case protocol.AdminExport:
		reply.Entries = w.telemetry.Export()
	case protocol.AdminClear:
		reply.Cleared = w.telemetry.Clear()
	case protocol.AdminVerbose:
		w.telemetry.SetVerbose(req.Verbose)
		if w.level != nil {
			if req.Verbose {
				w.level.Set(slog.LevelDebug)
			} else {
				w.level.Set(slog.LevelInfo)
			}
		}
		w.logger.Info("Verbose telemetry toggled", "verbose", req.Verbose)
	default:
		reply.Error = fmt.Sprintf("unknown admin command %q", req.Command)
	}
	reply.Verbose = w.telemetry.Verbose()
	return protocol.AdminReplyFor(env.TaskID, reply)
}

// Close waits for in-flight work and destroys every adapter.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.inflight.Wait()
		w.telemetry.Flush()
		if w.registry != nil {
			err = w.registry.DestroyAll()
		}
		w.logger.Debug("Worker closed",
			"tasks_handled", w.tasksHandled.Load(),
			"cache_hits", w.cacheHits.Load())
	})
	return err
}
