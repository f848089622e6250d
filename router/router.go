// Package router is the coordinating context. It starts the worker lazily, sends
// each task with a fresh correlation id and settles every submission exactly once:
// by the worker's response, by the watchdog, or by the caller giving up.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/transport"
)

// Defaults for the router timers.
const (
	DefaultWatchdog       = 15 * time.Second
	DefaultStartupTimeout = 10 * time.Second
)

// ErrClosed is returned by Submit and Admin after Close.
var ErrClosed = errors.New("router closed")

// pendingTask is one in-flight submission. It leaves the pending map exactly once.
type pendingTask struct {
	id          string
	conn        transport.ClientConn
	done        chan protocol.Envelope
	watchdog    *time.Timer
	submittedAt time.Time
	onProgress  func(task.Progress)
	meta        *protocol.Meta
}

// Router submits tasks to a worker through a transport.
type Router struct {
	starter        transport.Starter
	logger         *slog.Logger
	watchdog       time.Duration
	kindWatchdog   func(task.Kind) time.Duration
	startupTimeout time.Duration
	newID          func() string

	starts singleflight.Group

	mu      sync.Mutex
	conn    transport.ClientConn
	pending map[string]*pendingTask
	closed  bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithWatchdog sets how long a submission waits for its response.
func WithWatchdog(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.watchdog = d
		}
	}
}

// WithKindWatchdog sets a per-kind watchdog for Submit. Results that are not
// positive fall back to the WithWatchdog value.
func WithKindWatchdog(fn func(task.Kind) time.Duration) Option {
	return func(r *Router) {
		r.kindWatchdog = fn
	}
}

// WithStartupTimeout bounds a worker start.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.startupTimeout = d
		}
	}
}

// WithIDGenerator replaces uuid task ids, mainly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) {
		r.newID = fn
	}
}

// New creates a router. No worker is started until the first submission.
func New(starter transport.Starter, opts ...Option) *Router {
	r := &Router{
		starter:        starter,
		logger:         slog.Default(),
		watchdog:       DefaultWatchdog,
		startupTimeout: DefaultStartupTimeout,
		newID:          func() string { return uuid.New().String() },
		pending:        make(map[string]*pendingTask),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SubmitOption configures one submission.
type SubmitOption func(*pendingTask)

// WithProgress receives TASK_PROGRESS updates for the submission. fn runs on the
// router's receive goroutine and must not block.
func WithProgress(fn func(task.Progress)) SubmitOption {
	return func(p *pendingTask) {
		p.onProgress = fn
	}
}

// WithMeta copies the worker's result metadata (cache hit, attempts, provider)
// into m once the submission settles with a worker response.
func WithMeta(m *protocol.Meta) SubmitOption {
	return func(p *pendingTask) {
		p.meta = m
	}
}

// Submit runs one task and waits for its result.
func (r *Router) Submit(ctx context.Context, kind task.Kind, p task.Payload, opts ...SubmitOption) (task.Result, error) {
	if !kind.IsValid() {
		return task.Result{}, task.Errorf(task.ErrUnsupportedInputPair, "unknown task kind %q", kind)
	}

	resp, err := r.roundTrip(ctx, r.watchdogFor(kind), func(id string) protocol.Envelope {
		return protocol.NewTask(id, kind, p)
	}, opts...)
	if err != nil {
		return task.Result{}, err
	}

	if resp.Type != protocol.TypeTaskResult {
		return task.Result{}, task.Errorf(task.ErrNetwork, "unexpected response type %s", resp.Type)
	}
	if err := resp.Err(); err != nil {
		return task.Result{}, err
	}
	return *resp.Result, nil
}

// Admin sends a debug console command to the worker.
func (r *Router) Admin(ctx context.Context, req protocol.AdminRequest) (*protocol.AdminReply, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := r.roundTrip(ctx, r.watchdog, func(id string) protocol.Envelope {
		return protocol.NewAdmin(id, req)
	})
	if err != nil {
		return nil, err
	}

	if err := resp.Err(); err != nil {
		return nil, err
	}
	if resp.Type != protocol.TypeAdminResult || resp.AdminReply == nil {
		return nil, task.Errorf(task.ErrNetwork, "unexpected response type %s", resp.Type)
	}
	if resp.AdminReply.Error != "" {
		return resp.AdminReply, fmt.Errorf("admin %s: %s", req.Command, resp.AdminReply.Error)
	}
	return resp.AdminReply, nil
}

func (r *Router) watchdogFor(kind task.Kind) time.Duration {
	if r.kindWatchdog != nil {
		if d := r.kindWatchdog(kind); d > 0 {
			return d
		}
	}
	return r.watchdog
}

// roundTrip registers a pending entry, sends the request and waits for it to settle.
func (r *Router) roundTrip(ctx context.Context, timeout time.Duration, build func(id string) protocol.Envelope, opts ...SubmitOption) (protocol.Envelope, error) {
	conn, err := r.ensureWorker(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := ctx.Err(); err != nil {
		return protocol.Envelope{}, err
	}

	id := r.newID()
	p, err := r.register(id, conn, timeout, opts)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if err := conn.Send(ctx, build(id)); err != nil {
		// A send cut short by the caller says nothing about the worker.
		if ctx.Err() == nil {
			r.markDead(conn, err)
			r.settle(id, protocol.ErrorFor(id, task.Errorf(task.ErrStartupFailed, "send to worker: %v", err), protocol.Meta{}))
		}
	}

	select {
	case resp := <-p.done:
		return p.deliver(resp), nil
	case <-ctx.Done():
		if r.abandon(id) {
			return protocol.Envelope{}, ctx.Err()
		}
		// Settled concurrently; the envelope is already on its way.
		return p.deliver(<-p.done), nil
	}
}

func (p *pendingTask) deliver(resp protocol.Envelope) protocol.Envelope {
	if p.meta != nil && resp.Meta != nil {
		*p.meta = *resp.Meta
	}
	return resp
}

// register adds a pending entry and arms its watchdog.
func (r *Router) register(id string, conn transport.ClientConn, timeout time.Duration, opts []SubmitOption) (*pendingTask, error) {
	p := &pendingTask{
		id:          id,
		conn:        conn,
		done:        make(chan protocol.Envelope, 1),
		submittedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("task id %s already pending", id)
	}
	r.pending[id] = p

	p.watchdog = time.AfterFunc(timeout, func() {
		if r.settle(id, protocol.ErrorFor(id, task.Errorf(task.ErrTaskTimeout, "no response within %s", timeout), protocol.Meta{})) {
			r.logger.Warn("Task timed out", "task_id", id, "watchdog", timeout)
		}
	})
	return p, nil
}

// settle removes the entry and delivers env to its waiter. Only the first call for
// an id succeeds.
func (r *Router) settle(id string, env protocol.Envelope) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.watchdog.Stop()
	p.done <- env
	return true
}

// abandon removes an entry whose caller stopped waiting.
func (r *Router) abandon(id string) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if ok {
		p.watchdog.Stop()
	}
	return ok
}

// ensureWorker returns the live connection, starting the worker if needed.
// Concurrent callers share one start.
func (r *Router) ensureWorker(ctx context.Context) (transport.ClientConn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if conn := r.conn; conn != nil {
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	ch := r.starts.DoChan("worker", func() (any, error) {
		r.mu.Lock()
		if conn := r.conn; conn != nil {
			r.mu.Unlock()
			return conn, nil
		}
		r.mu.Unlock()

		// Shared by every waiter, so not bound to this caller's ctx.
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.startupTimeout)
		defer cancel()

		r.logger.Debug("Starting worker")
		conn, err := r.starter.Start(startCtx)
		if err != nil {
			r.logger.Warn("Worker start failed", "error", err)
			return nil, task.NewError(task.ErrStartupFailed, err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		r.conn = conn
		r.mu.Unlock()

		go r.receive(conn)
		r.logger.Debug("Worker started")
		return conn, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(transport.ClientConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// receive correlates responses from conn until it closes.
func (r *Router) receive(conn transport.ClientConn) {
	for {
		env, err := conn.Receive(context.Background())
		if err != nil {
			r.markDead(conn, err)
			return
		}
		r.dispatch(env)
	}
}

func (r *Router) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTaskProgress:
		r.mu.Lock()
		p, ok := r.pending[env.TaskID]
		r.mu.Unlock()
		if ok && p.onProgress != nil && env.Progress != nil {
			p.onProgress(*env.Progress)
		}
	case protocol.TypeTaskResult, protocol.TypeAdminResult:
		if !r.settle(env.TaskID, env) {
			r.logger.Debug("Dropping response for unknown or settled task", "task_id", env.TaskID, "type", env.Type)
		}
	case protocol.TypeTask, protocol.TypeAdmin:
		r.logger.Debug("Ignoring request-type message from worker", "task_id", env.TaskID, "type", env.Type)
	}
}

// markDead forgets conn so the next submission restarts the worker, and fails the
// submissions that were waiting on it.
func (r *Router) markDead(conn transport.ClientConn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	var orphaned []string
	for id, p := range r.pending {
		if p.conn == conn {
			orphaned = append(orphaned, id)
		}
	}
	r.mu.Unlock()

	conn.Close()
	r.logger.Info("Worker connection lost", "error", cause, "orphaned", len(orphaned))

	for _, id := range orphaned {
		r.settle(id, protocol.ErrorFor(id, task.Errorf(task.ErrStartupFailed, "worker connection lost: %v", cause), protocol.Meta{}))
	}
}

// Pending returns the number of unsettled submissions.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close tears down the worker connection and fails every pending submission.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.settle(id, protocol.ErrorFor(id, task.NewError(task.ErrStartupFailed, ErrClosed), protocol.Meta{}))
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
