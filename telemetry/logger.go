// Package telemetry records one entry per task lifecycle in a bounded FIFO buffer,
// derives summary stats from it, and mirrors entries to metrics and an optional
// JetStream KV bucket.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/lexitask/task"
)

// DefaultCapacity is the number of entries kept before the oldest is dropped.
const DefaultCapacity = 200

// sinkTimeout bounds a single asynchronous sink write.
const sinkTimeout = 5 * time.Second

// Entry is the record of one task lifecycle.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	OperationID   string         `json:"operationId"`
	Kind          task.Kind      `json:"kind"`
	InputSummary  string         `json:"inputSummary"`
	Attempts      int            `json:"attempts"`
	Success       bool           `json:"success"`
	ResultSummary string         `json:"resultSummary,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     task.ErrorKind `json:"errorKind,omitempty"`
	DurationMs    int64          `json:"durationMs"`
	CacheHit      bool           `json:"cacheHit"`
	Provider      string         `json:"provider,omitempty"`
}

// Sink receives a copy of every recorded entry.
type Sink interface {
	Put(ctx context.Context, e Entry) error
}

// Logger is a mutex-guarded ring buffer of entries.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
	head    int // index of the oldest entry
	size    int
	verbose bool
	logger  *slog.Logger
	metrics *Metrics
	sink    Sink
	sinkWG  sync.WaitGroup
	now     func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the structured logger entries are echoed to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		l.logger = logger
	}
}

// WithMetrics mirrors entries into prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

// WithSink mirrors entries into external storage.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		l.sink = s
	}
}

// WithVerbose sets the initial verbosity.
func WithVerbose(verbose bool) Option {
	return func(l *Logger) {
		l.verbose = verbose
	}
}

// New creates a logger holding up to capacity entries.
func New(capacity int, opts ...Option) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Logger{
		entries: make([]Entry, capacity),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an entry, dropping the oldest when full. Missing ids and
// timestamps are filled in.
func (l *Logger) Record(e Entry) Entry {
	if e.OperationID == "" {
		e.OperationID = uuid.New().String()
	}

	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	tail := (l.head + l.size) % len(l.entries)
	l.entries[tail] = e
	if l.size < len(l.entries) {
		l.size++
	} else {
		l.head = (l.head + 1) % len(l.entries)
	}
	verbose := l.verbose
	l.mu.Unlock()

	level := slog.LevelDebug
	if verbose {
		level = slog.LevelInfo
	}
	l.logger.Log(context.Background(), level, "Task recorded",
		"operation_id", e.OperationID,
		"kind", e.Kind,
		"success", e.Success,
		"attempts", e.Attempts,
		"cache_hit", e.CacheHit,
		"provider", e.Provider,
		"duration_ms", e.DurationMs,
		"error_kind", e.ErrorKind,
		"input", e.InputSummary)

	if l.metrics != nil {
		l.metrics.Observe(e)
	}
	if l.sink != nil {
		l.sinkWG.Add(1)
		go l.mirror(e)
	}
	return e
}

// mirror writes to the sink. Failures are logged and never affect the task.
func (l *Logger) mirror(e Entry) {
	defer l.sinkWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := l.sink.Put(ctx, e); err != nil {
		l.logger.Warn("Failed to mirror telemetry entry",
			"operation_id", e.OperationID,
			"error", err)
	}
}

// Flush waits for pending sink writes.
func (l *Logger) Flush() {
	l.sinkWG.Wait()
}

// Export returns a copy of the buffered entries, oldest first.
func (l *Logger) Export() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, l.size)
	for i := range l.size {
		out = append(out, l.entries[(l.head+i)%len(l.entries)])
	}
	return out
}

// Len returns the number of buffered entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Clear drops every entry and returns how many were dropped.
func (l *Logger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.size
	clear(l.entries)
	l.head = 0
	l.size = 0
	return n
}

// SetVerbose toggles echoing entries at Info level.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	l.verbose = verbose
	l.mu.Unlock()
}

// Verbose reports the current verbosity.
func (l *Logger) Verbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// Stats summarizes the buffered entries.
type Stats struct {
	Total              int                    `json:"total"`
	Successful         int                    `json:"successful"`
	Failed             int                    `json:"failed"`
	CacheHitRate       float64                `json:"cacheHitRate"`
	AvgDurationMs      float64                `json:"avgDurationMs"`
	AvgAttempts        float64                `json:"avgAttempts"`
	ErrorKindHistogram map[task.ErrorKind]int `json:"errorKindHistogram"`
}

// Stats computes summary statistics over the buffered entries.
func (l *Logger) Stats() Stats {
	entries := l.Export()

	stats := Stats{
		Total:              len(entries),
		ErrorKindHistogram: make(map[task.ErrorKind]int),
	}
	if len(entries) == 0 {
		return stats
	}

	var hits, attempts int
	var duration int64
	for _, e := range entries {
		if e.Success {
			stats.Successful++
		} else {
			stats.Failed++
			if e.ErrorKind != "" {
				stats.ErrorKindHistogram[e.ErrorKind]++
			}
		}
		if e.CacheHit {
			hits++
		}
		attempts += e.Attempts
		duration += e.DurationMs
	}

	n := float64(len(entries))
	stats.CacheHitRate = float64(hits) / n
	stats.AvgDurationMs = float64(duration) / n
	stats.AvgAttempts = float64(attempts) / n
	return stats
}
