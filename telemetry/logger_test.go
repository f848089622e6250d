package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RecordFillsIdentity(t *testing.T) {
	l := telemetry.New(10)

	e := l.Record(telemetry.Entry{Kind: task.KindTranslate, Success: true, Attempts: 1})
	assert.NotEmpty(t, e.OperationID)
	assert.False(t, e.Timestamp.IsZero())

	entries := l.Export()
	require.Len(t, entries, 1)
	assert.Equal(t, e.OperationID, entries[0].OperationID)
}

func TestLogger_RingBufferDropsOldest(t *testing.T) {
	l := telemetry.New(3)

	for i := range 5 {
		l.Record(telemetry.Entry{OperationID: fmt.Sprintf("op-%d", i), Kind: task.KindTranslate})
	}

	entries := l.Export()
	require.Len(t, entries, 3)
	assert.Equal(t, "op-2", entries[0].OperationID)
	assert.Equal(t, "op-3", entries[1].OperationID)
	assert.Equal(t, "op-4", entries[2].OperationID)
}

func TestLogger_NeverExceedsCapacity(t *testing.T) {
	l := telemetry.New(telemetry.DefaultCapacity)

	var wg sync.WaitGroup
	for i := range 500 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(telemetry.Entry{Kind: task.KindRewrite, Attempts: i % 3})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, telemetry.DefaultCapacity, l.Len())
	assert.Len(t, l.Export(), telemetry.DefaultCapacity)
}

func TestLogger_Stats(t *testing.T) {
	l := telemetry.New(10)

	l.Record(telemetry.Entry{Kind: task.KindTranslate, Success: true, Attempts: 1, DurationMs: 100})
	l.Record(telemetry.Entry{Kind: task.KindTranslate, Success: true, Attempts: 0, DurationMs: 0, CacheHit: true})
	l.Record(telemetry.Entry{Kind: task.KindSummarize, Success: false, Attempts: 6, DurationMs: 500, ErrorKind: task.ErrNetwork})
	l.Record(telemetry.Entry{Kind: task.KindSummarize, Success: false, Attempts: 1, DurationMs: 200, ErrorKind: task.ErrTaskTimeout})

	stats := l.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 0.25, stats.CacheHitRate, 0.0001)
	assert.InDelta(t, 200.0, stats.AvgDurationMs, 0.0001)
	assert.InDelta(t, 2.0, stats.AvgAttempts, 0.0001)
	assert.Equal(t, map[task.ErrorKind]int{task.ErrNetwork: 1, task.ErrTaskTimeout: 1}, stats.ErrorKindHistogram)
}

func TestLogger_StatsEmpty(t *testing.T) {
	stats := telemetry.New(5).Stats()
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.CacheHitRate)
	assert.NotNil(t, stats.ErrorKindHistogram)
}

func TestLogger_Clear(t *testing.T) {
	l := telemetry.New(5)
	l.Record(telemetry.Entry{Kind: task.KindTranslate})
	l.Record(telemetry.Entry{Kind: task.KindTranslate})

	assert.Equal(t, 2, l.Clear())
	assert.Empty(t, l.Export())

	l.Record(telemetry.Entry{OperationID: "after", Kind: task.KindTranslate})
	entries := l.Export()
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].OperationID)
}

func TestLogger_Verbose(t *testing.T) {
	l := telemetry.New(5, telemetry.WithVerbose(true))
	assert.True(t, l.Verbose())
	l.SetVerbose(false)
	assert.False(t, l.Verbose())
}

type memorySink struct {
	mu      sync.Mutex
	entries []telemetry.Entry
	err     error
}

func (s *memorySink) Put(_ context.Context, e telemetry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestLogger_MirrorsToSink(t *testing.T) {
	sink := &memorySink{}
	l := telemetry.New(5, telemetry.WithSink(sink))

	l.Record(telemetry.Entry{OperationID: "op-1", Kind: task.KindTranslate})
	l.Flush()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "op-1", sink.entries[0].OperationID)
}

func TestLogger_SinkFailureDoesNotAffectRecord(t *testing.T) {
	sink := &memorySink{err: errors.New("bucket gone")}
	l := telemetry.New(5, telemetry.WithSink(sink))

	l.Record(telemetry.Entry{Kind: task.KindTranslate})
	l.Flush()
	assert.Equal(t, 1, l.Len())
}

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)

	l := telemetry.New(10, telemetry.WithMetrics(m))
	l.Record(telemetry.Entry{Kind: task.KindTranslate, Success: true, Attempts: 1, DurationMs: 40})
	l.Record(telemetry.Entry{Kind: task.KindTranslate, Success: true, CacheHit: true})
	l.Record(telemetry.Entry{Kind: task.KindTranslate, Success: false, Attempts: 6, ErrorKind: task.ErrRateLimited})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Tasks.WithLabelValues("translate", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues("translate", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("translate", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("translate")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Tasks))

	// Registering twice against the same registry fails.
	_, err = telemetry.NewMetrics(reg)
	assert.Error(t, err)
}
