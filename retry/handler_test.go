package retry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/lexitask/retry"
	"github.com/c360studio/lexitask/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() retry.Config {
	return retry.Config{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableKinds:    task.DefaultRetryable(),
		Timeout:           time.Second,
	}
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	rec := &recordingSleep{}
	h := retry.NewHandler(testConfig(), retry.WithSleep(rec.sleep))

	res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
		return "hola", nil
	})

	assert.True(t, res.Success)
	assert.NoError(t, res.Err)
	assert.Equal(t, "hola", res.Value)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 1, res.Attempts[0].Number)
	assert.Empty(t, rec.recorded())
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	rec := &recordingSleep{}
	h := retry.NewHandler(testConfig(), retry.WithSleep(rec.sleep))

	var calls atomic.Int32
	res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, task.Errorf(task.ErrNetwork, "connection reset")
		}
		return 42, nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, task.ErrNetwork, res.Attempts[0].ErrorKind)
	assert.Equal(t, task.ErrNetwork, res.Attempts[1].ErrorKind)
	assert.NoError(t, res.Attempts[2].Err)
	assert.Len(t, rec.recorded(), 2)
}

func TestExecute_NonRetryableStopsAfterOneAttempt(t *testing.T) {
	for _, kind := range []task.ErrorKind{task.ErrCapabilityUnavailable, task.ErrUnsupportedInputPair} {
		t.Run(string(kind), func(t *testing.T) {
			rec := &recordingSleep{}
			h := retry.NewHandler(testConfig(), retry.WithSleep(rec.sleep))

			var calls atomic.Int32
			res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", task.Errorf(kind, "nope")
			})

			assert.False(t, res.Success)
			assert.Equal(t, int32(1), calls.Load())
			require.Len(t, res.Attempts, 1)
			assert.Equal(t, kind, task.KindOf(res.Err))
			assert.Empty(t, rec.recorded(), "no backoff after a non-retryable error")
		})
	}
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	rec := &recordingSleep{}
	h := retry.NewHandler(testConfig(), retry.WithSleep(rec.sleep))

	var calls atomic.Int32
	res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", task.Errorf(task.ErrRateLimited, "slow down")
	})

	assert.False(t, res.Success)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, res.Attempts, 3)
	assert.True(t, task.Is(res.Err, task.ErrRateLimited))
	assert.Len(t, rec.recorded(), 2, "no sleep after the final attempt")
	assert.Zero(t, res.Attempts[2].Delay)
}

func TestExecute_AttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.Timeout = 20 * time.Millisecond
	rec := &recordingSleep{}
	h := retry.NewHandler(cfg, retry.WithSleep(rec.sleep))

	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
		calls.Add(1)
		// Ignores ctx on purpose: the handler must not wait for it.
		<-release
		return "late", nil
	})

	assert.False(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, res.Attempts, 2)
	for _, a := range res.Attempts {
		assert.Equal(t, task.ErrTimeout, a.ErrorKind)
	}
	assert.Empty(t, res.Value)
}

func TestExecute_OpHonoringDeadlineIsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.Timeout = 10 * time.Millisecond
	h := retry.NewHandler(cfg)

	res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", errors.New("request canceled")
	})

	assert.False(t, res.Success)
	assert.Equal(t, task.ErrTimeout, task.KindOf(res.Err))
}

func TestExecute_PanicBecomesError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	h := retry.NewHandler(cfg)

	res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
		panic("boom")
	})

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "boom")
	assert.Len(t, res.Attempts, 1)
}

func TestExecute_CallerCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := retry.NewHandler(testConfig(), retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	var calls atomic.Int32
	res := retry.Execute(ctx, h, "test", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", task.Errorf(task.ErrNetwork, "down")
	})

	assert.False(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestExecute_DelaysFollowBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 4
	rec := &recordingSleep{}
	h := retry.NewHandler(cfg,
		retry.WithSleep(rec.sleep),
		retry.WithRandom(func() float64 { return 0.5 }), // zero jitter
	)

	retry.Execute(context.Background(), h, "test", func(ctx context.Context) (string, error) {
		return "", task.Errorf(task.ErrEmptyResult, "blank")
	})

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, rec.recorded())
}

func TestExecute_MaxAttemptsBound(t *testing.T) {
	for attempts := 1; attempts <= 5; attempts++ {
		cfg := testConfig()
		cfg.MaxAttempts = attempts
		rec := &recordingSleep{}
		h := retry.NewHandler(cfg, retry.WithSleep(rec.sleep))

		res := retry.Execute(context.Background(), h, "test", func(ctx context.Context) (int, error) {
			return 0, task.Errorf(task.ErrNetwork, "down")
		})

		assert.GreaterOrEqual(t, len(res.Attempts), 1)
		assert.LessOrEqual(t, len(res.Attempts), attempts)
		assert.Equal(t, res.Success, res.Err == nil)
	}
}
