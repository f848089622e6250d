//go:build integration

package natsbus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/lexitask/executor"
	"github.com/c360studio/lexitask/fallback"
	"github.com/c360studio/lexitask/protocol"
	"github.com/c360studio/lexitask/provider"
	"github.com/c360studio/lexitask/provider/testutil"
	"github.com/c360studio/lexitask/retry"
	"github.com/c360studio/lexitask/router"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/transport/natsbus"
)

const (
	testSubject = "lexitask.test.tasks"
	testQueue   = "lexitask-test-workers"
)

// startWorker runs one queue-group worker over adapter until the test ends.
func startWorker(t *testing.T, client *natsclient.Client, adapter provider.Adapter) {
	t.Helper()

	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)
	plan := fallback.Plan{}
	for _, kind := range task.AllKinds() {
		plan[kind] = []string{adapter.Name()}
	}
	chain := fallback.New(registry, plan, fallback.WithRetryConfig(func(task.Kind) retry.Config {
		cfg := retry.DefaultConfig()
		cfg.BaseDelay = time.Millisecond
		cfg.MaxDelay = 5 * time.Millisecond
		return cfg
	}))
	worker, err := executor.New(chain, registry)
	require.NoError(t, err)

	server, err := natsbus.Listen(client.GetConnection(), testSubject, testQueue)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Serve(ctx, server)
	}()

	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
		worker.Close()
	})
}

func newRouter(t *testing.T, client *natsclient.Client, opts ...router.Option) *router.Router {
	t.Helper()
	r := router.New(natsbus.NewStarter(client, testSubject), opts...)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNATS_RoundTrip(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	adapter := testutil.Succeed("builtin", "the house")
	startWorker(t, tc.Client, adapter)

	r := newRouter(t, tc.Client)
	ctx := context.Background()
	p := task.Payload{Text: "la casa", SourceLang: "es", TargetLang: "en"}

	res, err := r.Submit(ctx, task.KindTranslate, p)
	require.NoError(t, err)
	assert.Equal(t, "the house", res.Text)
	assert.Equal(t, "builtin", res.Provider)

	// Same request again is served from the worker's cache
	_, err = r.Submit(ctx, task.KindTranslate, p)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.Calls())

	reply, err := r.Admin(ctx, protocol.AdminRequest{Command: protocol.AdminStats})
	require.NoError(t, err)
	require.NotNil(t, reply.Stats)
	// The startup ping is an admin request and is not recorded
	assert.Equal(t, 2, reply.Stats.Total)
	assert.InDelta(t, 0.5, reply.Stats.CacheHitRate, 0.001)
}

func TestNATS_ErrorKindSurvivesTransport(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	startWorker(t, tc.Client, testutil.Fail("builtin", task.ErrUnsupportedInputPair))

	r := newRouter(t, tc.Client)
	_, err := r.Submit(context.Background(), task.KindSummarize, task.Payload{Text: "texto largo"})
	require.Error(t, err)
	assert.Equal(t, task.ErrUnsupportedInputPair, task.KindOf(err))
}

func TestNATS_QueueGroupSharesLoad(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	first := testutil.Succeed("builtin", "ok")
	second := testutil.Succeed("builtin", "ok")
	startWorker(t, tc.Client, first)
	startWorker(t, tc.Client, second)

	r := newRouter(t, tc.Client)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Submit(context.Background(), task.KindRewrite, task.Payload{Text: fmt.Sprintf("frase %d", i)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, first.Calls()+second.Calls())
	assert.Zero(t, r.Pending())
}

func TestNATS_NoWorkerFailsStartup(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	r := newRouter(t, tc.Client, router.WithStartupTimeout(time.Second))

	start := time.Now()
	_, err := r.Submit(context.Background(), task.KindTranslate, task.Payload{Text: "hola", SourceLang: "es", TargetLang: "en"})
	require.Error(t, err)
	assert.Equal(t, task.ErrStartupFailed, task.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}
