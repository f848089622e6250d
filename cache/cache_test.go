package cache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(text string) task.Result {
	return task.Result{Text: text, Provider: "builtin"}
}

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := cache.New(0)
	assert.Error(t, err)

	c, err := cache.New(cache.DefaultCapacity)
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultCapacity, c.Stats().Capacity)
}

func TestResultCache_GetPut(t *testing.T) {
	c, err := cache.New(10)
	require.NoError(t, err)

	key := task.CacheKey(task.KindTranslate, task.Payload{Text: "casa", SourceLang: "es", TargetLang: "en"})
	_, ok := c.Get(task.KindTranslate, key)
	assert.False(t, ok)

	c.Put(task.KindTranslate, key, result("house"))

	got, ok := c.Get(task.KindTranslate, key)
	require.True(t, ok)
	assert.Equal(t, "house", got.Text)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.0001)
}

func TestResultCache_ScopedPerKind(t *testing.T) {
	c, err := cache.New(10)
	require.NoError(t, err)

	c.Put(task.KindTranslate, "same-key", result("house"))

	_, ok := c.Get(task.KindSummarize, "same-key")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(task.KindTranslate))
	assert.Equal(t, 0, c.Len(task.KindSummarize))
}

func TestResultCache_SkipsEmptyResults(t *testing.T) {
	c, err := cache.New(10)
	require.NoError(t, err)

	c.Put(task.KindTranslate, "k", task.Result{})
	assert.Equal(t, 0, c.Len(task.KindTranslate))
}

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := cache.New(2)
	require.NoError(t, err)

	c.Put(task.KindTranslate, "a", result("A"))
	c.Put(task.KindTranslate, "b", result("B"))

	// Touch "a" so "b" becomes the least recently used, not the oldest inserted.
	_, ok := c.Get(task.KindTranslate, "a")
	require.True(t, ok)

	c.Put(task.KindTranslate, "c", result("C"))

	_, okA := c.Get(task.KindTranslate, "a")
	_, okB := c.Get(task.KindTranslate, "b")
	_, okC := c.Get(task.KindTranslate, "c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, 2, c.Len(task.KindTranslate))
}

func TestResultCache_EvictIfOverCapacity(t *testing.T) {
	c, err := cache.New(5)
	require.NoError(t, err)

	for i := range 5 {
		c.Put(task.KindRewrite, fmt.Sprintf("k%d", i), result("v"))
	}
	assert.Equal(t, 0, c.EvictIfOverCapacity())

	c.SetCapacity(2)
	assert.Equal(t, 3, c.EvictIfOverCapacity())
	assert.Equal(t, 2, c.Len(task.KindRewrite))

	// The two most recent survive.
	_, ok := c.Get(task.KindRewrite, "k4")
	assert.True(t, ok)
	_, ok = c.Get(task.KindRewrite, "k0")
	assert.False(t, ok)
}

func TestResultCache_Purge(t *testing.T) {
	c, err := cache.New(5)
	require.NoError(t, err)

	c.Put(task.KindTranslate, "a", result("A"))
	c.Get(task.KindTranslate, "a")
	c.Purge()

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Sizes[task.KindTranslate])
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c, err := cache.New(50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%10)
			c.Put(task.KindTranslate, key, result(key))
			c.Get(task.KindTranslate, key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, c.Len(task.KindTranslate))
}
