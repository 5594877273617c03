package bundlecache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetThenGetRoundTrips(t *testing.T) {
	c := New(1024, time.Minute)
	c.Set("k1", "v1", 0)

	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c := New(1024, time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(1024, time.Minute)
	c.Set("k1", "v1", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestEvictionRespectsSizeBudget(t *testing.T) {
	c := New(10, time.Minute)
	c.SetSized("a", "a", 4, 0)
	c.SetSized("b", "b", 4, 0)
	c.SetSized("c", "c", 4, 0) // pushes total past budget, evicts oldest

	count := 0
	for _, k := range []string{"a", "b", "c"} {
		if _, ok := c.Get(k); ok {
			count++
		}
	}
	assert.LessOrEqual(t, count, 2)

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Evictions, int64(1))
}

func TestStatsTracksHitRate(t *testing.T) {
	c := New(1024, time.Minute)
	c.Set("k1", "v1", 0)

	_, _ = c.Get("k1")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestWarmupFillsAllKeysInParallel(t *testing.T) {
	c := New(1024, time.Minute)
	items := []WarmupItem{
		{Key: "a", Compute: func() (interface{}, error) { return "va", nil }},
		{Key: "b", Compute: func() (interface{}, error) { return "vb", nil }},
		{Key: "c", Compute: func() (interface{}, error) { return "vc", nil }},
	}
	c.Warmup(items)

	for _, k := range []string{"a", "b", "c"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "key %s should be warmed", k)
	}
}

func TestGetOrComputeRunsAtMostOnceConcurrently(t *testing.T) {
	c := New(1024, time.Minute)
	var calls int64

	compute := func() (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "computed", nil
	}

	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			v, err := c.GetOrCompute("shared", time.Minute, compute)
			require.NoError(t, err)
			assert.Equal(t, "computed", v)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
