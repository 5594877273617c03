package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/embedding"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
)

type memCache struct {
	data map[string]interface{}
}

func newMemCache() *memCache { return &memCache{data: make(map[string]interface{})} }

func (c *memCache) Get(key string) (interface{}, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *memCache) Set(key string, value interface{}, ttl time.Duration) {
	c.data[key] = value
}

func setupPipeline(t *testing.T) (*Pipeline, *framestore.Store) {
	ev := eventlog.New(4, 1000)
	fs := framestore.New(ev, time.Hour)
	ix := anchorindex.New()
	oracle := embedding.NewLocalEncoder(32)
	p := New(fs, ix, oracle, newMemCache(), DefaultWeights())
	return p, fs
}

func TestEmptyMaxResultsZeroReturnsEmptyNoStorageCalls(t *testing.T) {
	p, fs := setupPipeline(t)
	_, err := fs.Create("run1", "", framestore.TypeTask, "root", nil)
	require.NoError(t, err)

	res := p.Retrieve(context.Background(), "run1", Query{Text: "anything", MaxResults: 0})
	assert.Empty(t, res.Hits)
}

func TestKeywordScoresNameMatchesHighest(t *testing.T) {
	p, fs := setupPipeline(t)
	_, err := fs.Create("run1", "", framestore.TypeTask, "refactored helper", nil)
	require.NoError(t, err)
	_, err = fs.Create("run2", "", framestore.TypeTask, "unrelated work", nil)
	require.NoError(t, err)

	res := p.Retrieve(context.Background(), "run1", Query{Text: "refactored", Strategy: StrategyKeyword, MaxResults: 10})
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "refactored helper", res.Hits[0].Frame.Name)
}

func TestRetrievalDeterministicGivenSameSnapshot(t *testing.T) {
	p, fs := setupPipeline(t)
	_, err := fs.Create("run1", "", framestore.TypeTask, "investigate timeout", nil)
	require.NoError(t, err)

	q := Query{Text: "timeout", Strategy: StrategyKeyword, MaxResults: 10}
	res1 := p.Retrieve(context.Background(), "run1", q)
	res2 := p.Retrieve(context.Background(), "run1", q)

	require.Equal(t, len(res1.Hits), len(res2.Hits))
	for i := range res1.Hits {
		assert.Equal(t, res1.Hits[i].Frame.ID, res2.Hits[i].Frame.ID)
		assert.Equal(t, res1.Hits[i].Score, res2.Hits[i].Score)
	}
}

func TestCacheServesUntilWatermarkBumped(t *testing.T) {
	p, fs := setupPipeline(t)
	root, err := fs.Create("run1", "", framestore.TypeTask, "caching test", nil)
	require.NoError(t, err)

	q := Query{Text: "caching", Strategy: StrategyKeyword, MaxResults: 10}
	res1 := p.Retrieve(context.Background(), "run1", q)
	require.Len(t, res1.Hits, 1)

	// simulate a write the pipeline doesn't know about yet without bumping
	// the watermark: cache should still serve the stale hit set.
	_, err = fs.Create("run1", root.ID, framestore.TypeSubtask, "caching child", nil)
	require.NoError(t, err)
	res2 := p.Retrieve(context.Background(), "run1", q)
	assert.Len(t, res2.Hits, 1, "cache should still serve prior result before watermark bump")

	p.BumpWatermark()
	res3 := p.Retrieve(context.Background(), "run1", q)
	assert.Len(t, res3.Hits, 2, "after watermark bump, fresh computation includes the new frame")
}

func TestSemanticDegradesToKeywordOnOracleFailure(t *testing.T) {
	ev := eventlog.New(4, 1000)
	fs := framestore.New(ev, time.Hour)
	ix := anchorindex.New()

	failing, err := embedding.New("remote", 16, func(ctx context.Context, text string, dim int) ([]float32, error) {
		return nil, assertErr()
	}, 10*time.Millisecond)
	require.NoError(t, err)

	p := New(fs, ix, failing, newMemCache(), DefaultWeights())
	_, err = fs.Create("run1", "", framestore.TypeTask, "database connection timeout", nil)
	require.NoError(t, err)

	res := p.Retrieve(context.Background(), "run1", Query{Text: "database connection timeout issue investigation", Strategy: StrategySemantic, MaxResults: 10})
	assert.True(t, res.DegradedSemantic)
	assert.Equal(t, StrategyKeyword, res.Strategy)
}

func assertErr() error {
	return &testErr{}
}

type testErr struct{}

func (e *testErr) Error() string { return "oracle failure" }

func TestStrategySelectionDefaults(t *testing.T) {
	assert.Equal(t, StrategyKeyword, selectStrategy(Query{Text: "ab"}))
	assert.Equal(t, StrategySemantic, selectStrategy(Query{Text: "this is a much longer conceptual query about databases and timeouts across services"}))
	assert.Equal(t, StrategyHybrid, selectStrategy(Query{Text: "fix login bug"}))
}

func TestFingerprintStableForEquivalentQuery(t *testing.T) {
	q1 := Query{Text: "a", Strategy: StrategyKeyword, MaxResults: 5}
	q2 := Query{Text: "a", Strategy: StrategyKeyword, MaxResults: 5}
	assert.Equal(t, Fingerprint(q1), Fingerprint(q2))
}
