package clockid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDHasPrefixAndIsUnique(t *testing.T) {
	a := NewID("frame")
	b := NewID("frame")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "frame_")
}

func TestContentHashIsDeterministic(t *testing.T) {
	h1 := ContentHash("a", "b", "c")
	h2 := ContentHash("a", "b", "c")
	assert.Equal(t, h1, h2)

	h3 := ContentHash("a", "bc")
	assert.NotEqual(t, h1, h3, "part boundaries must be distinguishable")
}

func TestShardSequencerMonotonic(t *testing.T) {
	seq := NewShardSequencer(16)
	shard := seq.ShardFor("frame_123")
	require.GreaterOrEqual(t, shard, 0)
	require.Less(t, shard, 16)

	first := seq.Next(shard)
	second := seq.Next(shard)
	assert.Equal(t, first+1, second)
}

func TestShardSequencerSameKeySameShard(t *testing.T) {
	seq := NewShardSequencer(16)
	a := seq.ShardFor("frame_abc")
	b := seq.ShardFor("frame_abc")
	assert.Equal(t, a, b)
}

func TestObserveRaisesWatermark(t *testing.T) {
	seq := NewShardSequencer(4)
	seq.Observe(0, 100)
	assert.Equal(t, uint64(100), seq.Current(0))

	seq.Observe(0, 50)
	assert.Equal(t, uint64(100), seq.Current(0), "observe must never lower the watermark")

	next := seq.Next(0)
	assert.Equal(t, uint64(101), next)
}
