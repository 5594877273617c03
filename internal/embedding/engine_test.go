package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEncoderIsDeterministicForSameCorpusState(t *testing.T) {
	e1 := NewLocalEncoder(64)
	e2 := NewLocalEncoder(64)

	v1, err := e1.Embed(context.Background(), "database connection timeout")
	require.NoError(t, err)
	v2, err := e2.Embed(context.Background(), "database connection timeout")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
}

func TestLocalEncoderRespectsDimension(t *testing.T) {
	e := NewLocalEncoder(128)
	v, err := e.Embed(context.Background(), "some text here")
	require.NoError(t, err)
	assert.Len(t, v, 128)
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	e := NewLocalEncoder(32)
	v, err := e.Embed(context.Background(), "refactor helper function")
	require.NoError(t, err)

	sim, err := CosineSimilarity(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 0.0001)
}

func TestCosineSimilarityRejectsMismatchedLengths(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestHybridFallsBackToLocalOnRemoteError(t *testing.T) {
	failing := func(ctx context.Context, text string, dim int) ([]float32, error) {
		return nil, errors.New("remote down")
	}
	local := NewLocalEncoder(32)
	remote := NewRemoteEncoder(32, failing)
	hybrid := NewHybridEncoder(local, remote, 50*time.Millisecond)

	vec, err := hybrid.Embed(context.Background(), "database timeout")
	require.NoError(t, err, "hybrid must fall back to local, never propagate remote failure")
	assert.Len(t, vec, 32)
}

func TestHybridBoundsRemoteCallByTimeout(t *testing.T) {
	slow := func(ctx context.Context, text string, dim int) ([]float32, error) {
		select {
		case <-time.After(2 * time.Second):
			return make([]float32, dim), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	local := NewLocalEncoder(16)
	remote := NewRemoteEncoder(16, slow)
	hybrid := NewHybridEncoder(local, remote, 20*time.Millisecond)

	start := time.Now()
	_, err := hybrid.Embed(context.Background(), "slow provider")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewRejectsUnrecognizedProvider(t *testing.T) {
	_, err := New("bogus", 32, nil, 0)
	assert.Error(t, err)
}

func TestEmbedBatchPreservesOrderAndEmbedsEveryText(t *testing.T) {
	local := NewLocalEncoder(32)
	texts := []string{"fixed oauth bug", "wrote csv exporter", "refactored retrieval scoring"}

	vecs, err := EmbedBatch(context.Background(), local, texts, 2)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		want, err := local.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, vecs[i])
	}
}

func TestEmbedBatchPropagatesOracleError(t *testing.T) {
	failing := func(ctx context.Context, text string, dim int) ([]float32, error) {
		return nil, errors.New("oracle down")
	}
	remote := NewRemoteEncoder(16, failing)

	_, err := EmbedBatch(context.Background(), remote, []string{"a", "b"}, 2)
	assert.Error(t, err)
}

func TestFindTopKOrdersDescending(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{{0, 1}, {1, 0}, {0.7, 0.7}}
	results, err := FindTopK(query, corpus, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Index)
}
