// Package embedding implements the embedding oracle interface (C5): text to
// fixed-width vector, with a deterministic local encoder, a pluggable
// remote delegate, and a hybrid wrapper that falls back to local on remote
// failure.
package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/stackerr"
)

// Oracle is the abstract embedding capability every retrieval strategy and
// digest generator depends on.
type Oracle interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// RemoteCall is the function signature a remote embedding backend must
// implement; kept minimal and decoupled from any particular transport so a
// caller can plug in whatever client library fits their provider.
type RemoteCall func(ctx context.Context, text string, dim int) ([]float32, error)

// LocalEncoder is a deterministic TF-IDF-style encoder. Tokens hash into
// fixed positions in a dim-width vector; position weights are scaled by an
// IDF statistic built incrementally from every text it has seen, so the
// encoder's output for a given text can change slightly as the corpus
// grows but is always reproducible for a given corpus state.
type LocalEncoder struct {
	dim int

	mu         sync.Mutex
	docFreq    map[uint32]int // token hash -> number of docs containing it
	docCount   int
}

// NewLocalEncoder creates a local encoder producing vectors of width dim.
func NewLocalEncoder(dim int) *LocalEncoder {
	if dim <= 0 {
		dim = 1536
	}
	return &LocalEncoder{dim: dim, docFreq: make(map[uint32]int)}
}

func (e *LocalEncoder) Dim() int { return e.dim }

func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}

func hashToken(tok string) uint32 {
	h := sha256.Sum256([]byte(tok))
	return uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
}

// Embed hashes tokens into fixed positions and weights them by term
// frequency times incremental IDF, then L2-normalizes the result.
func (e *LocalEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, stackerr.Wrap(stackerr.Cancelled, ctx.Err(), "local embed cancelled")
	default:
	}

	tokens := tokenize(text)

	tf := make(map[uint32]int)
	seen := make(map[uint32]bool)
	for _, tok := range tokens {
		h := hashToken(tok)
		tf[h]++
		seen[h] = true
	}

	e.mu.Lock()
	e.docCount++
	for h := range seen {
		e.docFreq[h]++
	}
	docCount := e.docCount
	df := make(map[uint32]int, len(seen))
	for h := range seen {
		df[h] = e.docFreq[h]
	}
	e.mu.Unlock()

	vec := make([]float32, e.dim)
	for h, count := range tf {
		idf := math.Log(float64(docCount+1) / float64(df[h]+1)) + 1
		weight := float64(count) * idf
		pos := int(h) % e.dim
		vec[pos] += float32(weight)
	}

	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// RemoteEncoder delegates embedding to an external provider via a
// caller-supplied RemoteCall.
type RemoteEncoder struct {
	dim  int
	call RemoteCall
}

// NewRemoteEncoder wraps a remote embedding call.
func NewRemoteEncoder(dim int, call RemoteCall) *RemoteEncoder {
	return &RemoteEncoder{dim: dim, call: call}
}

func (e *RemoteEncoder) Dim() int { return e.dim }

func (e *RemoteEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.call(ctx, text, e.dim)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.OracleUnavailable, err, "remote embedding call failed")
	}
	return padOrTruncate(vec, e.dim), nil
}

func padOrTruncate(vec []float32, dim int) []float32 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}

// HybridEncoder delegates to remote with a bounded timeout, falling back to
// local on any remote failure or timeout. Remote failure never blocks the
// caller indefinitely.
type HybridEncoder struct {
	local   *LocalEncoder
	remote  *RemoteEncoder
	timeout time.Duration
}

// NewHybridEncoder creates a hybrid oracle. timeout bounds the remote call;
// a zero value defaults to 5s.
func NewHybridEncoder(local *LocalEncoder, remote *RemoteEncoder, timeout time.Duration) *HybridEncoder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HybridEncoder{local: local, remote: remote, timeout: timeout}
}

func (e *HybridEncoder) Dim() int { return e.local.dim }

func (e *HybridEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	boundCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.remote.Embed(boundCtx, text)
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("remote embed failed, falling back to local: %v", err)
		return e.local.Embed(ctx, text)
	}
	return padOrTruncate(vec, e.local.dim), nil
}

// New builds an Oracle for the given provider name ("local", "remote",
// "hybrid"). remote may be nil for "local".
func New(provider string, dim int, remoteCall RemoteCall, remoteTimeout time.Duration) (Oracle, error) {
	local := NewLocalEncoder(dim)

	switch provider {
	case "local":
		return local, nil
	case "remote":
		if remoteCall == nil {
			return nil, stackerr.New(stackerr.InvalidArgument, "remote provider requires a RemoteCall")
		}
		return NewRemoteEncoder(dim, remoteCall), nil
	case "hybrid":
		if remoteCall == nil {
			return nil, stackerr.New(stackerr.InvalidArgument, "hybrid provider requires a RemoteCall")
		}
		remote := NewRemoteEncoder(dim, remoteCall)
		return NewHybridEncoder(local, remote, remoteTimeout), nil
	default:
		return nil, stackerr.New(stackerr.InvalidArgument, "unrecognized embedding provider %q", provider)
	}
}

// EmbedBatch embeds every text concurrently, bounded by parallelism
// (a zero or negative value defaults to 4), preserving input order in the
// result. Used to backfill digest embeddings for frames closed before an
// embedding oracle was wired in, without serializing on one call at a time.
func EmbedBatch(ctx context.Context, oracle Oracle, texts []string, parallelism int) ([][]float32, error) {
	if parallelism <= 0 {
		parallelism = 4
	}
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := oracle.Embed(gctx, text)
			if err != nil {
				return err
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stackerr.Wrap(stackerr.OracleUnavailable, err, "batch embed failed")
	}
	return out, nil
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, stackerr.New(stackerr.InvalidArgument, "vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// FindTopK returns the indices of the k most similar vectors to query,
// ordered by descending similarity.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SimilarityResult is one ranked match from FindTopK.
type SimilarityResult struct {
	Index      int
	Similarity float64
}
