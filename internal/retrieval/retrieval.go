// Package retrieval implements the multi-strategy retrieval pipeline (C6):
// keyword, semantic, and hybrid candidate scoring with a deterministic
// rank-and-boost stage.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/clockid"
	"github.com/stackmemoryai/stackmemory-sub002/internal/embedding"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
)

// Strategy is a retrieval strategy name.
type Strategy string

const (
	StrategyKeyword  Strategy = "keyword"
	StrategySemantic Strategy = "semantic"
	StrategyHybrid   Strategy = "hybrid"
	StrategyFallback Strategy = "fallback"
)

// Weights holds the tunable scoring parameters (config-overridable per
// DESIGN.md's Open Question resolution).
type Weights struct {
	FieldName   float64
	FieldDigest float64
	FieldType   float64
	FieldBlob   float64
	ExactPhrase float64

	SemanticMinSimilarity float64

	HybridTextWeight float64
	HybridVecWeight  float64

	RecencyBoostCap      float64
	RecencyHalfLifeHours float64
	ClosedBoost          float64
	NameMatchBoost       float64
}

// DefaultWeights mirrors the spec's stated defaults.
func DefaultWeights() Weights {
	return Weights{
		FieldName:             3.0,
		FieldDigest:           2.0,
		FieldType:             1.5,
		FieldBlob:             1.0,
		ExactPhrase:           0.5,
		SemanticMinSimilarity: 0.2,
		HybridTextWeight:      0.5,
		HybridVecWeight:       0.5,
		RecencyBoostCap:       0.2,
		RecencyHalfLifeHours:  24,
		ClosedBoost:           0.1,
		NameMatchBoost:        0.3,
	}
}

// Query is a retrieval request.
type Query struct {
	Text         string
	Strategy     Strategy // empty = auto-select
	TimeRange    *TimeRange
	FrameTypes   []framestore.FrameType
	MinScore     float64
	MaxResults   int
	SchemaVer    int
}

// TimeRange bounds candidate frame creation time.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Hit is one scored retrieval result.
type Hit struct {
	Frame         *framestore.Frame
	Score         float64
	MatchedFields []string
	Reason        string
}

// Result is the pipeline's response envelope.
type Result struct {
	Hits             []Hit
	Strategy         Strategy
	DegradedSemantic bool
	RetrievalTimeMS  int64
}

// Cache is the minimal interface retrieval needs from C10; bundlecache.Cache
// implements it. Kept local to avoid retrieval depending on bundlecache's
// concrete eviction policy.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
}

// Pipeline ties together the frame store, anchor index, embedding oracle,
// and an optional result cache.
type Pipeline struct {
	frames  *framestore.Store
	anchors *anchorindex.Index
	oracle  embedding.Oracle
	cache   Cache
	weights Weights

	mu        sync.Mutex
	watermark uint64 // bumped on every frame create/close
}

// New creates a retrieval pipeline.
func New(frames *framestore.Store, anchors *anchorindex.Index, oracle embedding.Oracle, cache Cache, weights Weights) *Pipeline {
	return &Pipeline{frames: frames, anchors: anchors, oracle: oracle, cache: cache, weights: weights}
}

// BumpWatermark is called by the writer path whenever a frame is created or
// closed, invalidating any cache entry issued before this point.
func (p *Pipeline) BumpWatermark() {
	p.mu.Lock()
	p.watermark++
	p.mu.Unlock()
}

func (p *Pipeline) currentWatermark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

type cacheEntry struct {
	result    Result
	watermark uint64
}

// Fingerprint computes the cache key for a query per spec.md §4.5.
func Fingerprint(q Query) string {
	var tr string
	if q.TimeRange != nil {
		tr = q.TimeRange.From.String() + "|" + q.TimeRange.To.String()
	}
	var types []string
	for _, t := range q.FrameTypes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	parts := []string{
		q.Text, string(q.Strategy), tr, strings.Join(types, ","),
		strconv.FormatFloat(q.MinScore, 'f', -1, 64),
		strconv.Itoa(q.MaxResults),
		strconv.Itoa(q.SchemaVer),
	}
	return clockid.ContentHash(parts...)
}

func tokenizeQuery(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}

func selectStrategy(q Query) Strategy {
	if q.Strategy != "" {
		return q.Strategy
	}
	tokens := tokenizeQuery(q.Text)
	if len(tokens) <= 2 {
		return StrategyKeyword
	}
	if len(q.Text) > 60 {
		return StrategySemantic
	}
	return StrategyHybrid
}

// Retrieve runs the pipeline for a run's frames against q. Empty query text
// with no structured filters returns an empty, error-free result.
func (p *Pipeline) Retrieve(ctx context.Context, runID string, q Query) Result {
	start := time.Now()

	if q.MaxResults == 0 {
		return Result{Strategy: selectStrategy(q)}
	}

	fp := Fingerprint(q)
	if p.cache != nil {
		if cached, ok := p.cache.Get(fp); ok {
			if entry, ok := cached.(cacheEntry); ok && entry.watermark >= p.currentWatermark() {
				logging.Get(logging.CategoryRetrieval).Debug("cache hit for fingerprint %s", fp)
				return entry.result
			}
		}
	}

	strategy := selectStrategy(q)
	candidates := p.candidates(runID, q)

	select {
	case <-ctx.Done():
		return Result{Strategy: StrategyFallback, RetrievalTimeMS: time.Since(start).Milliseconds()}
	default:
	}

	var hits []Hit
	degraded := false

	switch strategy {
	case StrategyKeyword:
		hits = p.scoreKeyword(candidates, q)
	case StrategySemantic:
		sHits, err := p.scoreSemantic(ctx, candidates, q)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("semantic strategy degraded: %v", err)
			hits = p.scoreKeyword(candidates, q)
			degraded = true
			strategy = StrategyKeyword
		} else {
			hits = sHits
		}
	case StrategyHybrid:
		hits, degraded = p.scoreHybrid(ctx, candidates, q)
	}

	hits = p.applyBoosts(hits, q)
	hits = filterByMinScore(hits, q.MinScore)
	sortHits(hits)

	if q.MaxResults > 0 && len(hits) > q.MaxResults {
		hits = hits[:q.MaxResults]
	}

	result := Result{
		Hits:             hits,
		Strategy:         strategy,
		DegradedSemantic: degraded,
		RetrievalTimeMS:  time.Since(start).Milliseconds(),
	}

	if p.cache != nil {
		p.cache.Set(fp, cacheEntry{result: result, watermark: p.currentWatermark()}, 60*time.Second)
	}
	return result
}

func (p *Pipeline) candidates(runID string, q Query) []*framestore.Frame {
	all := p.frames.AllFrames(runID)
	if len(q.FrameTypes) == 0 && q.TimeRange == nil {
		return all
	}
	typeSet := make(map[framestore.FrameType]bool, len(q.FrameTypes))
	for _, t := range q.FrameTypes {
		typeSet[t] = true
	}

	var out []*framestore.Frame
	for _, f := range all {
		if len(typeSet) > 0 && !typeSet[f.Type] {
			continue
		}
		if q.TimeRange != nil && (f.CreatedAt.Before(q.TimeRange.From) || f.CreatedAt.After(q.TimeRange.To)) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func structuredBlobText(m map[string]interface{}) string {
	var sb strings.Builder
	for k, v := range m {
		sb.WriteString(k)
		sb.WriteString(" ")
		sb.WriteString(toText(v))
		sb.WriteString(" ")
	}
	return sb.String()
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

func (p *Pipeline) scoreKeyword(frames []*framestore.Frame, q Query) []Hit {
	tokens := tokenizeQuery(q.Text)
	w := p.weights

	var hits []Hit
	for _, f := range frames {
		var score float64
		var matched []string

		name := strings.ToLower(f.Name)
		digestText := ""
		if f.Digest != nil {
			digestText = strings.ToLower(f.Digest.Result)
		}
		typeText := strings.ToLower(string(f.Type))
		blobText := strings.ToLower(structuredBlobText(f.Inputs) + " " + structuredBlobText(f.Outputs))

		for _, tok := range tokens {
			if strings.Contains(name, tok) {
				score += w.FieldName
				matched = appendUnique(matched, "name")
			}
			if strings.Contains(digestText, tok) {
				score += w.FieldDigest
				matched = appendUnique(matched, "digest_text")
			}
			if strings.Contains(typeText, tok) {
				score += w.FieldType
				matched = appendUnique(matched, "type")
			}
			if strings.Contains(blobText, tok) {
				score += w.FieldBlob
				matched = appendUnique(matched, "blob")
			}
		}

		if q.Text != "" && strings.Contains(name, strings.ToLower(q.Text)) {
			score += w.ExactPhrase
		}

		if score > 0 {
			hits = append(hits, Hit{Frame: f, Score: score, MatchedFields: matched, Reason: "keyword"})
		}
	}
	return hits
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}

func (p *Pipeline) scoreSemantic(ctx context.Context, frames []*framestore.Frame, q Query) ([]Hit, error) {
	queryVec, err := p.oracle.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, f := range frames {
		if f.Digest == nil || len(f.Digest.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, f.Digest.Embedding)
		if err != nil {
			continue
		}
		if sim < p.weights.SemanticMinSimilarity {
			continue
		}
		hits = append(hits, Hit{Frame: f, Score: sim, MatchedFields: []string{"digest_embedding"}, Reason: "semantic"})
	}
	return hits, nil
}

func minMaxNormalize(hits []Hit) []Hit {
	if len(hits) <= 1 {
		return hits
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	if max == min {
		return hits
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		h.Score = (h.Score - min) / (max - min)
		out[i] = h
	}
	return out
}

func (p *Pipeline) scoreHybrid(ctx context.Context, frames []*framestore.Frame, q Query) ([]Hit, bool) {
	textHits := minMaxNormalize(p.scoreKeyword(frames, q))
	textScore := make(map[string]float64, len(textHits))
	for _, h := range textHits {
		textScore[h.Frame.ID] = h.Score
	}

	vecHits, err := p.scoreSemantic(ctx, frames, q)
	degraded := false
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("hybrid semantic component degraded: %v", err)
		degraded = true
		vecHits = nil
	}
	vecHits = minMaxNormalize(vecHits)
	vecScore := make(map[string]float64, len(vecHits))
	for _, h := range vecHits {
		vecScore[h.Frame.ID] = h.Score
	}

	seen := make(map[string]*framestore.Frame)
	for _, h := range textHits {
		seen[h.Frame.ID] = h.Frame
	}
	for _, h := range vecHits {
		seen[h.Frame.ID] = h.Frame
	}

	w := p.weights
	var hits []Hit
	for id, f := range seen {
		ts, hasText := textScore[id]
		vs, hasVec := vecScore[id]
		score := w.HybridTextWeight*ts + w.HybridVecWeight*vs
		var matched []string
		if hasText {
			matched = append(matched, "text")
		}
		if hasVec {
			matched = append(matched, "vector")
		}
		hits = append(hits, Hit{Frame: f, Score: score, MatchedFields: matched, Reason: "hybrid"})
	}
	return hits, degraded
}

func (p *Pipeline) applyBoosts(hits []Hit, q Query) []Hit {
	w := p.weights
	now := time.Now()

	out := make([]Hit, len(hits))
	for i, h := range hits {
		mult := 1.0

		ageHours := now.Sub(h.Frame.CreatedAt).Hours()
		recency := 1 + w.RecencyBoostCap*math.Exp(-ageHours/w.RecencyHalfLifeHours)
		if recency > 1+w.RecencyBoostCap {
			recency = 1 + w.RecencyBoostCap
		}
		mult *= recency

		if h.Frame.State == framestore.StateClosed && h.Frame.Digest != nil {
			mult *= 1 + w.ClosedBoost
		}

		if q.Text != "" && strings.Contains(strings.ToLower(h.Frame.Name), strings.ToLower(q.Text)) {
			mult *= 1 + w.NameMatchBoost
		}

		if mult > 2.0 {
			mult = 2.0 // ceiling guard; individual boosts are already capped
		}

		h.Score *= mult
		out[i] = h
	}
	return out
}

func filterByMinScore(hits []Hit, minScore float64) []Hit {
	if minScore <= 0 {
		return hits
	}
	var out []Hit
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	return out
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Frame.CreatedAt.Equal(hits[j].Frame.CreatedAt) {
			return hits[i].Frame.CreatedAt.After(hits[j].Frame.CreatedAt)
		}
		return hits[i].Frame.ID < hits[j].Frame.ID
	})
}
