// Package assembler builds the token-budgeted context bundle (C7) from the
// hot stack, retrieved digests, and pointers to data not embedded.
package assembler

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/retrieval"
)

// TokenCounter estimates token counts as ceil(runeCount/4) unless a more
// precise tokenizer is supplied (spec.md §4.6).
type TokenCounter struct{}

// Count estimates the token cost of a string.
func (TokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) / 4.0))
}

// BudgetSlices names the five budget categories and their percentage caps.
type BudgetSlices struct {
	HotStackPercent int
	TeamPercent     int
	DigestsPercent  int
	PersonalPercent int
	ReservePercent  int
}

// DefaultSlices mirrors spec.md §4.6's defaults.
func DefaultSlices() BudgetSlices {
	return BudgetSlices{HotStackPercent: 30, TeamPercent: 20, DigestsPercent: 30, PersonalPercent: 15, ReservePercent: 5}
}

// FrameBlock is one hot-stack entry in the bundle.
type FrameBlock struct {
	FrameID        string
	Name           string
	Type           string
	Anchors        []*anchorindex.Anchor
	RecentEvents   []eventlog.Event
	ActiveArtifacts []string
}

// DigestHit is one relevant-digest entry in the bundle.
type DigestHit struct {
	FrameID string
	Name    string
	Digest  *framestore.Digest
	Score   float64
}

// Pointer references data not embedded in the bundle (artifact blob
// locations).
type Pointer struct {
	URI  string
	Kind string
}

// Usage reports token consumption and source counts.
type Usage struct {
	TokensUsed    int
	TokenBudget   int
	SourcesCount  int
	DegradedIncomplete bool
}

// Bundle is the assembled, token-budgeted context returned to the caller.
type Bundle struct {
	HotStack        []FrameBlock
	RelevantDigests []DigestHit
	Pointers        []Pointer
	Usage           Usage
}

// Delta is caller-submitted new content appended atomically with assembly.
type Delta struct {
	UserMessage      string
	AssistantMessage string
	ToolEvents       []eventlog.Event
}

// Intent is the normalized assembly request (produced by the intent
// parser, or constructed directly by a caller that already knows what it
// wants).
type Intent struct {
	RunID          string
	Query          string
	FrameTypes     []framestore.FrameType
	MaxEventsPerFrame int
}

// Assembler wires the frame store, anchor index, event log, and retrieval
// pipeline together to build bundles.
type Assembler struct {
	frames    *framestore.Store
	anchors   *anchorindex.Index
	events    *eventlog.Store
	retriever *retrieval.Pipeline
	slices    BudgetSlices
	counter   TokenCounter
}

// New creates a context assembler.
func New(frames *framestore.Store, anchors *anchorindex.Index, events *eventlog.Store, retriever *retrieval.Pipeline, slices BudgetSlices) *Assembler {
	return &Assembler{frames: frames, anchors: anchors, events: events, retriever: retriever, slices: slices}
}

// Assemble builds a bundle for intent within tokenBudget. delta, if
// non-nil, is appended to the log before the snapshot is read so assembly
// observes it.
func (a *Assembler) Assemble(ctx context.Context, intent Intent, tokenBudget int, delta *Delta) Bundle {
	if delta != nil {
		a.applyDelta(ctx, intent.RunID, delta)
	}

	maxEvents := intent.MaxEventsPerFrame
	if maxEvents <= 0 {
		maxEvents = 20
	}

	hotStackCap := capTokens(tokenBudget, a.slices.HotStackPercent)
	digestsCap := capTokens(tokenBudget, a.slices.DigestsPercent)

	hotStack, hotStackTokens, degraded := a.buildHotStack(ctx, intent.RunID, maxEvents, hotStackCap)

	var digests []DigestHit
	var digestTokens int
	if intent.Query != "" {
		select {
		case <-ctx.Done():
			degraded = true
		default:
			digests, digestTokens = a.buildDigests(ctx, intent, digestsCap)
		}
	}

	var pointers []Pointer
	sources := len(hotStack) + len(digests)

	usage := Usage{
		TokensUsed:         hotStackTokens + digestTokens,
		TokenBudget:        tokenBudget,
		SourcesCount:       sources,
		DegradedIncomplete: degraded,
	}

	logging.Get(logging.CategoryAssembler).Debug("assembled bundle: %d hot-stack frames, %d digests, %d tokens used of %d budget",
		len(hotStack), len(digests), usage.TokensUsed, tokenBudget)

	return Bundle{HotStack: hotStack, RelevantDigests: digests, Pointers: pointers, Usage: usage}
}

func (a *Assembler) applyDelta(ctx context.Context, runID string, delta *Delta) {
	path, err := a.frames.ActivePath(runID)
	if err != nil || len(path) == 0 {
		return
	}
	leaf := path[len(path)-1]

	if delta.UserMessage != "" {
		_, _ = a.events.Append(ctx, leaf.ID, eventlog.EventUserMessage, map[string]interface{}{"text": delta.UserMessage})
	}
	if delta.AssistantMessage != "" {
		_, _ = a.events.Append(ctx, leaf.ID, eventlog.EventAssistantMessage, map[string]interface{}{"text": delta.AssistantMessage})
	}
	for _, te := range delta.ToolEvents {
		_, _ = a.events.Append(ctx, leaf.ID, te.Type, te.Payload)
	}
	a.frames.TouchEvent(leaf.ID)
}

func capTokens(total, percent int) int {
	return total * percent / 100
}

// buildHotStack returns the active frame path enriched with anchors and
// recent events, in root-to-leaf order. The token slice is filled greedily
// leaf-first (the leaf is where the agent currently is, so it has the
// highest priority) and stops before a block that would overshoot the cap;
// the leaf block itself is always included, even when it alone exceeds the
// cap.
func (a *Assembler) buildHotStack(ctx context.Context, runID string, maxEvents, cap int) ([]FrameBlock, int, bool) {
	stack, err := a.frames.HotStack(runID, maxEvents)
	if err != nil {
		return nil, 0, true
	}

	// Reverse to leaf-first priority order for greedy filling, then restore
	// root-to-leaf order for the output.
	reversed := make([]framestore.HotStackEntry, len(stack))
	for i, e := range stack {
		reversed[len(stack)-1-i] = e
	}

	var blocks []FrameBlock
	total := 0
	degraded := false
	for _, entry := range reversed {
		select {
		case <-ctx.Done():
			degraded = true
		default:
		}
		if degraded {
			break
		}

		block := FrameBlock{
			FrameID:      entry.Frame.ID,
			Name:         entry.Frame.Name,
			Type:         string(entry.Frame.Type),
			Anchors:      a.anchors.List(entry.Frame.ID, []anchorindex.Type{anchorindex.TypeDecision, anchorindex.TypeConstraint}, 0),
			RecentEvents: entry.RecentEvents,
		}
		cost := a.estimateBlockTokens(block)
		if total+cost > cap && len(blocks) > 0 {
			break
		}
		blocks = append(blocks, block)
		total += cost
	}

	// restore root-to-leaf order
	out := make([]FrameBlock, len(blocks))
	for i, b := range blocks {
		out[len(blocks)-1-i] = b
	}
	return out, total, degraded
}

func (a *Assembler) estimateBlockTokens(b FrameBlock) int {
	tokens := a.counter.Count(b.Name) + a.counter.Count(b.Type)
	for _, anc := range b.Anchors {
		tokens += a.counter.Count(anc.Text)
	}
	for _, ev := range b.RecentEvents {
		tokens += estimateEventTokens(a.counter, ev)
	}
	return tokens
}

func estimateEventTokens(counter TokenCounter, ev eventlog.Event) int {
	tokens := 4 // type + timestamp overhead
	for k, v := range ev.Payload {
		tokens += counter.Count(k)
		if s, ok := v.(string); ok {
			tokens += counter.Count(s)
		} else {
			tokens += 2
		}
	}
	return tokens
}

// buildDigests retrieves candidate frames via C6 and greedily fills the
// digests budget slice in descending score order, stopping before
// overshooting cap. Ties broken by recency then id (retrieval already
// guarantees this ordering).
func (a *Assembler) buildDigests(ctx context.Context, intent Intent, cap int) ([]DigestHit, int) {
	result := a.retriever.Retrieve(ctx, intent.RunID, retrieval.Query{
		Text:       intent.Query,
		FrameTypes: intent.FrameTypes,
		MaxResults: 1000,
	})

	var hits []DigestHit
	total := 0
	for _, h := range result.Hits {
		if h.Frame.Digest == nil {
			continue
		}
		dh := DigestHit{FrameID: h.Frame.ID, Name: h.Frame.Name, Digest: h.Frame.Digest, Score: h.Score}
		cost := a.estimateDigestTokens(dh)
		if total+cost > cap {
			break
		}
		hits = append(hits, dh)
		total += cost
	}
	return hits, total
}

func (a *Assembler) estimateDigestTokens(d DigestHit) int {
	tokens := a.counter.Count(d.Name) + a.counter.Count(d.Digest.Result)
	for _, s := range d.Digest.Decisions {
		tokens += a.counter.Count(s)
	}
	for _, s := range d.Digest.Constraints {
		tokens += a.counter.Count(s)
	}
	for _, s := range d.Digest.NextSteps {
		tokens += a.counter.Count(s)
	}
	return tokens
}
