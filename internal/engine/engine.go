// Package engine wires every component (C1-C11) into the single entry
// point external callers use: create/close frames, append events and
// anchors, run retrieval queries, and assemble token-budgeted bundles.
//
// Concurrency follows spec.md §5: one writer per run at a time (a per-run
// mutex serializes frame/event/anchor mutation for that run), unlimited
// concurrent readers, and every blocking call threads a context.Context for
// cooperative cancellation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/assembler"
	"github.com/stackmemoryai/stackmemory-sub002/internal/bundlecache"
	"github.com/stackmemoryai/stackmemory-sub002/internal/clockid"
	"github.com/stackmemoryai/stackmemory-sub002/internal/config"
	"github.com/stackmemoryai/stackmemory-sub002/internal/embedding"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/intent"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/retrieval"
	"github.com/stackmemoryai/stackmemory-sub002/internal/sqlitestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/stackerr"
	"github.com/stackmemoryai/stackmemory-sub002/internal/tracedetect"
)

// Engine is the runtime's single composition root.
type Engine struct {
	cfg *config.Config

	frames    *framestore.Store
	anchors   *anchorindex.Index
	events    *eventlog.Store
	oracle    embedding.Oracle
	cache     *bundlecache.Cache
	retriever *retrieval.Pipeline
	assembler *assembler.Assembler
	traces    *tracedetect.Detector
	store     *sqlitestore.Store

	runLocksMu sync.Mutex
	runLocks   map[string]*sync.Mutex
}

// New wires an Engine from a loaded config. persist may be nil to run
// purely in-memory (tests, ephemeral sessions).
func New(cfg *config.Config, persist *sqlitestore.Store) (*Engine, error) {
	logging.SetConfig(cfg.Logging.DebugMode, cfg.Logging.Categories, cfg.Logging.Level, cfg.Logging.JSONFormat)
	if cfg.ProjectRoot != "" {
		if err := logging.Initialize(cfg.ProjectRoot); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "engine: init logging")
		}
	}

	oracle, err := embedding.New(cfg.Embedding.Provider, cfg.Embedding.Dim, nil, cfg.Embedding.RemoteTimeout)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.Internal, err, "engine: construct embedding oracle")
	}

	ev := eventlog.New(cfg.EventLog.Shards, cfg.EventLog.BufferSize)
	fs := framestore.New(ev, cfg.Frame.InactivityWindow)
	ix := anchorindex.New()
	cache := bundlecache.New(cfg.Cache.MaxBytes, cfg.Cache.DefaultTTL)

	weights := retrieval.Weights{
		FieldName: cfg.Retrieval.FieldWeightName, FieldDigest: cfg.Retrieval.FieldWeightDigest,
		FieldType: cfg.Retrieval.FieldWeightType, FieldBlob: cfg.Retrieval.FieldWeightBlob,
		ExactPhrase: cfg.Retrieval.ExactPhraseBonus, SemanticMinSimilarity: cfg.Retrieval.SemanticMinSimilarity,
		HybridTextWeight: cfg.Retrieval.HybridTextWeight, HybridVecWeight: cfg.Retrieval.HybridVecWeight,
		RecencyBoostCap: cfg.Retrieval.RecencyBoostCap, RecencyHalfLifeHours: cfg.Retrieval.RecencyHalfLifeHours,
		ClosedBoost: cfg.Retrieval.ClosedBoost, NameMatchBoost: cfg.Retrieval.NameMatchBoost,
	}
	retr := retrieval.New(fs, ix, oracle, cache, weights)

	slices := assembler.BudgetSlices{
		HotStackPercent: cfg.Assembler.HotStackPercent, TeamPercent: cfg.Assembler.TeamPercent,
		DigestsPercent: cfg.Assembler.DigestsPercent, PersonalPercent: cfg.Assembler.PersonalPercent,
		ReservePercent: cfg.Assembler.ReservePercent,
	}
	asm := assembler.New(fs, ix, ev, retr, slices)
	td := tracedetect.New(cfg.Trace.Gap, cfg.Trace.MaxLen)

	e := &Engine{
		cfg: cfg, frames: fs, anchors: ix, events: ev, oracle: oracle, cache: cache,
		retriever: retr, assembler: asm, traces: td, store: persist,
		runLocks: make(map[string]*sync.Mutex),
	}

	logging.Get(logging.CategoryEngine).Info("engine initialized (embedding=%s shards=%d persist=%v)",
		cfg.Embedding.Provider, cfg.EventLog.Shards, persist != nil)
	return e, nil
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	e.runLocksMu.Lock()
	defer e.runLocksMu.Unlock()
	l, ok := e.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[runID] = l
	}
	return l
}

// RehydrateRun loads one run's frames and anchors from the persistence
// adapter into the in-memory stores. Persisted events are not loaded back
// into the in-memory event log. Call once per known run id at boot.
func (e *Engine) RehydrateRun(ctx context.Context, runID string) error {
	if e.store == nil {
		return nil
	}
	frames, err := e.store.LoadFrames(ctx, runID)
	if err != nil {
		return err
	}
	for _, f := range frames {
		e.frames.Restore(f)
		anchors, err := e.store.LoadAnchors(ctx, f.ID)
		if err != nil {
			return err
		}
		for _, a := range anchors {
			e.anchors.Restore(a)
		}
	}
	return nil
}

// CreateFrame opens a new frame under parentID (empty for a root) and
// persists it if a store is wired in.
func (e *Engine) CreateFrame(ctx context.Context, runID, parentID string, ftype framestore.FrameType, name string, inputs map[string]interface{}) (*framestore.Frame, error) {
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	f, err := e.frames.Create(runID, parentID, ftype, name, inputs)
	if err != nil {
		return nil, err
	}
	e.retriever.BumpWatermark()
	if e.store != nil {
		if err := e.store.SaveFrame(ctx, f); err != nil {
			logging.Get(logging.CategoryEngine).Warn("failed to persist frame %s: %v", f.ID, err)
		}
	}
	return f, nil
}

// CloseFrame closes a frame, attaching outputs and a digest.
func (e *Engine) CloseFrame(ctx context.Context, runID, frameID string, outputs map[string]interface{}, digest *framestore.Digest) error {
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.frames.Close(frameID, outputs, digest); err != nil {
		return err
	}
	e.retriever.BumpWatermark()
	if e.store != nil {
		f, err := e.frames.Lookup(frameID)
		if err == nil {
			if err := e.store.SaveFrame(ctx, f); err != nil {
				logging.Get(logging.CategoryEngine).Warn("failed to persist closed frame %s: %v", frameID, err)
			}
		}
	}
	return nil
}

// AppendEvent appends one event to a frame's log, touching the frame's
// last-activity timestamp and feeding the trace detector.
func (e *Engine) AppendEvent(ctx context.Context, runID, frameID string, etype eventlog.EventType, payload map[string]interface{}) (*eventlog.Event, *tracedetect.Trace, error) {
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	ev, err := e.events.Append(ctx, frameID, etype, payload)
	if err != nil {
		return nil, nil, err
	}
	e.frames.TouchEvent(frameID)

	var closedTrace *tracedetect.Trace
	if etype == eventlog.EventToolCall || etype == eventlog.EventToolResult {
		closedTrace = e.traces.Observe(*ev)
		if closedTrace != nil && e.store != nil {
			if err := e.store.SaveTrace(ctx, closedTrace); err != nil {
				logging.Get(logging.CategoryEngine).Warn("failed to persist trace %s: %v", closedTrace.ID, err)
			}
		}
	}
	if e.store != nil {
		if err := e.store.AppendEvents(ctx, []eventlog.Event{*ev}); err != nil {
			logging.Get(logging.CategoryEngine).Warn("failed to persist event %s: %v", ev.ID, err)
		}
	}
	return ev, closedTrace, nil
}

// AddAnchor pins a new anchor to a frame.
func (e *Engine) AddAnchor(ctx context.Context, runID, frameID string, atype anchorindex.Type, text string, priority int) (*anchorindex.Anchor, error) {
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	a, err := e.anchors.Add(frameID, atype, text, priority)
	if err != nil {
		return nil, err
	}
	e.retriever.BumpWatermark()
	if e.store != nil {
		if err := e.store.SaveAnchor(ctx, a); err != nil {
			logging.Get(logging.CategoryEngine).Warn("failed to persist anchor %s: %v", a.ID, err)
		}
	}
	return a, nil
}

// Query runs a free-text (with optional +modifiers) query through the
// intent parser and the retrieval pipeline.
func (e *Engine) Query(ctx context.Context, runID, rawQuery string) (retrieval.Result, intent.Parsed, error) {
	parsed := intent.Parse(rawQuery)
	if len(parsed.ValidationErrors) > 0 {
		return retrieval.Result{}, parsed, stackerr.New(stackerr.InvalidArgument, "query failed validation: %v", parsed.ValidationErrors)
	}

	q := retrieval.Query{
		Text:       joinTopics(parsed.Expanded.Content),
		MaxResults: parsed.Interpreted.Limit,
	}
	if q.MaxResults == 0 {
		q.MaxResults = e.cfg.Retrieval.DefaultLimit
	}
	result := e.retriever.Retrieve(ctx, runID, q)
	return result, parsed, nil
}

func joinTopics(topics []string) string {
	out := ""
	for i, t := range topics {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

// AssembleContext builds a token-budgeted bundle for a run, optionally
// appending a delta first. Anchors that surface in the bundle have their
// persisted access counters bumped, so RunMaintenance's archival pass
// leaves frequently-surfaced anchors alone.
func (e *Engine) AssembleContext(ctx context.Context, runID, query string, tokenBudget int, delta *assembler.Delta) assembler.Bundle {
	bundle := e.assembler.Assemble(ctx, assembler.Intent{RunID: runID, Query: query}, tokenBudget, delta)
	if e.store != nil {
		now := time.Now()
		for _, fb := range bundle.HotStack {
			for _, a := range fb.Anchors {
				if err := e.store.RecordAnchorAccess(ctx, a.ID, now); err != nil {
					logging.Get(logging.CategoryEngine).Warn("failed to record anchor access %s: %v", a.ID, err)
				}
			}
		}
	}
	return bundle
}

// ListFrames returns every frame recorded for a run, insertion order.
func (e *Engine) ListFrames(runID string) []*framestore.Frame {
	return e.frames.AllFrames(runID)
}

// CacheStats reports the bundle cache's hit rate and eviction counters.
func (e *Engine) CacheStats() bundlecache.Stats {
	return e.cache.Stats()
}

// RunMaintenance archives anchors untouched since before olderThan. A no-op
// if no persistence adapter is wired in.
func (e *Engine) RunMaintenance(ctx context.Context, olderThan time.Time) (int64, error) {
	if e.store == nil {
		return 0, nil
	}
	return e.store.MaintenanceCleanup(ctx, olderThan)
}

// Stats reports persisted row counts, if a persistence adapter is wired in.
func (e *Engine) Stats(ctx context.Context) (sqlitestore.Stats, error) {
	if e.store == nil {
		return sqlitestore.Stats{}, nil
	}
	return e.store.GetStats(ctx)
}

// ReembedDigests backfills embeddings for closed frames whose digest has a
// result but no embedding yet (frames closed before an embedding oracle was
// wired in, or migrated from an older schema). Returns the number of
// frames re-embedded.
func (e *Engine) ReembedDigests(ctx context.Context, runID string) (int, error) {
	frames := e.frames.AllFrames(runID)

	var targets []*framestore.Frame
	var texts []string
	for _, f := range frames {
		if f.Digest == nil || f.Digest.Result == "" || len(f.Digest.Embedding) > 0 {
			continue
		}
		targets = append(targets, f)
		texts = append(texts, f.Digest.Result)
	}
	if len(targets) == 0 {
		return 0, nil
	}

	vecs, err := embedding.EmbedBatch(ctx, e.oracle, texts, e.cfg.Embedding.Parallelism)
	if err != nil {
		return 0, err
	}

	for i, f := range targets {
		f.Digest.Embedding = vecs[i]
		if e.store != nil {
			if err := e.store.SaveFrame(ctx, f); err != nil {
				logging.Get(logging.CategoryEngine).Warn("failed to persist re-embedded frame %s: %v", f.ID, err)
			}
		}
	}
	return len(targets), nil
}

// Close releases the persistence adapter, if any.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// NewID mints a runtime-wide unique identifier with the given prefix.
func NewID(prefix string) string { return clockid.NewID(prefix) }
