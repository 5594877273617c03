package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/config"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/sqlitestore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.DebugMode = false
	e, err := New(cfg, nil)
	require.NoError(t, err)
	return e
}

// TestScenarioTwoFrameHandoffPreservesParentContext mirrors spec.md's
// end-to-end scenario 2: a child frame is created under an active parent,
// the parent's constraint anchor remains visible in the assembled bundle
// after the child closes.
func TestScenarioTwoFrameHandoffPreservesParentContext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	parent, err := e.CreateFrame(ctx, "run1", "", framestore.TypeFeature, "Build export endpoint", nil)
	require.NoError(t, err)
	_, err = e.AddAnchor(ctx, "run1", parent.ID, anchorindex.TypeConstraint, "Must stream, not buffer", 9)
	require.NoError(t, err)

	child, err := e.CreateFrame(ctx, "run1", parent.ID, framestore.TypeSubtask, "Wire CSV writer", nil)
	require.NoError(t, err)
	_, _, err = e.AppendEvent(ctx, "run1", child.ID, eventlog.EventToolCall, map[string]interface{}{"tool": "write"})
	require.NoError(t, err)

	require.NoError(t, e.CloseFrame(ctx, "run1", child.ID, nil, &framestore.Digest{Result: "writer done"}))

	bundle := e.AssembleContext(ctx, "run1", "", 4000, nil)
	require.Len(t, bundle.HotStack, 1, "closed leaf drops out of the active path, parent remains")
	assert.Equal(t, parent.ID, bundle.HotStack[0].FrameID)
	require.Len(t, bundle.HotStack[0].Anchors, 1)
	assert.Equal(t, "Must stream, not buffer", bundle.HotStack[0].Anchors[0].Text)
}

// TestScenarioThreeQueryFindsClosedWorkByTopic mirrors spec.md's end-to-end
// scenario 3: a closed frame with a matching digest is found by a later
// free-text query even though it's no longer on the active path.
func TestScenarioThreeQueryFindsClosedWorkByTopic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	f, err := e.CreateFrame(ctx, "run1", "", framestore.TypeBug, "login redirect bug", nil)
	require.NoError(t, err)
	require.NoError(t, e.CloseFrame(ctx, "run1", f.ID, nil, &framestore.Digest{Result: "fixed oauth redirect loop"}))

	result, parsed, err := e.Query(ctx, "run1", "oauth redirect")
	require.NoError(t, err)
	assert.Empty(t, parsed.ValidationErrors)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, f.ID, result.Hits[0].Frame.ID)
}

func TestCreateFrameRejectsUnknownParentAcrossConcurrentRuns(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateFrame(ctx, "run1", "", framestore.TypeTask, "root", nil)
	require.NoError(t, err)

	_, err = e.CreateFrame(ctx, "run2", "not-a-real-frame", framestore.TypeTask, "child", nil)
	assert.Error(t, err)
}

func TestQueryRejectsInvalidModifierWithoutPanicking(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateFrame(ctx, "run1", "", framestore.TypeTask, "root", nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, _, queryErr := e.Query(ctx, "run1", "+limit:99999")
		assert.Error(t, queryErr)
	})
}

func TestReembedDigestsBackfillsMissingEmbeddings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	f, err := e.CreateFrame(ctx, "run1", "", framestore.TypeBug, "flaky test", nil)
	require.NoError(t, err)
	require.NoError(t, e.CloseFrame(ctx, "run1", f.ID, nil, &framestore.Digest{Result: "fixed race in scheduler"}))

	n, err := e.ReembedDigests(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reembedded, err := e.frames.Lookup(f.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, reembedded.Digest.Embedding)

	// a second pass finds nothing left to backfill.
	n2, err := e.ReembedDigests(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestAssembleContextRecordsAnchorAccessWhenPersisted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "access.db")
	ctx := context.Background()

	store, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	cfg := config.DefaultConfig()
	e, err := New(cfg, store)
	require.NoError(t, err)

	f, err := e.CreateFrame(ctx, "run1", "", framestore.TypeTask, "root", nil)
	require.NoError(t, err)
	anchor, err := e.AddAnchor(ctx, "run1", f.ID, anchorindex.TypeConstraint, "must stay backward compatible", 8)
	require.NoError(t, err)

	bundle := e.AssembleContext(ctx, "run1", "", 4000, nil)
	require.Len(t, bundle.HotStack, 1)
	require.Len(t, bundle.HotStack[0].Anchors, 1)

	// a cutoff an hour in the future makes the anchor old enough to archive;
	// it must still be spared because AssembleContext just bumped its access
	// counter.
	n, err := store.MaintenanceCleanup(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "anchor was accessed during assembly, so it must not be archived as untouched")

	loaded, err := store.LoadAnchors(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, anchor.ID, loaded[0].ID)
}

func TestPersistenceRoundTripsFrameAcrossEngineRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()

	store1, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	e1, err := New(cfg, store1)
	require.NoError(t, err)

	f, err := e1.CreateFrame(ctx, "run1", "", framestore.TypeTask, "persisted root", nil)
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	defer store2.Close()
	e2, err := New(cfg, store2)
	require.NoError(t, err)
	require.NoError(t, e2.RehydrateRun(ctx, "run1"))

	bundle := e2.AssembleContext(ctx, "run1", "", 2000, nil)
	require.Len(t, bundle.HotStack, 1)
	assert.Equal(t, f.ID, bundle.HotStack[0].FrameID)
}
