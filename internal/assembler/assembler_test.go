package assembler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/bundlecache"
	"github.com/stackmemoryai/stackmemory-sub002/internal/embedding"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/retrieval"
)

func newTestAssembler(t *testing.T) (*Assembler, *framestore.Store, *eventlog.Store, *anchorindex.Index) {
	ev := eventlog.New(4, 1000)
	fs := framestore.New(ev, time.Hour)
	ix := anchorindex.New()
	oracle := embedding.NewLocalEncoder(32)
	cache := bundlecache.New(1024*1024, time.Minute)
	retr := retrieval.New(fs, ix, oracle, cache, retrieval.DefaultWeights())
	asm := New(fs, ix, ev, retr, DefaultSlices())
	return asm, fs, ev, ix
}

func TestTokenCounterEstimatesCeilRunesOverFour(t *testing.T) {
	tc := TokenCounter{}
	assert.Equal(t, 0, tc.Count(""))
	assert.Equal(t, 1, tc.Count("abcd"))
	assert.Equal(t, 2, tc.Count("abcde"))
}

func TestSingleFrameSessionAssembly(t *testing.T) {
	asm, fs, ev, ix := newTestAssembler(t)
	ctx := context.Background()

	root, err := fs.Create("run1", "", framestore.TypeBug, "Fix login bug", nil)
	require.NoError(t, err)
	_, err = ix.Add(root.ID, anchorindex.TypeConstraint, "Do not change callback URL shape", 8)
	require.NoError(t, err)

	_, err = ev.Append(ctx, root.ID, eventlog.EventUserMessage, map[string]interface{}{"text": "help"})
	require.NoError(t, err)
	_, err = ev.Append(ctx, root.ID, eventlog.EventToolCall, map[string]interface{}{"tool": "read"})
	require.NoError(t, err)
	_, err = ev.Append(ctx, root.ID, eventlog.EventToolResult, map[string]interface{}{"ok": "true"})
	require.NoError(t, err)

	bundle := asm.Assemble(ctx, Intent{RunID: "run1"}, 2000, nil)

	require.Len(t, bundle.HotStack, 1)
	require.Len(t, bundle.HotStack[0].Anchors, 1)
	assert.Equal(t, anchorindex.TypeConstraint, bundle.HotStack[0].Anchors[0].Type)
	assert.Len(t, bundle.HotStack[0].RecentEvents, 3)
	assert.Empty(t, bundle.RelevantDigests)
	assert.LessOrEqual(t, bundle.Usage.TokensUsed, 2000)
}

func TestZeroTokenBudgetStillWellFormed(t *testing.T) {
	asm, fs, _, _ := newTestAssembler(t)
	ctx := context.Background()

	_, err := fs.Create("run1", "", framestore.TypeTask, "root", nil)
	require.NoError(t, err)

	bundle := asm.Assemble(ctx, Intent{RunID: "run1"}, 0, nil)
	assert.NotNil(t, bundle.HotStack)
	assert.Equal(t, 0, bundle.Usage.TokenBudget)
}

func TestBudgetInvariantUnderFill(t *testing.T) {
	asm, fs, _, _ := newTestAssembler(t)
	ctx := context.Background()

	root, err := fs.Create("run1", "", framestore.TypeTask, "root scored work", nil)
	require.NoError(t, err)
	require.NoError(t, fs.Close(root.ID, nil, &framestore.Digest{Result: "scored work result"}))

	bundle := asm.Assemble(ctx, Intent{RunID: "run1", Query: "scored"}, 1000, nil)
	assert.LessOrEqual(t, bundle.Usage.TokensUsed, 1000)
}

// TestBudgetInvariantUnderFillWithLargeCorpus mirrors spec.md's end-to-end
// scenario 6: a large corpus of scored candidates must still respect the
// token budget, always include at least one digest when the budget allows
// it, and keep the active root as the only hot-stack entry.
func TestBudgetInvariantUnderFillWithLargeCorpus(t *testing.T) {
	asm, fs, _, _ := newTestAssembler(t)
	ctx := context.Background()

	root, err := fs.Create("run1", "", framestore.TypeTask, "active work", nil)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		f, err := fs.Create("run1", root.ID, framestore.TypeBug, fmt.Sprintf("scored work item %d", i), nil)
		require.NoError(t, err)
		require.NoError(t, fs.Close(f.ID, nil, &framestore.Digest{Result: fmt.Sprintf("scored work result %d", i)}))
	}

	const budget = 1000
	bundle := asm.Assemble(ctx, Intent{RunID: "run1", Query: "scored"}, budget, nil)

	assert.LessOrEqual(t, bundle.Usage.TokensUsed, budget)
	assert.NotEmpty(t, bundle.RelevantDigests, "budget leaves room for at least one digest")
	require.Len(t, bundle.HotStack, 1)
	assert.Equal(t, root.ID, bundle.HotStack[0].FrameID)
}

func TestDeltaAppendsToActiveLeafBeforeAssembly(t *testing.T) {
	asm, fs, _, _ := newTestAssembler(t)
	ctx := context.Background()

	root, err := fs.Create("run1", "", framestore.TypeTask, "root", nil)
	require.NoError(t, err)

	bundle := asm.Assemble(ctx, Intent{RunID: "run1"}, 2000, &Delta{UserMessage: "hello there"})
	require.Len(t, bundle.HotStack, 1)
	assert.Equal(t, root.ID, bundle.HotStack[0].FrameID)
	assert.Len(t, bundle.HotStack[0].RecentEvents, 1)
}
