package framestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
)

func newTestStore() *Store {
	ev := eventlog.New(4, 1000)
	return New(ev, time.Hour)
}

func TestCreateRootThenChildDepthInvariant(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)

	child, err := s.Create("run1", root.ID, TypeSubtask, "child", nil)
	require.NoError(t, err)
	assert.Equal(t, root.Depth+1, child.Depth)

	grandchild, err := s.Create("run1", child.ID, TypeSubtask, "grandchild", nil)
	require.NoError(t, err)
	assert.Equal(t, child.Depth+1, grandchild.Depth)
}

func TestCreateRejectsSecondRoot(t *testing.T) {
	s := newTestStore()
	_, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)

	_, err = s.Create("run1", "", TypeTask, "root2", nil)
	assert.Error(t, err)
}

func TestCreateRejectsClosedParent(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(root.ID, nil, &Digest{Result: "done"}))

	_, err = s.Create("run1", root.ID, TypeSubtask, "child", nil)
	assert.Error(t, err)
}

func TestCreateRejectsCrossRunParent(t *testing.T) {
	s := newTestStore()
	rootA, err := s.Create("runA", "", TypeTask, "rootA", nil)
	require.NoError(t, err)

	_, err = s.Create("runB", rootA.ID, TypeSubtask, "child", nil)
	assert.Error(t, err)
}

func TestCloseRejectsWithOpenDescendants(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)
	_, err = s.Create("run1", root.ID, TypeSubtask, "child", nil)
	require.NoError(t, err)

	err = s.Close(root.ID, nil, &Digest{Result: "done"})
	assert.Error(t, err)
}

func TestCloseSucceedsAfterDescendantsClosed(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)
	child, err := s.Create("run1", root.ID, TypeSubtask, "child", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close(child.ID, nil, &Digest{Result: "child done"}))
	require.NoError(t, s.Close(root.ID, nil, &Digest{Result: "root done"}))

	f, err := s.Lookup(root.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, f.State)
	assert.NotNil(t, f.Digest)
}

func TestActivePathPicksMostRecentLeaf(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "A", nil)
	require.NoError(t, err)
	b, err := s.Create("run1", root.ID, TypeSubtask, "B", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Create("run1", root.ID, TypeSubtask, "C", nil)
	require.NoError(t, err)

	path, err := s.ActivePath("run1")
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, root.ID, path[0].ID)
	assert.Equal(t, "C", path[1].Name)
	_ = b
}

func TestDigestAttachmentInvariant(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)
	assert.Nil(t, root.Digest)

	require.NoError(t, s.Close(root.ID, nil, &Digest{Result: "x"}))
	f, err := s.Lookup(root.ID)
	require.NoError(t, err)
	assert.NotNil(t, f.Digest)
}

func TestCloseOutputsRoundTripNestedStructures(t *testing.T) {
	s := newTestStore()
	root, err := s.Create("run1", "", TypeTask, "root", map[string]interface{}{
		"files": []interface{}{"a.go", "b.go"},
	})
	require.NoError(t, err)

	outputs := map[string]interface{}{
		"changed_files": []interface{}{"a.go", "b.go"},
		"stats":         map[string]interface{}{"added": float64(12), "removed": float64(3)},
	}
	require.NoError(t, s.Close(root.ID, outputs, &Digest{Result: "refactored parser"}))

	f, err := s.Lookup(root.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(outputs, f.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestHotStackIncludesRecentEvents(t *testing.T) {
	ev := eventlog.New(4, 1000)
	s := New(ev, time.Hour)
	root, err := s.Create("run1", "", TypeTask, "root", nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ev.Append(ctx, root.ID, eventlog.EventUserMessage, nil)
		require.NoError(t, err)
	}

	stack, err := s.HotStack("run1", 2)
	require.NoError(t, err)
	require.Len(t, stack, 1)
	assert.Len(t, stack[0].RecentEvents, 2)
}
