package anchorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsInvalidType(t *testing.T) {
	ix := New()
	_, err := ix.Add("frame1", Type("BOGUS"), "text", 5)
	assert.Error(t, err)
}

func TestAddRejectsOutOfRangePriority(t *testing.T) {
	ix := New()
	_, err := ix.Add("frame1", TypeFact, "text", 11)
	assert.Error(t, err)

	_, err = ix.Add("frame1", TypeFact, "text", -1)
	assert.Error(t, err)
}

func TestListOrdersByPriorityThenCreationAscending(t *testing.T) {
	ix := New()
	a1, err := ix.Add("frame1", TypeFact, "low priority first", 2)
	require.NoError(t, err)
	a2, err := ix.Add("frame1", TypeFact, "high priority", 8)
	require.NoError(t, err)
	a3, err := ix.Add("frame1", TypeFact, "also high priority, added later", 8)
	require.NoError(t, err)

	out := ix.List("frame1", nil, 0)
	require.Len(t, out, 3)
	assert.Equal(t, a2.ID, out[0].ID)
	assert.Equal(t, a3.ID, out[1].ID)
	assert.Equal(t, a1.ID, out[2].ID)
}

func TestListFiltersByTypeAndMinPriority(t *testing.T) {
	ix := New()
	_, err := ix.Add("frame1", TypeFact, "a fact", 3)
	require.NoError(t, err)
	_, err = ix.Add("frame1", TypeConstraint, "a constraint", 9)
	require.NoError(t, err)

	out := ix.List("frame1", []Type{TypeConstraint}, 0)
	require.Len(t, out, 1)
	assert.Equal(t, TypeConstraint, out[0].Type)

	out = ix.List("frame1", nil, 5)
	require.Len(t, out, 1)
	assert.Equal(t, TypeConstraint, out[0].Type)
}

func TestSupersedeKeepsOldAnchorVisible(t *testing.T) {
	ix := New()
	old, err := ix.Add("frame1", TypeDecision, "use REST", 5)
	require.NoError(t, err)
	_, err = ix.Supersede("frame1", TypeDecision, "use gRPC", 5, old.ID)
	require.NoError(t, err)

	out := ix.List("frame1", []Type{TypeDecision}, 0)
	assert.Len(t, out, 2, "superseded anchors remain visible unless caller filters")
}

func TestFindRanksByPriorityThenRecency(t *testing.T) {
	ix := New()
	_, err := ix.Add("frame1", TypeRisk, "database timeout risk", 4)
	require.NoError(t, err)
	_, err = ix.Add("frame2", TypeRisk, "database connection risk", 7)
	require.NoError(t, err)

	matches := ix.Find(TypeRisk, "database")
	require.Len(t, matches, 2)
	assert.Equal(t, 7, matches[0].Priority)
}
