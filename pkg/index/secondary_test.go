package index_test

import (
	"context"
	"sort"
	"testing"

	"github.com/cuemby/enclavedb/pkg/buffer"
	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/stretchr/testify/require"
)

func TestSecondaryIndexAddLookup(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "secondary")
	si, err := index.NewSecondaryIndex(ctx, mgr, "by_status", "status", 16, 4)
	require.NoError(t, err)

	require.NoError(t, si.Add(ctx, "active", "alice"))
	require.NoError(t, si.Add(ctx, "active", "bob"))
	require.NoError(t, si.Add(ctx, "inactive", "carol"))

	keys, err := si.Lookup(ctx, "active")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"alice", "bob"}, keys)
}

func TestSecondaryIndexLookupInUnions(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "secondary")
	si, err := index.NewSecondaryIndex(ctx, mgr, "by_status", "status", 16, 4)
	require.NoError(t, err)

	require.NoError(t, si.Add(ctx, "active", "alice"))
	require.NoError(t, si.Add(ctx, "pending", "bob"))
	require.NoError(t, si.Add(ctx, "closed", "carol"))

	keys, err := si.LookupIn(ctx, []string{"active", "pending"})
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"alice", "bob"}, keys)
}

func TestSecondaryIndexRemove(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "secondary")
	si, err := index.NewSecondaryIndex(ctx, mgr, "by_status", "status", 16, 4)
	require.NoError(t, err)

	require.NoError(t, si.Add(ctx, "active", "alice"))
	require.NoError(t, si.Remove(ctx, "active", "alice"))

	keys, err := si.Lookup(ctx, "active")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSecondaryIndexAddIncrementsNodeVersion(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "secondary")
	si, err := index.NewSecondaryIndex(ctx, mgr, "by_status", "status", 1, 1)
	require.NoError(t, err)

	versionOf := func() uint64 {
		h, err := buffer.GetPage(ctx, mgr, 0, func() *index.SecondaryNode { return &index.SecondaryNode{} }, nil)
		require.NoError(t, err)
		defer h.Release()
		return h.Data().PageVersion()
	}

	before := versionOf()
	require.NoError(t, si.Add(ctx, "active", "alice"))
	require.Greater(t, versionOf(), before)

	afterFirst := versionOf()
	require.NoError(t, si.Add(ctx, "active", "bob"))
	require.Greater(t, versionOf(), afterFirst)
}

func TestPlannerIntersectsCoverableConditions(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "secondary")
	byStatus, err := index.NewSecondaryIndex(ctx, mgr, "by_status", "status", 16, 4)
	require.NoError(t, err)
	byTeam, err := index.NewSecondaryIndex(ctx, mgr, "by_team", "team", 16, 4)
	require.NoError(t, err)

	require.NoError(t, byStatus.Add(ctx, "active", "alice"))
	require.NoError(t, byStatus.Add(ctx, "active", "bob"))
	require.NoError(t, byTeam.Add(ctx, "eng", "alice"))
	require.NoError(t, byTeam.Add(ctx, "eng", "carol"))

	p := index.NewPlanner(map[string]*index.SecondaryIndex{"status": byStatus, "team": byTeam})
	keys, scanRequired, err := p.Plan(ctx, []index.Condition{
		{Path: "status", Op: index.OpEq, Value: "active"},
		{Path: "team", Op: index.OpEq, Value: "eng"},
	})
	require.NoError(t, err)
	require.False(t, scanRequired)
	require.Equal(t, []string{"alice"}, keys)
}

func TestPlannerFallsBackOnRangeCondition(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "secondary")
	byStatus, err := index.NewSecondaryIndex(ctx, mgr, "by_status", "status", 16, 4)
	require.NoError(t, err)

	p := index.NewPlanner(map[string]*index.SecondaryIndex{"status": byStatus})
	_, scanRequired, err := p.Plan(ctx, []index.Condition{
		{Path: "age", Op: index.OpGte, Value: float64(18)},
	})
	require.NoError(t, err)
	require.True(t, scanRequired)
}

func TestEvalConditionDottedPath(t *testing.T) {
	doc, err := index.DecodeDocument([]byte(`{"user":{"age":42}}`))
	require.NoError(t, err)
	require.True(t, index.EvalCondition(doc, index.Condition{Path: "user.age", Op: index.OpGte, Value: float64(18)}))
	require.False(t, index.EvalCondition(doc, index.Condition{Path: "user.age", Op: index.OpLt, Value: float64(18)}))
}
