package search

import (
	"testing"

	"github.com/stretchr/testify/require"

	"screenloom/internal/config"
)

func TestNormalizeQuery_CollapsesWhitespace(t *testing.T) {
	t.Parallel()
	require.Equal(t, "rust borrow checker", normalizeQuery("  rust\tborrow\n\n checker  "))
}

func TestSplitBudgets_RespectsAlpha(t *testing.T) {
	t.Parallel()
	ft, vec := splitBudgets(40, 0.5)
	require.Equal(t, 20, ft)
	require.Equal(t, 20, vec)

	ft, vec = splitBudgets(40, 1.0)
	require.Equal(t, 39, ft)
	require.Equal(t, 1, vec)
}

func TestSplitBudgets_NeverStarvesEitherSideWhenKAllows(t *testing.T) {
	t.Parallel()
	ft, vec := splitBudgets(10, 0)
	require.Equal(t, 1, ft, "alpha=0 still leaves the fts side one slot when k>1")
	require.Equal(t, 9, vec)

	ft, vec = splitBudgets(10, 1)
	require.Equal(t, 9, ft)
	require.Equal(t, 1, vec, "alpha=1 still leaves the vector side one slot when k>1")
}

func TestBuildQueryPlan_DefaultsCandidateK(t *testing.T) {
	t.Parallel()
	plan := BuildQueryPlan(" find  my   notes ", config.SearchConfig{Alpha: 0.5})
	require.Equal(t, "find my notes", plan.Query)
	require.Equal(t, 20, plan.FtK)
	require.Equal(t, 20, plan.VecK)
}
