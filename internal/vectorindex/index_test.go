package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPointUUID_DeterministicAndStable(t *testing.T) {
	t.Parallel()
	a := pointUUID(42)
	b := pointUUID(42)
	c := pointUUID(43)
	require.Equal(t, a, b, "same document id must map to the same point uuid across restarts")
	require.NotEqual(t, a, c)
}

func TestMarkDirty_SetsFlagAndTimestamp(t *testing.T) {
	t.Parallel()
	idx := &Index{}
	require.False(t, idx.dirty)
	idx.markDirty()
	require.True(t, idx.dirty)
	require.False(t, idx.lastWrite.IsZero())
}
