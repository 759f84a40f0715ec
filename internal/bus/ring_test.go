package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_GetRecentBeforeWrap(t *testing.T) {
	t.Parallel()
	r := NewRing[int](5)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	require.Equal(t, []int{3, 2, 1}, r.GetRecent(10))
	require.Equal(t, 3, r.Len())
}

func TestRing_OldestDropOnceFull(t *testing.T) {
	t.Parallel()
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	require.Equal(t, 3, r.Len())
	require.Equal(t, []int{5, 4, 3}, r.GetRecent(10))
}

func TestRing_GetRecentLimitsToN(t *testing.T) {
	t.Parallel()
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")
	r.Push("c")

	require.Equal(t, []string{"c", "b"}, r.GetRecent(2))
}
