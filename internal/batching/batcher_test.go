package batching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/store"
)

func newTestBuilder(t *testing.T, limits Limits) (*Builder, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, limits), st
}

func insertShots(t *testing.T, st *store.Store, sourceKey string, n int, start time.Time, gap time.Duration) []store.Screenshot {
	t.Helper()
	ctx := context.Background()
	var out []store.Screenshot
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * gap)
		id, err := st.InsertScreenshot(ctx, store.Screenshot{
			CapturedAt: ts, SourceKey: sourceKey, PHash: "abc", FilePath: "/tmp/x.png",
			Width: 10, Height: 10, ByteSize: 100, MIME: "image/png",
		})
		require.NoError(t, err)
		out = append(out, store.Screenshot{ID: id, CapturedAt: ts, SourceKey: sourceKey})
	}
	return out
}

func TestFormBatches_SplitsByMaxSize(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t, Limits{MaxBatchSize: 3, MaxBatchAge: time.Hour, ShardSize: 10})
	shots := insertShots(t, st, "screen:1", 7, time.Now(), time.Second)

	ids, err := b.FormBatches(context.Background(), "screen:1", shots)
	require.NoError(t, err)
	require.Len(t, ids, 3, "7 shots at max size 3 -> groups of 3,3,1")

	batch, err := st.GetBatch(context.Background(), ids[0])
	require.NoError(t, err)
	require.Len(t, batch.ScreenshotIDs, 3)
}

func TestFormBatches_SplitsByMaxAge(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t, Limits{MaxBatchSize: 100, MaxBatchAge: 5 * time.Second, ShardSize: 10})
	shots := insertShots(t, st, "screen:1", 4, time.Now(), 3*time.Second)

	ids, err := b.FormBatches(context.Background(), "screen:1", shots)
	require.NoError(t, err)
	require.True(t, len(ids) >= 2, "a 3s gap over a 5s age bound must split into multiple batches")
}

func TestFormBatches_ShardsOversizedGroup(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t, Limits{MaxBatchSize: 10, MaxBatchAge: time.Hour, ShardSize: 4})
	shots := insertShots(t, st, "screen:1", 10, time.Now(), time.Second)

	ids, err := b.FormBatches(context.Background(), "screen:1", shots)
	require.NoError(t, err)
	require.Len(t, ids, 3, "10 shots at shard size 4 -> 4,4,2")
}

func TestFormBatches_AssignsEnqueuedBatchID(t *testing.T) {
	t.Parallel()
	b, st := newTestBuilder(t, Limits{MaxBatchSize: 100, MaxBatchAge: time.Hour, ShardSize: 100})
	shots := insertShots(t, st, "screen:1", 2, time.Now(), time.Second)

	ids, err := b.FormBatches(context.Background(), "screen:1", shots)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rows, err := st.RecentBySource(context.Background(), "screen:1", 10)
	require.NoError(t, err)
	for _, r := range rows {
		require.NotNil(t, r.EnqueuedBatchID)
		require.Equal(t, ids[0], *r.EnqueuedBatchID)
	}
}

func TestFormBatches_EmptyInputIsNoop(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t, Limits{MaxBatchSize: 10, MaxBatchAge: time.Hour, ShardSize: 10})
	ids, err := b.FormBatches(context.Background(), "screen:1", nil)
	require.NoError(t, err)
	require.Nil(t, ids)
}
