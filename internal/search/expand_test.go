package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/store"
)

func insertNode(t *testing.T, s *store.Store, batchID int64, title string, eventTime time.Time) int64 {
	t.Helper()
	id, err := s.InsertContextNode(context.Background(), store.ContextNode{
		BatchID: batchID, Kind: "event", EventTime: eventTime, Title: title, Summary: title,
	})
	require.NoError(t, err)
	return id
}

func TestExpandNeighbors_PullsInSameThreadAndAdjacentWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.InsertBatch(ctx, store.Batch{
		BatchID: "b1", SourceKey: "display-0", TSStart: time.Now(), TSEnd: time.Now(), HistoryPack: "{}",
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	seedID := insertNode(t, s, batchID, "seed", now)
	require.NoError(t, s.AssignThreadID(ctx, seedID, "thread-1"))
	threadMateID := insertNode(t, s, batchID, "same thread", now.Add(-time.Hour))
	require.NoError(t, s.AssignThreadID(ctx, threadMateID, "thread-1"))
	nearbyID := insertNode(t, s, batchID, "nearby", now.Add(2*time.Minute))
	farID := insertNode(t, s, batchID, "far away", now.Add(24*time.Hour))

	seed, err := s.GetContextNode(ctx, seedID)
	require.NoError(t, err)

	items, diag, err := expandNeighbors(ctx, s, []store.ContextNode{seed}, 1, 5, 10*time.Minute, 0.01)
	require.NoError(t, err)

	ids := make(map[int64]string, len(items))
	for _, it := range items {
		ids[it.NodeID] = it.ExpandedVia
	}
	require.Equal(t, "thread", ids[threadMateID])
	require.Equal(t, "window", ids[nearbyID])
	require.NotContains(t, ids, farID)
	require.Equal(t, len(items), diag.Expanded)
}

func TestExpandNeighbors_NoopWhenDisabled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	batchID, err := s.InsertBatch(ctx, store.Batch{
		BatchID: "b1", SourceKey: "display-0", TSStart: time.Now(), TSEnd: time.Now(), HistoryPack: "{}",
	})
	require.NoError(t, err)
	seedID := insertNode(t, s, batchID, "seed", time.Now())
	seed, err := s.GetContextNode(ctx, seedID)
	require.NoError(t, err)

	items, diag, err := expandNeighbors(ctx, s, []store.ContextNode{seed}, 0, 5, time.Hour, 0.01)
	require.NoError(t, err)
	require.Empty(t, items)
	require.Zero(t, diag.Expanded)
}
