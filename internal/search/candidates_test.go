package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/store"
	"screenloom/internal/vectorindex"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveFTSCandidates_MapsScreenshotHitsToCoveringNode(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	shotID, err := s.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "display-0", PHash: "p1", FilePath: "/a.png",
	})
	require.NoError(t, err)

	batchID, err := s.InsertBatch(ctx, store.Batch{
		BatchID: "b1", SourceKey: "display-0", ScreenshotIDs: []int64{shotID},
		TSStart: time.Now(), TSEnd: time.Now(), HistoryPack: "{}",
	})
	require.NoError(t, err)
	require.NoError(t, s.AssignBatch(ctx, batchID, []int64{shotID}))

	nodeID, err := s.InsertContextNode(ctx, store.ContextNode{
		BatchID: batchID, Kind: "event", EventTime: time.Now(), Title: "t", Summary: "s",
		ScreenshotIDs: []int64{shotID},
	})
	require.NoError(t, err)

	ids, err := resolveFTSCandidates(ctx, s, []store.FTSHit{{ScreenshotID: shotID, Rank: 0}})
	require.NoError(t, err)
	require.Equal(t, []int64{nodeID}, ids)
}

func TestResolveFTSCandidates_SkipsUnbatchedScreenshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	shotID, err := s.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "display-0", PHash: "p1", FilePath: "/a.png",
	})
	require.NoError(t, err)

	ids, err := resolveFTSCandidates(ctx, s, []store.FTSHit{{ScreenshotID: shotID}})
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestResolveVectorCandidates_MapsDocumentHitToRefID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertVectorDocument(ctx, store.VectorDocument{
		VectorID: "node:42", RefID: 42, DocType: "context_node", TextContent: "hello", TextHash: "h1", MetaPayload: "{}",
	})
	require.NoError(t, err)

	ids, err := resolveVectorCandidates(ctx, s, []vectorindex.Result{{ID: docID}})
	require.NoError(t, err)
	require.Equal(t, []int64{42}, ids)
}
