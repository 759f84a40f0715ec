package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/config"
	"screenloom/internal/store"
)

func seedSearchableNode(t *testing.T, s *store.Store, sourceKey, ocrText, title string, eventTime time.Time) (screenshotID, nodeID int64) {
	t.Helper()
	ctx := context.Background()

	shotID, err := s.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: eventTime, SourceKey: sourceKey, PHash: title, FilePath: "/" + title + ".png",
	})
	require.NoError(t, err)
	require.NoError(t, s.FinishOCRSuccess(ctx, shotID, ocrText, ""))

	batchID, err := s.InsertBatch(ctx, store.Batch{
		BatchID: title + "-batch", SourceKey: sourceKey, ScreenshotIDs: []int64{shotID},
		TSStart: eventTime, TSEnd: eventTime, HistoryPack: "{}",
	})
	require.NoError(t, err)
	require.NoError(t, s.AssignBatch(ctx, batchID, []int64{shotID}))

	id, err := s.InsertContextNode(ctx, store.ContextNode{
		BatchID: batchID, Kind: "event", EventTime: eventTime, Title: title, Summary: "summary for " + title,
		ScreenshotIDs: []int64{shotID},
	})
	require.NoError(t, err)
	return shotID, id
}

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		Alpha: 0.5, RRFK: 60, CandidateK: 20, TopK: 10, Diversify: true,
		NeighborTopN: 2, NeighborMaxPerSeed: 3, NeighborWindow: 10 * time.Minute, NeighborBoost: 0.01,
		Timeout: 5 * time.Second, FTSHealthCheckOnBoot: true, FTSDegradeAfterFailures: 3,
	}
}

func TestEngine_Search_FindsSeededNodeByKeyword(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, nodeID := seedSearchableNode(t, s, "display-0", "kubernetes deployment failed rolling back", "incident", time.Now())

	e := New(s, nil, nil, nil, testSearchConfig())
	require.NoError(t, e.CheckHealth(ctx))

	result, err := e.Search(ctx, "kubernetes deployment", "")
	require.NoError(t, err)
	require.NotEmpty(t, result.Items)

	found := false
	for _, it := range result.Items {
		if it.NodeID == nodeID {
			found = true
		}
	}
	require.True(t, found, "the seeded node's OCR text should match the keyword query")
	require.False(t, result.Diagnostics.Degraded)
}

func TestEngine_Search_DegradedModeSkipsFTS(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedSearchableNode(t, s, "display-0", "some ocr text about rust", "node1", time.Now())
	require.NoError(t, s.SetFTSDegraded(ctx, true))

	e := New(s, nil, nil, nil, testSearchConfig())
	result, err := e.Search(ctx, "rust", "")
	require.NoError(t, err)
	require.True(t, result.Diagnostics.Degraded)
	require.Zero(t, result.Diagnostics.FTCount, "degraded search must not hit FTS at all")
}

func TestEngine_Search_ExpandsThreadNeighbors(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_, seedID := seedSearchableNode(t, s, "display-0", "golang channel deadlock debugging", "seed", now)
	_, mateID := seedSearchableNode(t, s, "display-0", "unrelated text entirely", "mate", now.Add(-time.Minute))
	require.NoError(t, s.AssignThreadID(ctx, seedID, "thread-1"))
	require.NoError(t, s.AssignThreadID(ctx, mateID, "thread-1"))

	e := New(s, nil, nil, nil, testSearchConfig())
	result, err := e.Search(ctx, "golang channel deadlock", "")
	require.NoError(t, err)

	var mateItem *Item
	for i := range result.Items {
		if result.Items[i].NodeID == mateID {
			mateItem = &result.Items[i]
		}
	}
	require.NotNil(t, mateItem, "thread mate should be pulled in by neighbor expansion")
	require.True(t, mateItem.Expanded)
	require.Equal(t, "thread", mateItem.ExpandedVia)
}

func TestEngine_Cancel_UnknownTokenReturnsFalse(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	e := New(s, nil, nil, nil, testSearchConfig())

	require.False(t, e.Cancel("never-started"))
}

func TestEngine_GetThread_ReturnsNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_, olderID := seedSearchableNode(t, s, "display-0", "older", "older", now.Add(-time.Hour))
	_, newerID := seedSearchableNode(t, s, "display-0", "newer", "newer", now)
	require.NoError(t, s.AssignThreadID(ctx, olderID, "thread-2"))
	require.NoError(t, s.AssignThreadID(ctx, newerID, "thread-2"))

	e := New(s, nil, nil, nil, testSearchConfig())
	nodes, err := e.GetThread(ctx, "thread-2", 0)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, newerID, nodes[0].Node.ID)
	require.Equal(t, olderID, nodes[1].Node.ID)
}

func TestEngine_GetEvidence_LoadsBackingScreenshots(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	shotID, nodeID := seedSearchableNode(t, s, "display-0", "evidence text", "node", time.Now())

	e := New(s, nil, nil, nil, testSearchConfig())
	evidence, err := e.GetEvidence(ctx, []int64{nodeID})
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	require.Equal(t, shotID, evidence[0].ScreenshotID)
	require.Equal(t, "evidence text", evidence[0].OCRText)
}
