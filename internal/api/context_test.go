package api

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"screenloom/internal/config"
	"screenloom/internal/search"
	"screenloom/internal/store"
)

func newTestContextHandlers(t *testing.T) (*ContextHandlers, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.SearchConfig{
		Alpha: 0.5, RRFK: 60, CandidateK: 20, TopK: 10, Diversify: true,
		NeighborTopN: 2, NeighborMaxPerSeed: 3, NeighborWindow: 10 * time.Minute,
		Timeout: 5 * time.Second, FTSHealthCheckOnBoot: true, FTSDegradeAfterFailures: 3,
	}
	engine := search.New(st, nil, nil, nil, cfg)
	return NewContextHandlers(engine), st
}

func TestContextHandlers_SearchFindsSeededScreenshot(t *testing.T) {
	h, st := newTestContextHandlers(t)
	ctx := context.Background()

	shotID, err := st.InsertScreenshot(ctx, store.Screenshot{CapturedAt: time.Now(), SourceKey: "display-0", PHash: "a", FilePath: "/a.png"})
	require.NoError(t, err)
	require.NoError(t, st.FinishOCRSuccess(ctx, shotID, "rust borrow checker error", ""))
	batchID, err := st.InsertBatch(ctx, store.Batch{BatchID: "b", SourceKey: "display-0", ScreenshotIDs: []int64{shotID}, TSStart: time.Now(), TSEnd: time.Now(), HistoryPack: "{}"})
	require.NoError(t, err)
	require.NoError(t, st.AssignBatch(ctx, batchID, []int64{shotID}))
	_, err = st.InsertContextNode(ctx, store.ContextNode{BatchID: batchID, Kind: "event", EventTime: time.Now(), Title: "t", Summary: "s", ScreenshotIDs: []int64{shotID}})
	require.NoError(t, err)

	e := echo.New()
	rec := doJSON(t, e, h.Search, `{"query":"rust borrow checker"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"title":"t"`)
}

func TestContextHandlers_SearchCancelUnknownTokenReportsNotCancelled(t *testing.T) {
	h, _ := newTestContextHandlers(t)
	e := echo.New()
	rec := doJSON(t, e, h.SearchCancel, `{"token":"nope"}`)
	require.Contains(t, rec.Body.String(), `"cancelled":false`)
}

func TestContextHandlers_GetEvidenceReturnsBackingScreenshot(t *testing.T) {
	h, st := newTestContextHandlers(t)
	ctx := context.Background()

	shotID, err := st.InsertScreenshot(ctx, store.Screenshot{CapturedAt: time.Now(), SourceKey: "display-0", PHash: "a", FilePath: "/a.png"})
	require.NoError(t, err)
	require.NoError(t, st.FinishOCRSuccess(ctx, shotID, "evidence text", ""))
	nodeID, err := st.InsertContextNode(ctx, store.ContextNode{Kind: "event", EventTime: time.Now(), Title: "t", Summary: "s", ScreenshotIDs: []int64{shotID}})
	require.NoError(t, err)

	e := echo.New()
	rec := doJSON(t, e, h.GetEvidence, `{"node_ids":[`+strconv.FormatInt(nodeID, 10)+`]}`)
	require.Contains(t, rec.Body.String(), "evidence text")
}
