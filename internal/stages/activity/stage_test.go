package activity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/bus"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

func runtimeConfig() airuntime.Config {
	return airuntime.Config{
		InitialLimit:             map[string]int{"vlm": 2, "text": 2, "embedding": 2},
		MaxLimit:                 map[string]int{"vlm": 4, "text": 4, "embedding": 4},
		SuccessStreakForIncrease: 2,
		FailureWindow:            time.Minute,
		FailureThresholdToTrip:   3,
	}
}

func insertNodeInNewBatch(t *testing.T, st *store.Store, ctx context.Context, eventTime time.Time) int64 {
	t.Helper()
	batchID, err := st.InsertBatch(ctx, store.Batch{
		BatchID: fmt.Sprintf("b-%d", eventTime.UnixNano()), SourceKey: "screen:1", TSStart: eventTime, TSEnd: eventTime,
	})
	require.NoError(t, err)
	nodeID, err := st.InsertContextNode(ctx, store.ContextNode{
		BatchID: batchID, Kind: "event", EventTime: eventTime, Title: "n1", Summary: "s1",
	})
	require.NoError(t, err)
	return nodeID
}

func newHarness(t *testing.T, provider aiproviders.TextProvider) (*Stage, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := bus.New()
	rt := airuntime.New(runtimeConfig(), b)
	rec := usage.New(st, b, 4)
	stage := New(st, rt, provider, rec, b, Config{WindowSize: 20 * time.Minute, ChangeDebounce: 10 * time.Millisecond})
	return stage, st, b
}

func TestWindowBounds_AlignsToUTCEpochGrid(t *testing.T) {
	t.Parallel()
	stage, _, _ := newHarness(t, &aiproviders.FakeText{})
	// 20-minute grid: 00:07 falls inside [00:00, 00:20).
	ts := time.Date(2026, 1, 1, 0, 7, 30, 0, time.UTC)
	start, end := stage.WindowBounds(ts)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2026, 1, 1, 0, 20, 0, 0, time.UTC), end)
}

func TestProcessWindow_EmptyWindowBecomesNoData(t *testing.T) {
	t.Parallel()
	stage, st, _ := newHarness(t, &aiproviders.FakeText{})
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	require.NoError(t, st.EnsureWindow(ctx, start, end))
	cands, err := st.ScanPendingSummaries(ctx, 8, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	ok, err := st.ClaimSummary(ctx, cands[0].ID, cands[0].Attempts)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stage.ProcessWindow(ctx, cands[0].ID))

	summary, err := st.GetSummary(ctx, cands[0].ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusNoData, summary.Status)
}

func TestProcessWindow_GeneratesSummaryAndEventsForNonEmptyWindow(t *testing.T) {
	t.Parallel()
	respJSON := []byte(`{"title":"Coding session","summary":"Wrote some Go.","highlights":["wrote tests"],
		"events":[{"start_offset_ms":0,"end_offset_ms":60000,"title":"Editing stage.go","kind":"coding","confidence":0.9,"importance":0.7,"thread_id":"","node_ids":[1]}]}`)
	stage, st, b := newHarness(t, &aiproviders.FakeText{ResponseJSON: respJSON})
	ctx := context.Background()

	ch, unsub := b.Subscribe(4, bus.TopicActivityTimeline)
	defer unsub()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	_ = insertNodeInNewBatch(t, st, ctx, start.Add(time.Minute))

	require.NoError(t, st.EnsureWindow(ctx, start, end))
	cands, err := st.ScanPendingSummaries(ctx, 8, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	ok, err := st.ClaimSummary(ctx, cands[0].ID, cands[0].Attempts)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stage.ProcessWindow(ctx, cands[0].ID))

	summary, err := st.GetSummary(ctx, cands[0].ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, summary.Status)
	require.Equal(t, "Coding session", summary.Title)

	events, err := st.EventsInRange(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Editing stage.go", events[0].Title)

	select {
	case ev := <-ch:
		payload := ev.Payload.(TimelineChanged)
		require.Equal(t, int64(1), payload.Revision)
	case <-time.After(time.Second):
		t.Fatal("expected a debounced activity_timeline event")
	}
}

func TestProcessWindow_ProviderFailureMarksFailed(t *testing.T) {
	t.Parallel()
	stage, st, _ := newHarness(t, &aiproviders.FakeText{Err: context.DeadlineExceeded})
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	_ = insertNodeInNewBatch(t, st, ctx, start.Add(time.Minute))
	require.NoError(t, st.EnsureWindow(ctx, start, end))
	cands, err := st.ScanPendingSummaries(ctx, 8, 10)
	require.NoError(t, err)
	ok, err := st.ClaimSummary(ctx, cands[0].ID, cands[0].Attempts)
	require.NoError(t, err)
	require.True(t, ok)

	require.Error(t, stage.ProcessWindow(ctx, cands[0].ID))

	summary, err := st.GetSummary(ctx, cands[0].ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, summary.Status)
}

func TestProcessEventDetails_GeneratesMarkdownForLongEvent(t *testing.T) {
	t.Parallel()
	respJSON := []byte(`{"markdown":"### Long session\nDetails here."}`)
	stage, st, _ := newHarness(t, &aiproviders.FakeText{ResponseJSON: respJSON})
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	id, err := st.UpsertEvent(ctx, store.ActivityEvent{
		EventKey: "thr_abc", Title: "Long thread", Kind: "long_running",
		StartTS: start, EndTS: end, Confidence: 1, Importance: 1,
	}, 25*time.Minute)
	require.NoError(t, err)

	ok, err := st.ClaimEventDetails(ctx, id, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stage.ProcessEventDetails(ctx, id, 0))

	events, err := st.EventsInRange(ctx, start, end.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DetailsStatus)
	require.Equal(t, store.StatusSucceeded, *events[0].DetailsStatus)
	require.NotNil(t, events[0].DetailsText)
	require.Contains(t, *events[0].DetailsText, "Long session")
}
