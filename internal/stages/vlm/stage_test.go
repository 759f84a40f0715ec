package vlm

import (
	"context"
	"os"
	"path/filepath"
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

type testHarness struct {
	store *store.Store
	rt    *airuntime.Runtime
	bus   *bus.Bus
	rec   *usage.Recorder
}

func newHarness(t *testing.T) testHarness {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := bus.New()
	return testHarness{store: st, rt: airuntime.New(runtimeConfig(), b), bus: b, rec: usage.New(st, b, 4)}
}

func insertImageFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("fake-png-bytes"), 0o644))
	return path
}

func insertTestBatch(t *testing.T, st *store.Store, dir string) (store.Batch, []store.Screenshot) {
	t.Helper()
	ctx := context.Background()
	var shotIDs []int64
	var shots []store.Screenshot
	for i := 0; i < 2; i++ {
		path := insertImageFile(t, dir, "shot"+string(rune('a'+i))+".png")
		id, err := st.InsertScreenshot(ctx, store.Screenshot{
			CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: path,
			Width: 10, Height: 10, ByteSize: 100, MIME: "image/png",
		})
		require.NoError(t, err)
		shotIDs = append(shotIDs, id)
		shots = append(shots, store.Screenshot{ID: id, FilePath: path, MIME: "image/png"})
	}

	batchRowID, err := st.InsertBatch(ctx, store.Batch{
		BatchID: "b1", SourceKey: "screen:1", ScreenshotIDs: shotIDs,
		TSStart: time.Now(), TSEnd: time.Now(), HistoryPack: "{}",
	})
	require.NoError(t, err)
	batch, err := st.GetBatch(ctx, batchRowID)
	require.NoError(t, err)
	return batch, shots
}

func TestProcess_SuccessAppliesAnnotationsAndMarksBatchSucceeded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dir := t.TempDir()
	batch, shots := insertTestBatch(t, h.store, dir)

	fake := &aiproviders.FakeVLM{Response: aiproviders.VLMResponse{
		Segments: []aiproviders.VLMSegment{
			{ScreenshotIDs: []int64{shots[0].ID, shots[1].ID}, Title: "Debugging", Summary: "Fixed a bug", Confidence: 0.9, Importance: 0.5},
		},
		Entities: []string{"repo-x"},
		Screenshots: []aiproviders.VLMScreenshotNote{
			{ScreenshotID: shots[0].ID, AppGuess: &aiproviders.AppGuess{Name: "Terminal", Confidence: 0.9}, OCRText: "hello"},
			{ScreenshotID: shots[1].ID, AppGuess: &aiproviders.AppGuess{Name: "Browser", Confidence: 0.2}},
		},
	}}
	stage := New(h.store, h.rt, fake, h.rec, h.bus, Config{Timeout: time.Second})

	err := stage.Process(context.Background(), batch.ID)
	require.NoError(t, err)

	got, err := h.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, got.Status)
	require.NotNil(t, got.IndexJSON)

	updated, err := h.store.ScreenshotsForBatch(context.Background(), []int64{shots[0].ID, shots[1].ID})
	require.NoError(t, err)
	require.Equal(t, "Terminal", updated[0].AppHint, "confidence >= 0.7 fills app_hint")
	require.Empty(t, updated[1].AppHint, "confidence below 0.7 leaves app_hint unset")
	require.Equal(t, store.StatusSucceeded, updated[0].VLMStatus)
}

func TestProcess_KnowledgeWithSupportedLanguageAndRegionArmsOCR(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dir := t.TempDir()
	batch, shots := insertTestBatch(t, h.store, dir)

	fake := &aiproviders.FakeVLM{Response: aiproviders.VLMResponse{
		Segments: []aiproviders.VLMSegment{
			{
				ScreenshotIDs: []int64{shots[0].ID},
				Title:         "Reading docs",
				Summary:       "Looked at API reference",
				Knowledge: []aiproviders.KnowledgeItem{
					{DerivedItem: aiproviders.DerivedItem{Title: "endpoint", Summary: "GET /v1/x"}, Language: "en", Region: &aiproviders.RegionHint{X: 1, Y: 2, W: 3, H: 4}},
				},
			},
		},
	}}
	cfg := Config{Timeout: time.Second, SupportedLanguages: map[string]struct{}{"en": {}}}
	stage := New(h.store, h.rt, fake, h.rec, h.bus, cfg)

	require.NoError(t, stage.Process(context.Background(), batch.ID))

	updated, err := h.store.ScreenshotsForBatch(context.Background(), []int64{shots[0].ID})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, updated[0].OCRStatus)
	require.NotNil(t, updated[0].OCRRegion)
	require.JSONEq(t, `{"x":1,"y":2,"w":3,"h":4}`, *updated[0].OCRRegion)
}

func TestProcess_KnowledgeWithUnsupportedLanguageLeavesOCRUnset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dir := t.TempDir()
	batch, shots := insertTestBatch(t, h.store, dir)

	fake := &aiproviders.FakeVLM{Response: aiproviders.VLMResponse{
		Segments: []aiproviders.VLMSegment{
			{
				ScreenshotIDs: []int64{shots[0].ID},
				Title:         "Reading docs",
				Summary:       "Looked at API reference",
				Knowledge: []aiproviders.KnowledgeItem{
					{DerivedItem: aiproviders.DerivedItem{Title: "endpoint", Summary: "GET /v1/x"}, Language: "fr", Region: &aiproviders.RegionHint{X: 1, Y: 2, W: 3, H: 4}},
				},
			},
		},
	}}
	cfg := Config{Timeout: time.Second, SupportedLanguages: map[string]struct{}{"en": {}}}
	stage := New(h.store, h.rt, fake, h.rec, h.bus, cfg)

	require.NoError(t, stage.Process(context.Background(), batch.ID))

	updated, err := h.store.ScreenshotsForBatch(context.Background(), []int64{shots[0].ID})
	require.NoError(t, err)
	require.Empty(t, updated[0].OCRStatus)
}

func TestProcess_AllImagesMissingFailsWithoutCallingProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.store.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: "/does/not/exist.png",
		Width: 10, Height: 10, ByteSize: 100, MIME: "image/png",
	})
	require.NoError(t, err)
	batchRowID, err := h.store.InsertBatch(ctx, store.Batch{
		BatchID: "b2", SourceKey: "screen:1", ScreenshotIDs: []int64{id}, TSStart: time.Now(), TSEnd: time.Now(), HistoryPack: "{}",
	})
	require.NoError(t, err)
	batch, err := h.store.GetBatch(ctx, batchRowID)
	require.NoError(t, err)

	fake := &aiproviders.FakeVLM{Err: nil}
	stage := New(h.store, h.rt, fake, h.rec, h.bus, Config{Timeout: time.Second})

	err = stage.Process(ctx, batch.ID)
	require.Error(t, err)

	got, gerr := h.store.GetBatch(ctx, batch.ID)
	require.NoError(t, gerr)
	require.Equal(t, store.StatusFailed, got.Status)
}

func TestProcess_ProviderFailureMarksBatchAndScreenshotsFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dir := t.TempDir()
	batch, _ := insertTestBatch(t, h.store, dir)

	fake := &aiproviders.FakeVLM{Err: context.DeadlineExceeded}
	stage := New(h.store, h.rt, fake, h.rec, h.bus, Config{Timeout: time.Second})

	err := stage.Process(context.Background(), batch.ID)
	require.Error(t, err)

	got, gerr := h.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, gerr)
	require.Equal(t, store.StatusFailed, got.Status)
	require.NotEmpty(t, got.Error)
}
