package ocr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/aiproviders"
	"screenloom/internal/bus"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

func newHarness(t *testing.T) (*store.Store, *usage.Recorder) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := bus.New()
	return st, usage.New(st, b, 4)
}

func TestProcess_SuccessDeletesFileAndRecordsText(t *testing.T) {
	t.Parallel()
	st, rec := newHarness(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))

	id, err := st.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: path,
		Width: 10, Height: 10, ByteSize: 3, MIME: "image/png",
	})
	require.NoError(t, err)

	stage := New(st, &aiproviders.FakeOCR{Text: "recognized text"}, rec, Config{Timeout: time.Second})
	require.NoError(t, stage.Process(ctx, id))

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "file should be deleted after ocr")

	shots, err := st.ScreenshotsForBatch(ctx, []int64{id})
	require.NoError(t, err)
	require.Equal(t, "recognized text", shots[0].OCRText)
	require.Equal(t, store.StatusSucceeded, shots[0].OCRStatus)
	require.Equal(t, "deleted", shots[0].StorageState)
}

func TestProcess_LoadsPersistedRegionFromEligibilitySetter(t *testing.T) {
	t.Parallel()
	st, rec := newHarness(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))

	id, err := st.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: path,
		Width: 10, Height: 10, ByteSize: 3, MIME: "image/png",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetOCREligible(ctx, id, `{"x":1,"y":2,"w":3,"h":4}`))

	engine := &aiproviders.FakeOCR{Text: "recognized text"}
	stage := New(st, engine, rec, Config{Timeout: time.Second})
	require.NoError(t, stage.Process(ctx, id))

	require.Equal(t, 1, engine.LastRegion.X)
	require.Equal(t, 2, engine.LastRegion.Y)
	require.Equal(t, 3, engine.LastRegion.W)
	require.Equal(t, 4, engine.LastRegion.H)
}

func TestProcess_MissingFileFailsWithoutCallingEngine(t *testing.T) {
	t.Parallel()
	st, rec := newHarness(t)
	ctx := context.Background()

	id, err := st.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: "/does/not/exist.png",
		Width: 10, Height: 10, ByteSize: 3, MIME: "image/png",
	})
	require.NoError(t, err)

	stage := New(st, &aiproviders.FakeOCR{Err: context.DeadlineExceeded}, rec, Config{Timeout: time.Second})
	err = stage.Process(ctx, id)
	require.Error(t, err)

	shots, serr := st.ScreenshotsForBatch(ctx, []int64{id})
	require.NoError(t, serr)
	require.Equal(t, store.StatusFailed, shots[0].OCRStatus)
}
