package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/bus"
	"screenloom/internal/store"
)

func solidPNG(t *testing.T, c color.Color, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// splitPNG renders the left half black and the right half white. A solid
// image of any colour average-hashes to all ones, so a frame whose hash is
// far from a solid frame's needs luminance that varies across the grid.
func splitPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestScheduler(t *testing.T, sources []CaptureSource) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s := New(st, bus.New(), 50*time.Millisecond, t.TempDir(), sources)
	return s, st
}

func TestTick_AcceptsDistinctFramesRejectsDuplicates(t *testing.T) {
	t.Parallel()
	black := solidPNG(t, color.Black, 16, 16)
	split := splitPNG(t, 16, 16)
	src := NewFakeSource("screen:1", []Frame{
		{Bytes: black, Width: 16, Height: 16, MIME: "image/png"},
		{Bytes: black, Width: 16, Height: 16, MIME: "image/png"},
		{Bytes: split, Width: 16, Height: 16, MIME: "image/png"},
	})
	s, st := newTestScheduler(t, []CaptureSource{src})

	ctx := context.Background()
	s.tick(ctx) // black accepted
	s.tick(ctx) // black again, duplicate, rejected
	s.tick(ctx) // half black, half white, distant hash, accepted

	rows, err := st.RecentBySource(ctx, "screen:1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "duplicate frame must not produce a second row")
}

func TestPauseStopsAcceptance(t *testing.T) {
	t.Parallel()
	black := solidPNG(t, color.Black, 16, 16)
	src := NewFakeSource("screen:1", []Frame{{Bytes: black, Width: 16, Height: 16, MIME: "image/png"}})
	s, st := newTestScheduler(t, []CaptureSource{src})

	s.Pause()
	s.tick(context.Background())

	rows, err := st.RecentBySource(context.Background(), "screen:1", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestApplySettings_ChangesThresholdLiveForNextTick(t *testing.T) {
	t.Parallel()
	black := solidPNG(t, color.Black, 16, 16)
	// A slightly different shade should fall inside a generous threshold.
	greyish := solidPNG(t, color.RGBA{R: 10, G: 10, B: 10, A: 255}, 16, 16)
	src := NewFakeSource("screen:1", []Frame{
		{Bytes: black, Width: 16, Height: 16, MIME: "image/png"},
		{Bytes: greyish, Width: 16, Height: 16, MIME: "image/png"},
	})
	s, st := newTestScheduler(t, []CaptureSource{src})

	s.ApplySettings(Settings{IntervalMultiplier: 1, PhashThreshold: 64})
	s.tick(context.Background())
	s.tick(context.Background())

	rows, err := st.RecentBySource(context.Background(), "screen:1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "threshold 64 rejects every hash within distance 64, so the near-identical frame is rejected")
}

func TestStartStop_IsIdempotentAndClean(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	s.Stop() // second Stop is a no-op
}
