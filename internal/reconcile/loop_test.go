package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/airuntime"
	"screenloom/internal/bus"
	"screenloom/internal/config"
	"screenloom/internal/store"
)

func runtimeConfig() airuntime.Config {
	return airuntime.Config{
		InitialLimit:             map[string]int{"vlm": 4, "text": 3, "embedding": 6},
		MaxLimit:                 map[string]int{"vlm": 8, "text": 8, "embedding": 8},
		SuccessStreakForIncrease: 2,
		FailureWindow:            time.Minute,
		FailureThresholdToTrip:   3,
	}
}

func reconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		StaleRunningThreshold: 5 * time.Minute,
		ScanLimitMin:          20,
		ScanLimitMax:          200,
		MaxAttempts:           8,
		BackoffSchedule:       []time.Duration{time.Second, 5 * time.Second},
		BackoffJitter:         time.Second,
		IdleScanInterval:      30 * time.Second,
		BatchPoolMin:          1,
		BatchPoolMax:          4,
		BatchTimeout:          20 * time.Second,
	}
}

func newTestLoop(t *testing.T) (*Loop, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := bus.New()
	rt := airuntime.New(runtimeConfig(), b)
	l := New(st, b, rt, Stages{}, reconcileConfig())
	return l, st
}

func TestPoolSizing_DerivesFromLiveRuntimeLimits(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)

	// vlm limit 4 -> ceil(4/2) = 2, within [1,4].
	require.Equal(t, 2, l.batchPoolSize())
	// text limit 3 -> clamp(3, 1, 8) = 3.
	require.Equal(t, 3, l.mergePoolSize())
	// embedding limit 6 -> clamp(6, 1, 8) = 6.
	require.Equal(t, 6, l.embedPoolSize())
	// index pool is always 1 regardless of any limit.
	require.Equal(t, 1, l.indexPoolSize())
	// text limit 3 -> clamp(3, 1, 4) = 3.
	require.Equal(t, 3, l.summaryPoolSize())
	// ocr has no capability limit to derive from; always a single worker.
	require.Equal(t, 1, l.ocrPoolSize())
}

func TestComputeNextWake_ZeroWhenOCRIsImmediatelyEligible(t *testing.T) {
	t.Parallel()
	l, st := newTestLoop(t)
	ctx := context.Background()

	id, err := st.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: "/tmp/x.png",
		Width: 10, Height: 10, ByteSize: 1, MIME: "image/png",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetOCREligible(ctx, id, `{"x":0,"y":0,"w":0,"h":0}`))

	require.Equal(t, time.Duration(0), l.computeNextWake(ctx), "an eligible pending ocr row means wake immediately")
}

func TestBatchPoolSize_ClampsToConfiguredRange(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)

	l.cfg.BatchPoolMax = 1
	require.Equal(t, 1, l.batchPoolSize(), "clamped down to configured max")

	l.cfg.BatchPoolMax = 4
	l.cfg.BatchPoolMin = 10
	require.Equal(t, 10, l.batchPoolSize(), "clamped up to configured min")
}

func TestCapLimit_DefaultsWhenRuntimeNil(t *testing.T) {
	t.Parallel()
	l := &Loop{cfg: reconcileConfig()}
	require.Equal(t, 2, l.capLimit(airuntime.CapVLM))
}

func TestScanLimit_ClampsToMinAndMax(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)

	l.cfg.ScanLimitMin = 1000
	require.Equal(t, 1000, l.scanLimit(), "clamped up to configured min")

	l.cfg.ScanLimitMin = 0
	l.cfg.ScanLimitMax = 5
	require.Equal(t, 5, l.scanLimit(), "clamped down to configured max")
}

func TestClamp(t *testing.T) {
	t.Parallel()
	require.Equal(t, 3, clamp(3, 1, 8))
	require.Equal(t, 1, clamp(0, 1, 8))
	require.Equal(t, 8, clamp(100, 1, 8))
}

func TestStartStop_IsIdempotentAndClean(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Start(ctx)
	l.Start(ctx) // second Start is a no-op
	time.Sleep(10 * time.Millisecond)
	l.Stop()
	l.Stop() // second Stop is a no-op
}

func TestWake_CoalescesIntoSingleRerunWhenTickInFlight(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)

	l.mu.Lock()
	l.wakeCh = make(chan struct{}, 1)
	l.inTick = true
	l.mu.Unlock()

	l.Wake()
	l.Wake()
	l.Wake()

	l.mu.Lock()
	requested := l.wakeRequested
	l.mu.Unlock()
	require.True(t, requested, "repeated wakes during a tick coalesce into one pending re-run")

	select {
	case <-l.wakeCh:
		t.Fatal("wakeCh should not receive while a tick is in flight")
	default:
	}
}

func TestWake_NoopBeforeStart(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)
	l.Wake() // wakeCh is nil until Start; must not panic or block
}

func TestComputeNextWake_ZeroWhenWorkIsImmediatelyEligible(t *testing.T) {
	t.Parallel()
	l, st := newTestLoop(t)
	ctx := context.Background()

	_, err := st.InsertScreenshot(ctx, store.Screenshot{
		CapturedAt: time.Now(), SourceKey: "screen:1", PHash: "abc", FilePath: "/tmp/x.png",
		Width: 10, Height: 10, ByteSize: 1, MIME: "image/png",
	})
	require.NoError(t, err)
	now := time.Now()
	_, err = st.InsertBatch(ctx, store.Batch{BatchID: "b1", SourceKey: "screen:1", TSStart: now, TSEnd: now})
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), l.computeNextWake(ctx), "an eligible pending batch means wake immediately")
}

func TestComputeNextWake_CapsAtIdleScanIntervalWhenNothingPending(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t)
	ctx := context.Background()

	l.cfg.IdleScanInterval = 50 * time.Millisecond
	wait := l.computeNextWake(ctx)
	require.LessOrEqual(t, wait, l.cfg.IdleScanInterval)
	require.GreaterOrEqual(t, wait, time.Duration(0))
}

func TestRunPool_IsolatesPanickingWorkerFromTheRest(t *testing.T) {
	t.Parallel()
	candidates := []store.ClaimCandidate{{ID: 1}, {ID: 2}, {ID: 3}}
	processed := make(chan int64, len(candidates))

	runPool(context.Background(), candidates, 2, func(c store.ClaimCandidate) {
		if c.ID == 2 {
			panic("boom")
		}
		processed <- c.ID
	})
	close(processed)

	var got []int64
	for id := range processed {
		got = append(got, id)
	}
	require.ElementsMatch(t, []int64{1, 3}, got, "a panicking worker must not prevent the others from running")
}

func TestRunPool_ZeroOrNegativePoolSizeStillRunsWithOneWorker(t *testing.T) {
	t.Parallel()
	candidates := []store.ClaimCandidate{{ID: 1}, {ID: 2}}
	var n int
	runPool(context.Background(), candidates, 0, func(store.ClaimCandidate) { n++ })
	require.Equal(t, 2, n)
}
