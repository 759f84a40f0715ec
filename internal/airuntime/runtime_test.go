package airuntime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/bus"
)

func testConfig() Config {
	return Config{
		InitialLimit:             map[string]int{"vlm": 2, "text": 2, "embedding": 2},
		MaxLimit:                 map[string]int{"vlm": 4, "text": 4, "embedding": 4},
		SuccessStreakForIncrease: 2,
		FailureWindow:            time.Minute,
		FailureThresholdToTrip:   3,
		SemaphoreWaitAlertAfter:  time.Hour,
	}
}

func TestAcquireRespectsLimit(t *testing.T) {
	t.Parallel()
	rt := New(testConfig(), bus.New())
	ctx := context.Background()

	rel1, err := rt.Acquire(ctx, CapVLM)
	require.NoError(t, err)
	rel2, err := rt.Acquire(ctx, CapVLM)
	require.NoError(t, err)
	require.Equal(t, 2, rt.InFlight(CapVLM))

	ctxShort, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = rt.Acquire(ctxShort, CapVLM)
	require.Error(t, err, "third acquire should block past the limit and time out")

	rel1()
	rel2()
	require.Equal(t, 0, rt.InFlight(CapVLM))
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	rt := New(testConfig(), bus.New())
	release, err := rt.Acquire(context.Background(), CapText)
	require.NoError(t, err)

	release()
	release()
	require.Equal(t, 0, rt.InFlight(CapText))
}

func TestRecordSuccess_AdditiveIncrease(t *testing.T) {
	t.Parallel()
	rt := New(testConfig(), bus.New())
	require.Equal(t, 2, rt.GetLimit(CapVLM))

	rt.RecordSuccess(CapVLM)
	require.Equal(t, 2, rt.GetLimit(CapVLM), "one success short of streak")
	rt.RecordSuccess(CapVLM)
	require.Equal(t, 3, rt.GetLimit(CapVLM), "streak reached, limit grows by one")
}

func TestRecordSuccess_CappedAtMax(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.InitialLimit["vlm"] = 4
	cfg.MaxLimit["vlm"] = 4
	rt := New(cfg, bus.New())

	rt.RecordSuccess(CapVLM)
	rt.RecordSuccess(CapVLM)
	require.Equal(t, 4, rt.GetLimit(CapVLM))
}

func TestRecordFailure_MultiplicativeDecreaseFloorOne(t *testing.T) {
	t.Parallel()
	rt := New(testConfig(), bus.New())
	require.Equal(t, 2, rt.GetLimit(CapVLM))

	rt.RecordFailure(CapVLM, errors.New("boom"), false)
	require.Equal(t, 1, rt.GetLimit(CapVLM))

	rt.RecordFailure(CapVLM, errors.New("boom"), false)
	require.Equal(t, 1, rt.GetLimit(CapVLM), "limit floors at 1")
}

func TestRecordFailure_TripsBreakerAfterThreshold(t *testing.T) {
	t.Parallel()
	rt := New(testConfig(), bus.New())

	for i := 0; i < 2; i++ {
		rt.RecordFailure(CapVLM, errors.New("boom"), true)
	}
	_, err := rt.Acquire(context.Background(), CapVLM)
	require.NoError(t, err, "breaker should still be closed before threshold")

	rt.RecordFailure(CapVLM, errors.New("boom"), true)
	_, err = rt.Acquire(context.Background(), CapVLM)
	require.Error(t, err)
	var breakerErr ErrBreakerOpen
	require.ErrorAs(t, err, &breakerErr)
}

func TestAllowProbe_AdmitsSingleHalfOpenCall(t *testing.T) {
	t.Parallel()
	rt := New(testConfig(), bus.New())
	for i := 0; i < 3; i++ {
		rt.RecordFailure(CapVLM, errors.New("boom"), true)
	}
	_, err := rt.Acquire(context.Background(), CapVLM)
	require.Error(t, err, "breaker open, acquire denied")

	require.False(t, rt.AllowProbe(CapVLM, time.Minute, time.Now()), "probe interval not elapsed")
	require.True(t, rt.AllowProbe(CapVLM, 0, time.Now().Add(-time.Hour)))

	release, err := rt.Acquire(context.Background(), CapVLM)
	require.NoError(t, err, "half-open state admits the probe")
	release()

	rt.RecordSuccess(CapVLM)
	_, err = rt.Acquire(context.Background(), CapVLM)
	require.NoError(t, err, "successful probe closes the breaker")
}

func TestRecordFailure_PublishesAIErrorEvent(t *testing.T) {
	t.Parallel()
	b := bus.New()
	ch, unsub := b.Subscribe(4, bus.TopicAIError)
	defer unsub()

	rt := New(testConfig(), b)
	rt.RecordFailure(CapText, errors.New("timeout"), false)

	select {
	case evt := <-ch:
		ev, ok := evt.Payload.(AIErrorEvent)
		require.True(t, ok)
		require.Equal(t, CapText, ev.Capability)
	case <-time.After(time.Second):
		t.Fatal("expected ai_error event")
	}
}
