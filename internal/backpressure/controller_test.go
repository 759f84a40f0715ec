package backpressure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"screenloom/internal/bus"
	"screenloom/internal/capture"
	"screenloom/internal/store"
)

func testThresholds() Thresholds {
	return Thresholds{Warning: 20, Hot: 60, Critical: 150, HysteresisFloor: 10}
}

func TestNextLevel_StepsUpDirectlyToMatchingRung(t *testing.T) {
	t.Parallel()
	th := testThresholds()
	require.Equal(t, LevelHealthy, nextLevel(LevelHealthy, 5, th))
	require.Equal(t, LevelWarning, nextLevel(LevelHealthy, 25, th))
	require.Equal(t, LevelHot, nextLevel(LevelHealthy, 65, th))
	require.Equal(t, LevelCritical, nextLevel(LevelHealthy, 200, th))
}

func TestNextLevel_StepsDownOneRungAtATimeWithHysteresis(t *testing.T) {
	t.Parallel()
	th := testThresholds()

	// Critical with backlog just under Hot's floor but still above the
	// hysteresis margin: must not drop straight to healthy.
	require.Equal(t, LevelCritical, nextLevel(LevelCritical, 55, th))
	require.Equal(t, LevelHot, nextLevel(LevelCritical, 45, th))

	require.Equal(t, LevelHot, nextLevel(LevelHot, 15, th))
	require.Equal(t, LevelWarning, nextLevel(LevelHot, 5, th))

	require.Equal(t, LevelWarning, nextLevel(LevelWarning, 10, th))
	require.Equal(t, LevelHealthy, nextLevel(LevelWarning, 5, th))
}

func TestApply_RetunesSchedulerAndPublishesOnChange(t *testing.T) {
	t.Parallel()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	ch, unsub := b.Subscribe(4, bus.TopicActivityAlert)
	defer unsub()

	sched := capture.New(st, b, 0, t.TempDir(), nil)
	ctrl := New(st, b, sched, testThresholds())

	ctrl.apply(25) // healthy -> warning
	require.Equal(t, LevelWarning, ctrl.Level())

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(LevelChanged)
		require.True(t, ok)
		require.Equal(t, LevelHealthy, change.From)
		require.Equal(t, LevelWarning, change.To)
	default:
		t.Fatal("expected a level-changed event")
	}
}

func TestApply_NoEventWhenLevelUnchanged(t *testing.T) {
	t.Parallel()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	ch, unsub := b.Subscribe(4, bus.TopicActivityAlert)
	defer unsub()

	sched := capture.New(st, b, 0, t.TempDir(), nil)
	ctrl := New(st, b, sched, testThresholds())

	ctrl.apply(5) // stays healthy
	select {
	case <-ch:
		t.Fatal("no level change expected")
	default:
	}
}
