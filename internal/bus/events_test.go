package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToMatchingTopic(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TopicAIError)
	defer unsub()

	b.Publish(TopicMetrics, "ignored")
	b.Publish(TopicAIError, "boom")

	select {
	case evt := <-ch:
		require.Equal(t, TopicAIError, evt.Topic)
		require.Equal(t, "boom", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected event, got none")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestBus_SubscribeAllTopics(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(TopicMetrics, 1)
	b.Publish(TopicQueueStatus, 2)

	first := <-ch
	second := <-ch
	require.Equal(t, TopicMetrics, first.Topic)
	require.Equal(t, TopicQueueStatus, second.Topic)
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2, TopicMetrics)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicMetrics, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// drain whatever made it through; latest-wins means we only see the tail
	last := -1
	for {
		select {
		case evt := <-ch:
			last = evt.Payload.(int)
		default:
			require.GreaterOrEqual(t, last, 0)
			return
		}
	}
}

func TestTruncatePreview(t *testing.T) {
	t.Parallel()
	short := "hello"
	require.Equal(t, short, TruncatePreview(short, 10))

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	truncated := TruncatePreview(string(long), 10)
	require.Len(t, truncated, 10+len("…[truncated]"))
}
