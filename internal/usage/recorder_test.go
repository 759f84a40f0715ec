package usage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/bus"
	"screenloom/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, bus.New(), 4), st
}

func TestRecordCall_PersistsAndAggregates(t *testing.T) {
	t.Parallel()
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.RecordCall(ctx, Call{
		Capability: "vlm", Operation: "describe_batch", Model: "claude-sonnet-4-5", Provider: "anthropic",
		InputTokens: 100, OutputTokens: 50, Status: "succeeded",
		ResponseJSON: json.RawMessage(`{"segments":[]}`),
	}))

	totals, err := r.Totals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	require.Equal(t, "vlm", totals[0].Capability)
	require.Equal(t, int64(1), totals[0].Requests)
	require.Equal(t, int64(100), totals[0].InputTokens)
}

func TestRecordCall_RedactsSecretsInTrace(t *testing.T) {
	t.Parallel()
	r, _ := newTestRecorder(t)

	require.NoError(t, r.RecordCall(context.Background(), Call{
		Capability: "vlm", Operation: "describe_batch", Status: "succeeded",
		RequestJSON: json.RawMessage(`{"api_key":"sk-super-secret","prompt":"hi"}`),
	}))

	traces := r.RecentTraces(1)
	require.Len(t, traces, 1)
	require.NotContains(t, traces[0].RequestPreview, "sk-super-secret")
	require.Contains(t, traces[0].RequestPreview, "REDACTED")
}

func TestRecordCall_TruncatesOversizedPreview(t *testing.T) {
	t.Parallel()
	r, _ := newTestRecorder(t)

	big := make([]byte, bus.MaxResponsePreviewBytes*2)
	for i := range big {
		big[i] = 'x'
	}
	payload, err := json.Marshal(map[string]string{"text": string(big)})
	require.NoError(t, err)

	require.NoError(t, r.RecordCall(context.Background(), Call{
		Capability: "text", Status: "succeeded", ResponseJSON: payload,
	}))

	traces := r.RecentTraces(1)
	require.LessOrEqual(t, len(traces[0].ResponsePreview), bus.MaxResponsePreviewBytes+len("…[truncated]"))
}

func TestRecentTraces_RingCapacity(t *testing.T) {
	t.Parallel()
	r, _ := newTestRecorder(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordCall(context.Background(), Call{Capability: "embedding", Status: "succeeded"}))
	}
	require.Len(t, r.RecentTraces(100), 4)
	_ = time.Now()
}
