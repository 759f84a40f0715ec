package embed

import (
	"context"
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

func newHarness(t *testing.T) (*store.Store, *airuntime.Runtime, *usage.Recorder) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := bus.New()
	return st, airuntime.New(runtimeConfig(), b), usage.New(st, b, 4)
}

func TestProcessEmbedding_Success(t *testing.T) {
	t.Parallel()
	st, rt, rec := newHarness(t)
	ctx := context.Background()

	docID, err := st.UpsertVectorDocument(ctx, store.VectorDocument{VectorID: "node:1", RefID: 1, DocType: "event", TextContent: "hello world", TextHash: "h1"})
	require.NoError(t, err)

	stage := New(st, rt, &aiproviders.FakeEmbedding{Dimensions: 4}, nil, rec, Config{Timeout: time.Second})
	require.NoError(t, stage.ProcessEmbedding(ctx, docID))

	doc, err := st.GetVectorDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, doc.EmbeddingStatus)
	require.Equal(t, store.StatusPending, doc.IndexStatus)
	require.Len(t, decodeVector(doc.Embedding), 4)
}

func TestProcessEmbedding_ProviderFailureMarksFailed(t *testing.T) {
	t.Parallel()
	st, rt, rec := newHarness(t)
	ctx := context.Background()

	docID, err := st.UpsertVectorDocument(ctx, store.VectorDocument{VectorID: "node:2", RefID: 2, DocType: "event", TextContent: "x", TextHash: "h2"})
	require.NoError(t, err)

	stage := New(st, rt, &aiproviders.FakeEmbedding{Err: context.DeadlineExceeded}, nil, rec, Config{Timeout: time.Second})
	require.Error(t, stage.ProcessEmbedding(ctx, docID))

	doc, err := st.GetVectorDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, doc.EmbeddingStatus)
}

func TestEncodeDecodeVector_RoundTrips(t *testing.T) {
	t.Parallel()
	v := []float32{1.5, -2.25, 0, 100.125}
	require.Equal(t, v, decodeVector(encodeVector(v)))
}
