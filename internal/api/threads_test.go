package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"screenloom/internal/store"
)

func newTestThreadHandlers(t *testing.T) (*ThreadHandlers, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewThreadHandlers(st), st
}

func seedThread(t *testing.T, st *store.Store, id, status string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.UpsertThread(context.Background(), store.Thread{
		ID: id, Title: "t-" + id, Summary: "s", CurrentFocus: "focus", CurrentPhase: "phase",
		Status: status, StartTime: now, LastActiveAt: now,
	}))
}

func TestThreadHandlers_GetLensStateListsActiveAndPinned(t *testing.T) {
	h, st := newTestThreadHandlers(t)
	seedThread(t, st, "t1", "active")
	require.NoError(t, st.PinThread(context.Background(), "t1", true))

	e := echo.New()
	rec := doJSON(t, e, h.GetLensState, "{}")
	require.Contains(t, rec.Body.String(), `"t1"`)
}

func TestThreadHandlers_GetActiveCandidatesExcludesPinned(t *testing.T) {
	h, st := newTestThreadHandlers(t)
	seedThread(t, st, "pinned", "active")
	seedThread(t, st, "free", "active")
	require.NoError(t, st.PinThread(context.Background(), "pinned", true))

	e := echo.New()
	rec := doJSON(t, e, h.GetActiveCandidates, "{}")
	require.Contains(t, rec.Body.String(), `"free"`)
	require.NotContains(t, rec.Body.String(), `"pinned"`)
}

func TestThreadHandlers_PinThenUnpin(t *testing.T) {
	h, st := newTestThreadHandlers(t)
	seedThread(t, st, "t1", "active")
	e := echo.New()

	rec := doJSON(t, e, h.Pin, `{"thread_id":"t1"}`)
	require.Contains(t, rec.Body.String(), `"pinned":true`)

	rec = doJSON(t, e, h.Unpin, `{"thread_id":"t1"}`)
	require.Contains(t, rec.Body.String(), `"pinned":false`)
}

func TestThreadHandlers_MarkInactive(t *testing.T) {
	h, st := newTestThreadHandlers(t)
	seedThread(t, st, "t1", "active")
	e := echo.New()

	rec := doJSON(t, e, h.MarkInactive, `{"thread_id":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	th, err := st.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "inactive", th.Status)
}

func TestThreadHandlers_GetBriefCombinesFocusAndPhase(t *testing.T) {
	h, st := newTestThreadHandlers(t)
	seedThread(t, st, "t1", "active")
	e := echo.New()

	rec := doJSON(t, e, h.GetBrief, `{"thread_id":"t1"}`)
	require.Contains(t, rec.Body.String(), "focus (phase)")
}

func TestThreadHandlers_GetUnknownThreadReturnsError(t *testing.T) {
	h, _ := newTestThreadHandlers(t)
	e := echo.New()
	rec := doJSON(t, e, h.Get, `{"thread_id":"nope"}`)
	require.NotEqual(t, http.StatusOK, rec.Code)
}
