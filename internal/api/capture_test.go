package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"screenloom/internal/bus"
	"screenloom/internal/capture"
	"screenloom/internal/store"
)

func newTestCaptureHandlers(t *testing.T) (*CaptureHandlers, *bus.Bus) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	sched := capture.New(st, b, 0, t.TempDir(), nil)
	t.Cleanup(sched.Stop)
	return NewCaptureHandlers(context.Background(), sched, b), b
}

func doJSON(t *testing.T, e *echo.Echo, handler echo.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, handler(c))
	return rec
}

func TestCaptureHandlers_StartThenGetStateReportsRunning(t *testing.T) {
	h, _ := newTestCaptureHandlers(t)
	e := echo.New()

	rec := doJSON(t, e, h.Start, "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = doJSON(t, e, h.GetState, "{}")
	require.Contains(t, rec.Body.String(), `"capturing_now":true`)
}

func TestCaptureHandlers_PauseReportsPaused(t *testing.T) {
	h, _ := newTestCaptureHandlers(t)
	e := echo.New()

	doJSON(t, e, h.Start, "{}")
	rec := doJSON(t, e, h.Pause, "{}")
	require.Contains(t, rec.Body.String(), `"status":"paused"`)
}

func TestCaptureHandlers_GetStateBeforeStartReportsStopped(t *testing.T) {
	h, _ := newTestCaptureHandlers(t)
	e := echo.New()

	rec := doJSON(t, e, h.GetState, "{}")
	require.Contains(t, rec.Body.String(), `"status":"stopped"`)
}
