package monitoring

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenloom/internal/bus"
	"screenloom/internal/config"
)

func TestServer_DisabledStartIsNoop(t *testing.T) {
	s := New(bus.New(), config.MonitorConfig{Enabled: false}, nil)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, "", s.URL())
}

func TestServer_StartBindsLoopbackAndServesDashboard(t *testing.T) {
	s := New(bus.New(), config.MonitorConfig{Enabled: true, PortRangeFrom: 39001, PortRangeTo: 39050}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NotEmpty(t, s.URL())

	resp, err := http.Get(s.URL())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "screenloom")
}

func TestServer_EventsStreamSendsSnapshotOnConnect(t *testing.T) {
	b := bus.New()
	snapshot := func() []Message { return []Message{{Type: "init", Data: "hello"}} }
	s := New(b, config.MonitorConfig{Enabled: true, PortRangeFrom: 39101, PortRangeTo: 39150}, snapshot)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL()+"monitoring/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	require.Contains(t, string(buf[:n]), "hello")

	b.Publish(bus.TopicQueueStatus, "queued")
}
