package api

import (
	"github.com/labstack/echo/v4"

	"screenloom/internal/apperr"
	"screenloom/internal/monitoring"
)

// MonitoringHandlers wraps the §6.4 dashboard server for the
// monitoring.open_dashboard request.
type MonitoringHandlers struct {
	server *monitoring.Server
}

// NewMonitoringHandlers builds the monitoring.* handler group.
func NewMonitoringHandlers(server *monitoring.Server) *MonitoringHandlers {
	return &MonitoringHandlers{server: server}
}

type dashboardURL struct {
	URL string `json:"url"`
}

func (h *MonitoringHandlers) OpenDashboard(c echo.Context) error {
	url := h.server.URL()
	if url == "" {
		return writeErr[dashboardURL](c, apperr.Validation("monitoring_disabled", "the monitoring dashboard is disabled", nil))
	}
	return writeOk(c, dashboardURL{URL: url})
}
