package api

import "github.com/labstack/echo/v4"

// Handlers bundles every §6.1 handler group the daemon wires at startup.
type Handlers struct {
	Capture    *CaptureHandlers
	Context    *ContextHandlers
	Activity   *ActivityHandlers
	Threads    *ThreadHandlers
	Monitoring *MonitoringHandlers
}

// RegisterRoutes mounts the request/response surface under /api, one
// sub-group per concern, mirroring the teacher's registerAPIEndpoints /
// registerXEndpoints grouping.
func RegisterRoutes(e *echo.Echo, h Handlers) {
	api := e.Group("/api")
	registerCaptureEndpoints(api, h.Capture)
	registerContextEndpoints(api, h.Context)
	registerActivityEndpoints(api, h.Activity)
	registerThreadEndpoints(api, h.Threads)
	registerMonitoringEndpoints(api, h.Monitoring)
}

func registerCaptureEndpoints(api *echo.Group, h *CaptureHandlers) {
	g := api.Group("/capture")
	g.POST("/start", h.Start)
	g.POST("/stop", h.Stop)
	g.POST("/pause", h.Pause)
	g.POST("/resume", h.Resume)
	g.POST("/get_state", h.GetState)
}

func registerContextEndpoints(api *echo.Group, h *ContextHandlers) {
	g := api.Group("/context")
	g.POST("/search", h.Search)
	g.POST("/search_cancel", h.SearchCancel)
	g.POST("/get_thread", h.GetThread)
	g.POST("/get_evidence", h.GetEvidence)
}

func registerActivityEndpoints(api *echo.Group, h *ActivityHandlers) {
	g := api.Group("/activity")
	g.POST("/get_timeline", h.GetTimeline)
	g.POST("/get_summary", h.GetSummary)
	g.POST("/get_event_details", h.GetEventDetails)
	g.POST("/regenerate_summary", h.RegenerateSummary)
}

func registerThreadEndpoints(api *echo.Group, h *ThreadHandlers) {
	g := api.Group("/threads")
	g.POST("/get_lens_state", h.GetLensState)
	g.POST("/get_active_candidates", h.GetActiveCandidates)
	g.POST("/pin", h.Pin)
	g.POST("/unpin", h.Unpin)
	g.POST("/mark_inactive", h.MarkInactive)
	g.POST("/list", h.List)
	g.POST("/get", h.Get)
	g.POST("/get_brief", h.GetBrief)
}

func registerMonitoringEndpoints(api *echo.Group, h *MonitoringHandlers) {
	g := api.Group("/monitoring")
	g.POST("/open_dashboard", h.OpenDashboard)
}
