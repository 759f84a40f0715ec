package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"screenloom/internal/bus"
	"screenloom/internal/capture"
)

// CaptureHandlers wraps C6's Scheduler for the capture.* request surface.
// Start/Stop need a context that outlives the HTTP request that triggers
// them, so the handlers run the scheduler against rootCtx (the daemon's
// own lifetime context) rather than c.Request().Context().
type CaptureHandlers struct {
	rootCtx   context.Context
	scheduler *capture.Scheduler
	bus       *bus.Bus
}

// NewCaptureHandlers builds the capture.* handler group.
func NewCaptureHandlers(rootCtx context.Context, scheduler *capture.Scheduler, b *bus.Bus) *CaptureHandlers {
	return &CaptureHandlers{rootCtx: rootCtx, scheduler: scheduler, bus: b}
}

// CaptureState is the capture.get_state response and the state_changed
// push event payload §6.1 names.
type CaptureState struct {
	Status       string `json:"status"` // running | paused | stopped
	CapturingNow bool   `json:"capturing_now"`
}

func (h *CaptureHandlers) Start(c echo.Context) error {
	h.scheduler.Start(h.rootCtx)
	return h.ok(c)
}

func (h *CaptureHandlers) Stop(c echo.Context) error {
	h.scheduler.Stop()
	return h.ok(c)
}

func (h *CaptureHandlers) Pause(c echo.Context) error {
	h.scheduler.Pause()
	return h.ok(c)
}

func (h *CaptureHandlers) Resume(c echo.Context) error {
	h.scheduler.Resume()
	return h.ok(c)
}

func (h *CaptureHandlers) GetState(c echo.Context) error {
	return writeOk(c, h.state())
}

// ok publishes the post-transition state as a push event and echoes it
// back as the call's own response, so a caller doesn't need a second
// round trip to confirm the transition took.
func (h *CaptureHandlers) ok(c echo.Context) error {
	state := h.state()
	h.bus.Publish(bus.TopicPipelineStage, state)
	return writeOk(c, state)
}

func (h *CaptureHandlers) state() CaptureState {
	status := h.scheduler.State()
	return CaptureState{Status: status, CapturingNow: status == "running"}
}
