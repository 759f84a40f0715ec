package api

import (
	"time"

	"github.com/labstack/echo/v4"

	"screenloom/internal/apperr"
	"screenloom/internal/stages/activity"
	"screenloom/internal/store"
)

// ActivityHandlers wraps C14's Stage and its store accessors for the
// activity.* request surface: timeline listing, per-window summaries, and
// the two on-demand generation paths (event details, summary regen).
type ActivityHandlers struct {
	store *store.Store
	stage *activity.Stage
}

// NewActivityHandlers builds the activity.* handler group.
func NewActivityHandlers(st *store.Store, stage *activity.Stage) *ActivityHandlers {
	return &ActivityHandlers{store: st, stage: stage}
}

type timelineRequest struct {
	FromTS int64 `json:"from_ts"` // unix milliseconds
	ToTS   int64 `json:"to_ts"`
}

type timelineResponse struct {
	Windows    []store.ActivitySummary `json:"windows"`
	LongEvents []store.ActivityEvent   `json:"long_events"`
}

func (h *ActivityHandlers) GetTimeline(c echo.Context) error {
	req, err := bindJSON[timelineRequest](c)
	if err != nil {
		return writeErr[timelineResponse](c, err)
	}
	from, to := msToTime(req.FromTS), msToTime(req.ToTS)

	windows, err := h.store.SummariesInRange(c.Request().Context(), from, to)
	if err != nil {
		return writeErr[timelineResponse](c, err)
	}
	events, err := h.store.EventsInRange(c.Request().Context(), from, to)
	if err != nil {
		return writeErr[timelineResponse](c, err)
	}
	var long []store.ActivityEvent
	for _, e := range events {
		if e.IsLong {
			long = append(long, e)
		}
	}
	return writeOk(c, timelineResponse{Windows: windows, LongEvents: long})
}

type windowRequest struct {
	WindowStart int64 `json:"window_start"`
	WindowEnd   int64 `json:"window_end"`
}

func (h *ActivityHandlers) GetSummary(c echo.Context) error {
	req, err := bindJSON[windowRequest](c)
	if err != nil {
		return writeErr[*store.ActivitySummary](c, err)
	}
	summary, ok, err := h.store.GetSummaryByWindow(c.Request().Context(), msToTime(req.WindowStart), msToTime(req.WindowEnd))
	if err != nil {
		return writeErr[*store.ActivitySummary](c, err)
	}
	if !ok {
		return writeOk[*store.ActivitySummary](c, nil)
	}
	return writeOk(c, &summary)
}

// RegenerateSummary resets and immediately re-runs window-summary
// generation for an explicit user-triggered regen request. Unlike the
// reconcile loop's scan, this bypasses the claim machinery entirely — the
// request itself is the exclusivity guarantee, since there is exactly one
// caller and it waits synchronously for the result.
func (h *ActivityHandlers) RegenerateSummary(c echo.Context) error {
	req, err := bindJSON[windowRequest](c)
	if err != nil {
		return writeErr[store.ActivitySummary](c, err)
	}
	ctx := c.Request().Context()
	start, end := msToTime(req.WindowStart), msToTime(req.WindowEnd)

	summary, ok, err := h.store.GetSummaryByWindow(ctx, start, end)
	if err != nil {
		return writeErr[store.ActivitySummary](c, err)
	}
	if !ok {
		if err := h.store.EnsureWindow(ctx, start, end); err != nil {
			return writeErr[store.ActivitySummary](c, err)
		}
		summary, ok, err = h.store.GetSummaryByWindow(ctx, start, end)
		if err != nil || !ok {
			return writeErr[store.ActivitySummary](c, apperr.Resource("window_not_found", "window summary row could not be created", err))
		}
	}
	if err := h.stage.ProcessWindow(ctx, summary.ID); err != nil {
		return writeErr[store.ActivitySummary](c, err)
	}
	summary, err = h.store.GetSummary(ctx, summary.ID)
	if err != nil {
		return writeErr[store.ActivitySummary](c, err)
	}
	return writeOk(c, summary)
}

type eventDetailsRequest struct {
	EventID int64 `json:"event_id"`
}

func (h *ActivityHandlers) GetEventDetails(c echo.Context) error {
	req, err := bindJSON[eventDetailsRequest](c)
	if err != nil {
		return writeErr[store.ActivityEvent](c, err)
	}
	ctx := c.Request().Context()

	ev, err := h.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return writeErr[store.ActivityEvent](c, apperr.Validation("event_not_found", "activity event row does not exist", err))
	}
	if ev.DetailsStatus == nil {
		return writeErr[store.ActivityEvent](c, apperr.Validation("not_long_event", "event has no lazy details to generate", nil))
	}
	if *ev.DetailsStatus == store.StatusPending {
		claimed, err := h.store.ClaimEventDetails(ctx, ev.ID, ev.DetailsAttempts)
		if err != nil {
			return writeErr[store.ActivityEvent](c, err)
		}
		if claimed {
			if perr := h.stage.ProcessEventDetails(ctx, ev.ID, ev.DetailsAttempts); perr != nil {
				return writeErr[store.ActivityEvent](c, perr)
			}
			ev, err = h.store.GetEvent(ctx, ev.ID)
			if err != nil {
				return writeErr[store.ActivityEvent](c, err)
			}
		}
	}
	return writeOk(c, ev)
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
