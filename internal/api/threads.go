package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"screenloom/internal/apperr"
	"screenloom/internal/store"
)

// ThreadHandlers wraps C11's thread rows for the threads.* request
// surface: the "lens" is the UI's always-visible active/pinned thread
// rail, so its state is just a projection of ActiveThreads plus the
// pinned-id set already persisted on the settings singleton.
type ThreadHandlers struct {
	store *store.Store
}

// NewThreadHandlers builds the threads.* handler group.
func NewThreadHandlers(st *store.Store) *ThreadHandlers {
	return &ThreadHandlers{store: st}
}

type lensState struct {
	Active  []store.Thread `json:"active"`
	Pinned  []string       `json:"pinned_thread_ids"`
}

func (h *ThreadHandlers) GetLensState(c echo.Context) error {
	ctx := c.Request().Context()
	active, err := h.store.ActiveThreads(ctx, 50)
	if err != nil {
		return writeErr[lensState](c, err)
	}
	pinned, err := h.store.PinnedThreadIDs(ctx)
	if err != nil {
		return writeErr[lensState](c, err)
	}
	return writeOk(c, lensState{Active: active, Pinned: pinned})
}

// GetActiveCandidates returns active-but-unpinned threads: the pool a user
// picks from when deciding what to pin into the lens.
func (h *ThreadHandlers) GetActiveCandidates(c echo.Context) error {
	active, err := h.store.ActiveThreads(c.Request().Context(), 50)
	if err != nil {
		return writeErr[[]store.Thread](c, err)
	}
	candidates := make([]store.Thread, 0, len(active))
	for _, t := range active {
		if !t.Pinned {
			candidates = append(candidates, t)
		}
	}
	return writeOk(c, candidates)
}

type threadIDRequest struct {
	ThreadID string `json:"thread_id"`
}

type pinResponse struct {
	ThreadID string `json:"thread_id"`
	Pinned   bool   `json:"pinned"`
}

func (h *ThreadHandlers) Pin(c echo.Context) error  { return h.setPinned(c, true) }
func (h *ThreadHandlers) Unpin(c echo.Context) error { return h.setPinned(c, false) }

func (h *ThreadHandlers) setPinned(c echo.Context, pinned bool) error {
	req, err := bindJSON[threadIDRequest](c)
	if err != nil {
		return writeErr[pinResponse](c, err)
	}
	if err := h.store.PinThread(c.Request().Context(), req.ThreadID, pinned); err != nil {
		return writeErr[pinResponse](c, err)
	}
	return writeOk(c, pinResponse{ThreadID: req.ThreadID, Pinned: pinned})
}

func (h *ThreadHandlers) MarkInactive(c echo.Context) error {
	req, err := bindJSON[threadIDRequest](c)
	if err != nil {
		return writeErr[store.Thread](c, err)
	}
	ctx := c.Request().Context()
	if err := h.store.SetThreadStatus(ctx, req.ThreadID, "inactive"); err != nil {
		return writeErr[store.Thread](c, err)
	}
	t, err := h.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return writeErr[store.Thread](c, err)
	}
	return writeOk(c, t)
}

type listRequest struct {
	Limit int `json:"limit"`
}

func (h *ThreadHandlers) List(c echo.Context) error {
	req, err := bindJSON[listRequest](c)
	if err != nil {
		return writeErr[[]store.Thread](c, err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	threads, err := h.store.ListThreads(c.Request().Context(), limit)
	if err != nil {
		return writeErr[[]store.Thread](c, err)
	}
	return writeOk(c, threads)
}

func (h *ThreadHandlers) Get(c echo.Context) error {
	req, err := bindJSON[threadIDRequest](c)
	if err != nil {
		return writeErr[store.Thread](c, err)
	}
	t, err := h.store.GetThread(c.Request().Context(), req.ThreadID)
	if err != nil {
		return writeErr[store.Thread](c, apperr.Validation("thread_not_found", "thread does not exist", err))
	}
	return writeOk(c, t)
}

type threadBrief struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
	Brief    string `json:"brief"`
}

// GetBrief condenses a thread's already-generated narrative fields into a
// one-line brief for a compact UI surface (tab title, hover card) — a pure
// projection, not a fresh LLM call, since the thread's own summary and
// current-focus fields already carry the narrative C10/C11 generated.
func (h *ThreadHandlers) GetBrief(c echo.Context) error {
	req, err := bindJSON[threadIDRequest](c)
	if err != nil {
		return writeErr[threadBrief](c, err)
	}
	t, err := h.store.GetThread(c.Request().Context(), req.ThreadID)
	if err != nil {
		return writeErr[threadBrief](c, apperr.Validation("thread_not_found", "thread does not exist", err))
	}
	parts := make([]string, 0, 2)
	if t.CurrentFocus != "" {
		parts = append(parts, t.CurrentFocus)
	} else if t.Summary != "" {
		parts = append(parts, t.Summary)
	}
	if t.CurrentPhase != "" {
		parts = append(parts, "("+t.CurrentPhase+")")
	}
	return writeOk(c, threadBrief{ThreadID: t.ID, Title: t.Title, Brief: strings.Join(parts, " ")})
}
