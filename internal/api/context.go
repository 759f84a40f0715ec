package api

import (
	"github.com/labstack/echo/v4"

	"screenloom/internal/search"
)

// ContextHandlers wraps C16's search.Engine for the context.* request
// surface: keyword+vector search, cooperative cancellation, thread
// expansion, and evidence lookup.
type ContextHandlers struct {
	engine *search.Engine
}

// NewContextHandlers builds the context.* handler group.
func NewContextHandlers(e *search.Engine) *ContextHandlers {
	return &ContextHandlers{engine: e}
}

type searchRequest struct {
	Query string `json:"query"`
	Token string `json:"token"`
}

func (h *ContextHandlers) Search(c echo.Context) error {
	req, err := bindJSON[searchRequest](c)
	if err != nil {
		return writeErr[search.Result](c, err)
	}
	result, err := h.engine.Search(c.Request().Context(), req.Query, req.Token)
	if err != nil {
		return writeErr[search.Result](c, err)
	}
	return writeOk(c, result)
}

type searchCancelRequest struct {
	Token string `json:"token"`
}

type searchCancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (h *ContextHandlers) SearchCancel(c echo.Context) error {
	req, err := bindJSON[searchCancelRequest](c)
	if err != nil {
		return writeErr[searchCancelResponse](c, err)
	}
	return writeOk(c, searchCancelResponse{Cancelled: h.engine.Cancel(req.Token)})
}

type getThreadRequest struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit"`
}

func (h *ContextHandlers) GetThread(c echo.Context) error {
	req, err := bindJSON[getThreadRequest](c)
	if err != nil {
		return writeErr[[]search.ExpandedNode](c, err)
	}
	nodes, err := h.engine.GetThread(c.Request().Context(), req.ThreadID, req.Limit)
	if err != nil {
		return writeErr[[]search.ExpandedNode](c, err)
	}
	return writeOk(c, nodes)
}

type getEvidenceRequest struct {
	NodeIDs []int64 `json:"node_ids"`
}

func (h *ContextHandlers) GetEvidence(c echo.Context) error {
	req, err := bindJSON[getEvidenceRequest](c)
	if err != nil {
		return writeErr[[]search.ScreenshotEvidence](c, err)
	}
	evidence, err := h.engine.GetEvidence(c.Request().Context(), req.NodeIDs)
	if err != nil {
		return writeErr[[]search.ScreenshotEvidence](c, err)
	}
	return writeOk(c, evidence)
}
