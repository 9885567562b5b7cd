package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/middleware"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/users"
)

const BrowserIDParam = "browserId"

// BindBrowser detects the browser and stores a new binding with its token
// POST /api/v2/users/:userId/browsers
func (h *UserHandler) BindBrowser(c *gin.Context) {
	var req dto.BindBrowserRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, info, err := h.users.BindBrowser(c.Request.Context(), c.Param(middleware.UserIDParam), users.BindRequest{
		BrowserURL:  req.BrowserURL,
		TokenName:   req.TokenName,
		Description: req.Description,
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	resp := dto.BindBrowserResponse{
		BrowserResponse: h.toBrowserResponse(rec, true),
		Message:         "Browser bound successfully. Use this token to connect.",
	}
	if info != nil {
		resp.Detected = &dto.DetectedBrowser{
			Browser:         info.Browser,
			ProtocolVersion: info.ProtocolVersion,
			UserAgent:       info.UserAgent,
			V8Version:       info.V8Version,
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// ListBrowsers returns the user's bindings including their tokens
// GET /api/v2/users/:userId/browsers
func (h *UserHandler) ListBrowsers(c *gin.Context) {
	list, err := h.users.ListBrowsers(c.Request.Context(), c.Param(middleware.UserIDParam))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListBrowsersResponse{Browsers: h.toBrowserResponses(list, true), Total: len(list)})
}

// GET /api/v2/users/:userId/browsers/:browserId
func (h *UserHandler) GetBrowser(c *gin.Context) {
	rec, err := h.users.GetBrowser(c.Request.Context(), c.Param(middleware.UserIDParam), c.Param(BrowserIDParam))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toBrowserResponse(rec, true))
}

// UpdateBrowser changes the URL or description of a binding
// PATCH /api/v2/users/:userId/browsers/:browserId
func (h *UserHandler) UpdateBrowser(c *gin.Context) {
	var req dto.UpdateBrowserRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.BrowserURL == nil && req.Description == nil {
		middleware.Abort(c, http.StatusBadRequest, middleware.CodeInvalidRequest, "browserURL or description is required")
		return
	}

	rec, err := h.users.UpdateBrowser(c.Request.Context(), c.Param(middleware.UserIDParam), c.Param(BrowserIDParam),
		storage.BrowserUpdate{BrowserURL: req.BrowserURL, Description: req.Description})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toBrowserResponse(rec, true))
}

// UnbindBrowser deletes a binding and ends its sessions
// DELETE /api/v2/users/:userId/browsers/:browserId
func (h *UserHandler) UnbindBrowser(c *gin.Context) {
	rec, err := h.users.UnbindBrowser(c.Request.Context(), c.Param(middleware.UserIDParam), c.Param(BrowserIDParam))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.UnbindBrowserResponse{
		Message:   "Browser " + rec.TokenName + " unbound",
		BrowserID: rec.BrowserID,
	})
}

func (h *UserHandler) toBrowserResponses(list []storage.BrowserRecord, withToken bool) []dto.BrowserResponse {
	out := make([]dto.BrowserResponse, len(list))
	for i := range list {
		out[i] = h.toBrowserResponse(&list[i], withToken)
	}
	return out
}

func (h *UserHandler) toBrowserResponse(rec *storage.BrowserRecord, withToken bool) dto.BrowserResponse {
	resp := dto.BrowserResponse{
		BrowserID:       rec.BrowserID,
		UserID:          rec.UserID,
		TokenName:       rec.TokenName,
		BrowserURL:      rec.BrowserURL,
		Connected:       h.connected(rec),
		ToolCallCount:   rec.ToolCallCount,
		CreatedAt:       rec.CreatedAt,
		LastConnectedAt: rec.LastConnectedAt,
	}
	if withToken {
		resp.Token = rec.Token
	}
	if rec.Metadata != nil {
		resp.Description = rec.Metadata.Description
		resp.BrowserInfo = rec.Metadata.BrowserInfo
	}
	return resp
}

// connected reports whether the user's pooled connection is live and points
// at this binding's URL.
func (h *UserHandler) connected(rec *storage.BrowserRecord) bool {
	if h.pool == nil {
		return false
	}
	conn, ok := h.pool.Connection(rec.UserID)
	return ok && conn.Status == browserpool.StatusConnected && conn.BrowserURL == rec.BrowserURL
}
