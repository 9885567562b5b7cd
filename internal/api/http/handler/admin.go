package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/middleware"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

// Compactor exposes the log backend for compaction; the relational variant
// returns ErrSyncMethodNotSupported.
type Compactor interface {
	Log() (*storage.LogStore, error)
}

type AdminHandler struct {
	login  *auth.Service
	tokens *auth.Manager
	store  Compactor
}

func NewAdminHandler(login *auth.Service, tokens *auth.Manager, store Compactor) *AdminHandler {
	return &AdminHandler{login: login, tokens: tokens, store: store}
}

// Login exchanges the admin API key for an admin JWT
// POST /api/v2/admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	token, err := h.login.Login(req.APIKey)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.LoginResponse{Token: token})
}

// IssueToken creates an API token for a user
// POST /api/v2/admin/tokens
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req dto.IssueTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	tok, err := h.tokens.GenerateToken(req.UserID, req.Permissions, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTokenResponse(*tok))
}

// ListTokens returns the live tokens of a user
// GET /api/v2/admin/users/:userId/tokens
func (h *AdminHandler) ListTokens(c *gin.Context) {
	list := h.tokens.UserTokens(c.Param(middleware.UserIDParam))
	resp := dto.ListTokensResponse{Tokens: make([]dto.TokenResponse, len(list)), Total: len(list)}
	for i, t := range list {
		resp.Tokens[i] = toTokenResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

// RevokeToken permanently revokes one token
// DELETE /api/v2/admin/tokens/:token
func (h *AdminHandler) RevokeToken(c *gin.Context) {
	if !h.tokens.RevokeToken(c.Param("token")) {
		middleware.Abort(c, http.StatusNotFound, middleware.CodeTokenInvalid, "token not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeUserTokens revokes every token of a user
// DELETE /api/v2/admin/users/:userId/tokens
func (h *AdminHandler) RevokeUserTokens(c *gin.Context) {
	n := h.tokens.RevokeUserTokens(c.Param(middleware.UserIDParam))
	c.JSON(http.StatusOK, dto.RevokeTokensResponse{Revoked: n})
}

// CompactStore rewrites the log backend as a snapshot
// POST /api/v2/admin/store/compact
func (h *AdminHandler) CompactStore(c *gin.Context) {
	log, err := h.store.Log()
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if err := log.Compact(); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	stats, err := log.Stats(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.CompactResponse{Stats: stats})
}

func toTokenResponse(t auth.Token) dto.TokenResponse {
	return dto.TokenResponse{
		Token:       t.Token,
		UserID:      t.UserID,
		Permissions: t.Permissions,
		ExpiresAt:   t.ExpiresAt,
	}
}
