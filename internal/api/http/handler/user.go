package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/middleware"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/users"
)

// UserService is the subset of users.Service the handlers call.
type UserService interface {
	RegisterUser(ctx context.Context, email, username string) (*storage.UserRecord, error)
	GetUser(ctx context.Context, userID string) (*storage.UserRecord, []storage.BrowserRecord, error)
	ListUsers(ctx context.Context) ([]users.UserSummary, error)
	UpdateUsername(ctx context.Context, userID, username string) (*storage.UserRecord, error)
	DeleteUser(ctx context.Context, userID string) ([]string, error)

	BindBrowser(ctx context.Context, userID string, req users.BindRequest) (*storage.BrowserRecord, *browserpool.BrowserInfo, error)
	ListBrowsers(ctx context.Context, userID string) ([]storage.BrowserRecord, error)
	GetBrowser(ctx context.Context, userID, browserID string) (*storage.BrowserRecord, error)
	UpdateBrowser(ctx context.Context, userID, browserID string, update storage.BrowserUpdate) (*storage.BrowserRecord, error)
	UnbindBrowser(ctx context.Context, userID, browserID string) (*storage.BrowserRecord, error)
}

// ConnectionLookup reports the pooled connection of a user.
type ConnectionLookup interface {
	Connection(userID string) (browserpool.Connection, bool)
}

type UserHandler struct {
	users UserService
	pool  ConnectionLookup
}

func NewUserHandler(users UserService, pool ConnectionLookup) *UserHandler {
	return &UserHandler{users: users, pool: pool}
}

// RegisterUser creates a user from an email address
// POST /api/v2/users
func (h *UserHandler) RegisterUser(c *gin.Context) {
	var req dto.RegisterUserRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.users.RegisterUser(c.Request.Context(), req.Email, req.Username)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(user))
}

// ListUsers returns every user with its browser count
// GET /api/v2/users
func (h *UserHandler) ListUsers(c *gin.Context) {
	summaries, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	resp := dto.ListUsersResponse{Users: make([]dto.UserSummary, len(summaries)), Total: len(summaries)}
	for i, s := range summaries {
		resp.Users[i] = dto.UserSummary{UserResponse: toUserResponse(&s.User), BrowserCount: s.BrowserCount}
	}
	c.JSON(http.StatusOK, resp)
}

// GetUser returns a user and its browsers
// GET /api/v2/users/:userId
func (h *UserHandler) GetUser(c *gin.Context) {
	userID := c.Param(middleware.UserIDParam)
	user, browsers, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.UserDetailResponse{
		UserResponse: toUserResponse(user),
		UpdatedAt:    user.UpdatedAt,
		Browsers:     h.toBrowserResponses(browsers, false),
	})
}

// UpdateUsername renames a user
// PATCH /api/v2/users/:userId
func (h *UserHandler) UpdateUsername(c *gin.Context) {
	var req dto.UpdateUsernameRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.users.UpdateUsername(c.Request.Context(), c.Param(middleware.UserIDParam), req.Username)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.UpdateUsernameResponse{
		UserID:    user.UserID,
		Username:  user.Username,
		UpdatedAt: user.UpdatedAt,
	})
}

// DeleteUser removes a user, its browsers, sessions and tokens
// DELETE /api/v2/users/:userId
func (h *UserHandler) DeleteUser(c *gin.Context) {
	userID := c.Param(middleware.UserIDParam)
	deleted, err := h.users.DeleteUser(c.Request.Context(), userID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	c.JSON(http.StatusOK, dto.DeleteUserResponse{
		Message:         fmt.Sprintf("User %s and %d associated browsers deleted", userID, len(deleted)),
		DeletedBrowsers: deleted,
	})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.Abort(c, http.StatusBadRequest, middleware.CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

func toUserResponse(u *storage.UserRecord) dto.UserResponse {
	return dto.UserResponse{
		UserID:    u.UserID,
		Email:     u.Email,
		Username:  u.Username,
		CreatedAt: u.RegisteredAt,
	}
}
