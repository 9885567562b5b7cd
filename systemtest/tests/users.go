package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

func TestUserCRUD(t *testing.T, env *Env) {
	token := env.AdminToken(t, "ops", auth.PermissionAll)

	var browserID string

	t.Run("register user", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, http.MethodPost, "/api/v2/users",
			dto.RegisterUserRequest{Email: "grace@example.com", Username: "Grace"}, token)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var resp dto.UserResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "grace", resp.UserID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, http.MethodPost, "/api/v2/users",
			dto.RegisterUserRequest{Email: "grace@example.com"}, token)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("bind browser", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, http.MethodPost, "/api/v2/users/grace/browsers",
			dto.BindBrowserRequest{BrowserURL: "http://localhost:9222", TokenName: "workstation", Description: "desk"}, token)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var resp dto.BindBrowserResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		require.NotNil(t, resp.BrowserInfo)
		assert.Equal(t, "1.3", resp.BrowserInfo.ProtocolVersion)
		browserID = resp.BrowserID
	})

	t.Run("get user with browsers", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, http.MethodGet, "/api/v2/users/grace", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.UserDetailResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Browsers, 1)
		assert.Equal(t, "workstation", resp.Browsers[0].TokenName)
		assert.Equal(t, "desk", resp.Browsers[0].Description)
	})

	t.Run("update browser url", func(t *testing.T) {
		url := "http://localhost:9333"
		rr := doJSONWithAuth(env.Router, http.MethodPatch, "/api/v2/users/grace/browsers/"+browserID,
			dto.UpdateBrowserRequest{BrowserURL: &url}, token)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp dto.BrowserResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, url, resp.BrowserURL)
		assert.Equal(t, "desk", resp.Description)
	})

	t.Run("delete user cascades browsers", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, http.MethodDelete, "/api/v2/users/grace", nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.DeleteUserResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []string{"workstation"}, resp.DeletedBrowsers)

		_, err := env.Store.GetBrowserByID(context.Background(), browserID)
		assert.ErrorIs(t, err, storage.ErrBrowserNotFound)
	})

	t.Run("401 without token", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodGet, "/api/v2/users", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestOwnerScope(t *testing.T, env *Env) {
	ctx := context.Background()
	_, err := env.Store.RegisterUserByEmail(ctx, "heidi@example.com", "")
	require.NoError(t, err)
	_, err = env.Store.RegisterUserByEmail(ctx, "ivan@example.com", "")
	require.NoError(t, err)

	token := env.AdminToken(t, "heidi", auth.PermissionUsersRead, auth.PermissionBrowsersRead)

	rr := doJSONWithAuth(env.Router, http.MethodGet, "/api/v2/users/heidi", nil, token)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSONWithAuth(env.Router, http.MethodGet, "/api/v2/users/ivan", nil, token)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSONWithAuth(env.Router, http.MethodPost, "/api/v2/users/heidi/browsers",
		dto.BindBrowserRequest{BrowserURL: "http://localhost:9222"}, token)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSONWithAuth(env.Router, http.MethodDelete, "/api/v2/users/ivan", nil, env.AdminToken(t, "ops", auth.PermissionAll))
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSONWithAuth(env.Router, http.MethodDelete, "/api/v2/users/heidi", nil, env.AdminToken(t, "ops", auth.PermissionAll))
	require.Equal(t, http.StatusOK, rr.Code)

	assert.False(t, env.Tokens.HasToken(token))
}
