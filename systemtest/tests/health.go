package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

func TestHealthCheck(t *testing.T, env *Env) {
	rr := doJSON(env.Router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Users)
	assert.Equal(t, storage.BackendPostgres, resp.Users.Backend)
}

func TestAdminLogin(t *testing.T, env *Env) {
	t.Run("wrong key", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, "/api/v2/admin/login", dto.LoginRequest{APIKey: "nope"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, "/api/v2/admin/login", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("compaction unsupported on postgres", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, "/api/v2/admin/login", dto.LoginRequest{APIKey: AdminKey})
		require.Equal(t, http.StatusOK, rr.Code)
		var login dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))

		rr = doJSONWithAuth(env.Router, http.MethodPost, "/api/v2/admin/store/compact", nil, login.Token)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}
