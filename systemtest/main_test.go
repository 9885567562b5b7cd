package systemtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/db"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/systemtest/postgres"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/systemtest/tests"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system test needs docker")
	}
	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "mcp", "mcp", "mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.TerminatePostgres(ctx, container) })

	url, err := postgres.ConnectionURL(ctx, container)
	require.NoError(t, err)
	cfg := db.Config{Url: url, Schema: "mcp"}
	require.NoError(t, db.Migrate(ctx, cfg))
	// A second run must be a no-op.
	require.NoError(t, db.Migrate(ctx, cfg))

	pool, err := db.Open(ctx, cfg)
	require.NoError(t, err)
	store := storage.NewRelationalFacade(storage.NewPostgresStore(pool))
	t.Cleanup(func() { _ = store.Close() })

	env := tests.NewEnv(t, store)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, env) })
	t.Run("AdminLogin", func(t *testing.T) { tests.TestAdminLogin(t, env) })
	t.Run("UserCRUD", func(t *testing.T) { tests.TestUserCRUD(t, env) })
	t.Run("OwnerScope", func(t *testing.T) { tests.TestOwnerScope(t, env) })
	t.Run("SSESession", func(t *testing.T) { tests.TestSSESession(t, env) })
	t.Run("WebSocketSession", func(t *testing.T) { tests.TestWebSocketSession(t, env) })
}
