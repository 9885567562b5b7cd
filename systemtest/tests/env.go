package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	internalhttp "github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/handler"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/gateway"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/metrics"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/transport"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/users"
)

const (
	AdminKey  = "changeme"
	JWTSecret = "systemtest-secret"
)

// Env is a fully wired gateway whose browsers are in-memory fakes.
type Env struct {
	Router   *gin.Engine
	Store    *storage.Facade
	Tokens   *auth.Manager
	Registry *sessions.Registry
	Pool     *browserpool.Pool
}

type stubHandle struct {
	browserpool.Listeners

	mu        sync.Mutex
	connected bool
}

func (h *stubHandle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *stubHandle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	return nil
}

func (h *stubHandle) OnceDisconnected(fn func()) { h.Once(fn) }

func (h *stubHandle) RemoveDisconnectListeners() { h.RemoveAll() }

func (h *stubHandle) Version() string { return "Chrome/126.0.6478.127" }

type stubConnector struct{}

func (stubConnector) Connect(ctx context.Context, url string) (browserpool.Handle, error) {
	return &stubHandle{connected: true}, nil
}

type stubDetector struct{}

func (stubDetector) Detect(ctx context.Context, browserURL string) (*browserpool.BrowserInfo, error) {
	return &browserpool.BrowserInfo{
		Browser:         "Chrome/126.0.6478.127",
		ProtocolVersion: "1.3",
		UserAgent:       "Mozilla/5.0 HeadlessChrome/126.0",
	}, nil
}

func NewEnv(t *testing.T, store *storage.Facade) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashKey(AdminKey)
	require.NoError(t, err)

	pool := browserpool.NewPool(stubConnector{}, browserpool.Config{})
	registry := sessions.NewRegistry(sessions.Config{})
	tokens := auth.NewManager(auth.ManagerConfig{Enabled: true})
	userLimiter := ratelimit.NewPerUser(func() ratelimit.Limiter { return ratelimit.NewTokenBucket(100, 10) })
	m := metrics.New()
	m.WatchState(pool.Stats, registry.Stats)

	dispatcher := gateway.NewToolDispatcher("mcp-gateway", "systemtest")
	gateway.RegisterBrowserTools(dispatcher)
	gw := gateway.NewService(store, pool, registry, dispatcher,
		gateway.WithUserLimiter(userLimiter), gateway.WithObserver(m))
	userSvc := users.NewService(store, stubDetector{}, gw, pool, tokens, nil)

	engine := gin.New()
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Health:        handler.NewHealthHandler(pool, registry, store, "systemtest"),
		Users:         handler.NewUserHandler(userSvc, pool),
		Gateway:       handler.NewGatewayHandler(gw, transport.NewUpgrader(nil), time.Second),
		Admin:         handler.NewAdminHandler(auth.NewService(auth.Config{APIKeyHash: hash, JWTSecret: JWTSecret}), tokens, store),
		Tokens:        tokens,
		JWTSecret:     JWTSecret,
		GlobalLimiter: ratelimit.NewGlobal(ratelimit.BucketConfig{}),
		UserLimiter:   userLimiter,
		Metrics:       m,
	})

	t.Cleanup(func() {
		gw.Shutdown(context.Background())
		pool.DisconnectAll(context.Background())
	})
	return &Env{Router: engine, Store: store, Tokens: tokens, Registry: registry, Pool: pool}
}

// AdminToken logs in with the admin key and issues an API token for userID.
func (e *Env) AdminToken(t *testing.T, userID string, permissions ...string) string {
	t.Helper()
	rr := doJSON(e.Router, http.MethodPost, "/api/v2/admin/login", dto.LoginRequest{APIKey: AdminKey})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))

	rr = doJSONWithAuth(e.Router, http.MethodPost, "/api/v2/admin/tokens",
		dto.IssueTokenRequest{UserID: userID, Permissions: permissions}, login.Token)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var issued dto.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	return issued.Token
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return doJSONWithAuth(router, method, path, body, "")
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
