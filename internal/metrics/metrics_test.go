package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ToolCall()
	m.ToolCall()
	m.SessionOpened()
	m.RateLimited("user")
	m.BrowserStatusChanged(browserpool.StatusReconnecting)
	m.ObserveRequest(http.MethodGet, "/health", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpened))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.browserStatus.WithLabelValues("reconnecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/health", "200")))
}

func TestWatchState(t *testing.T) {
	m := New()
	m.WatchState(
		func() browserpool.Stats {
			return browserpool.Stats{Total: 3, Connected: 2, Failed: 1}
		},
		func() sessions.Stats {
			return sessions.Stats{Total: 4, Active: 3}
		},
	)

	expected := `
# HELP mcp_gateway_sessions Registered client sessions.
# TYPE mcp_gateway_sessions gauge
mcp_gateway_sessions 4
# HELP mcp_gateway_sessions_active Client sessions active within the idle timeout.
# TYPE mcp_gateway_sessions_active gauge
mcp_gateway_sessions_active 3
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"mcp_gateway_sessions", "mcp_gateway_sessions_active")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "mcp_gateway_browser_connections")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ToolCall()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcp_gateway_tool_calls_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
