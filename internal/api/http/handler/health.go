package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/api/http/dto"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

const (
	serviceName        = "mcp-gateway"
	healthStoreTimeout = 2 * time.Second
)

type PoolStats interface {
	Stats() browserpool.Stats
}

type SessionStats interface {
	Stats() sessions.Stats
}

type StoreStats interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

type HealthHandler struct {
	pool     PoolStats
	sessions SessionStats
	store    StoreStats
	version  string
	started  time.Time
}

func NewHealthHandler(pool PoolStats, sessions SessionStats, store StoreStats, version string) *HealthHandler {
	return &HealthHandler{
		pool:     pool,
		sessions: sessions,
		store:    store,
		version:  version,
		started:  time.Now(),
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Uptime:   time.Since(h.started).Seconds(),
		Sessions: h.sessions.Stats(),
		Browsers: h.pool.Stats(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthStoreTimeout)
	defer cancel()
	stats, err := h.store.Stats(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Users = &stats
	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, dto.VersionResponse{Name: serviceName, Version: h.version})
}
