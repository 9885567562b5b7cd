package dto

import (
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/sessions"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Uptime   float64           `json:"uptime"`
	Sessions sessions.Stats    `json:"sessions"`
	Browsers browserpool.Stats `json:"browsers"`
	Users    *storage.Stats    `json:"users,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type VersionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
