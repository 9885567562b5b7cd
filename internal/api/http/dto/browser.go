package dto

import (
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type BindBrowserRequest struct {
	BrowserURL  string `json:"browserURL"`
	TokenName   string `json:"tokenName"`
	Description string `json:"description"`
}

type UpdateBrowserRequest struct {
	BrowserURL  *string `json:"browserURL"`
	Description *string `json:"description"`
}

type BrowserResponse struct {
	BrowserID       string               `json:"browserId"`
	UserID          string               `json:"userId"`
	TokenName       string               `json:"tokenName"`
	Token           string               `json:"token,omitempty"`
	BrowserURL      string               `json:"browserURL"`
	Connected       bool                 `json:"connected"`
	Description     string               `json:"description,omitempty"`
	BrowserInfo     *storage.BrowserInfo `json:"browserInfo,omitempty"`
	ToolCallCount   int64                `json:"toolCallCount"`
	CreatedAt       time.Time            `json:"createdAt"`
	LastConnectedAt *time.Time           `json:"lastConnectedAt"`
}

type ListBrowsersResponse struct {
	Browsers []BrowserResponse `json:"browsers"`
	Total    int               `json:"total"`
}

type DetectedBrowser struct {
	Browser         string `json:"browser"`
	ProtocolVersion string `json:"protocolVersion"`
	UserAgent       string `json:"userAgent"`
	V8Version       string `json:"v8Version,omitempty"`
}

type BindBrowserResponse struct {
	BrowserResponse
	Detected *DetectedBrowser `json:"detected,omitempty"`
	Message  string           `json:"message"`
}

type UnbindBrowserResponse struct {
	Message   string `json:"message"`
	BrowserID string `json:"browserId"`
}
