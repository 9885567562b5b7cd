package dto

import (
	"time"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

type LoginRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type IssueTokenRequest struct {
	UserID      string   `json:"userId" binding:"required"`
	Permissions []string `json:"permissions"`
	TTLSeconds  int64    `json:"ttlSeconds"`
}

type TokenResponse struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ListTokensResponse struct {
	Tokens []TokenResponse `json:"tokens"`
	Total  int             `json:"total"`
}

type RevokeTokensResponse struct {
	Revoked int `json:"revoked"`
}

type CompactResponse struct {
	Stats storage.Stats `json:"stats"`
}
