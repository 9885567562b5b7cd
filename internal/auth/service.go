package auth

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminNotConfigured = errors.New("admin API is not configured")
)

// Service authenticates the operator holding the admin key.
type Service struct {
	config Config
}

func NewService(config Config) *Service {
	return &Service{config: config}
}

func (s *Service) Config() Config {
	return s.config
}

// Login exchanges the admin key for a short-lived admin JWT.
func (s *Service) Login(key string) (string, error) {
	if s.config.APIKeyHash == "" || s.config.JWTSecret == "" {
		return "", ErrAdminNotConfigured
	}
	if key == "" || !CheckKey(key, s.config.APIKeyHash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateJWT(s.config, RoleAdmin, RoleAdmin)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	slog.Info("Admin logged in")
	return token, nil
}
