// Package events publishes gateway lifecycle events.
package events

import (
	"context"
	"time"
)

const DefaultSubjectPrefix = "mcp.gateway"

type Type string

const (
	SessionOpened  Type = "session.opened"
	SessionClosed  Type = "session.closed"
	BrowserStatus  Type = "browser.status"
	BrowserBound   Type = "browser.bound"
	BrowserUnbound Type = "browser.unbound"
	UserRegistered Type = "user.registered"
	UserDeleted    Type = "user.deleted"
)

type Event struct {
	Type      Type              `json:"type"`
	UserID    string            `json:"userId,omitempty"`
	BrowserID string            `json:"browserId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Time      time.Time         `json:"time"`
	Data      map[string]string `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

type Config struct {
	NatsURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// New returns a NATS publisher when a URL is configured, otherwise a no-op.
func New(cfg Config) (Publisher, error) {
	if cfg.NatsURL == "" {
		return Noop{}, nil
	}
	return NewNatsPublisher(cfg.NatsURL, cfg.SubjectPrefix)
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() {}
