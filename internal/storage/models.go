package storage

import "time"

type UserRecord struct {
	UserID       string         `json:"userId"`
	Email        string         `json:"email"`
	Username     string         `json:"username"`
	RegisteredAt time.Time      `json:"registeredAt"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type BrowserInfo struct {
	Version         string `json:"version,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

type BrowserMetadata struct {
	Description string       `json:"description,omitempty"`
	BrowserInfo *BrowserInfo `json:"browserInfo,omitempty"`
}

type BrowserRecord struct {
	BrowserID       string           `json:"browserId"`
	UserID          string           `json:"userId"`
	BrowserURL      string           `json:"browserURL"`
	TokenName       string           `json:"tokenName"`
	Token           string           `json:"token"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastConnectedAt *time.Time       `json:"lastConnectedAt,omitempty"`
	ToolCallCount   int64            `json:"toolCallCount"`
	Metadata        *BrowserMetadata `json:"metadata,omitempty"`
}

// BindOptions are the optional fields of a new browser binding.
type BindOptions struct {
	TokenName   string
	Description string
	BrowserInfo *BrowserInfo
}

// BrowserUpdate carries the mutable fields of a binding; nil fields are left unchanged.
type BrowserUpdate struct {
	BrowserURL  *string
	Description *string
}

type Stats struct {
	Backend  string `json:"backend"`
	Users    int    `json:"users"`
	Browsers int    `json:"browsers"`
	LogLines int    `json:"logLines,omitempty"`
}

func (u UserRecord) clone() UserRecord {
	c := u
	if u.UpdatedAt != nil {
		t := *u.UpdatedAt
		c.UpdatedAt = &t
	}
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func (b BrowserRecord) clone() BrowserRecord {
	c := b
	if b.LastConnectedAt != nil {
		t := *b.LastConnectedAt
		c.LastConnectedAt = &t
	}
	if b.Metadata != nil {
		m := *b.Metadata
		if b.Metadata.BrowserInfo != nil {
			info := *b.Metadata.BrowserInfo
			m.BrowserInfo = &info
		}
		c.Metadata = &m
	}
	return c
}
