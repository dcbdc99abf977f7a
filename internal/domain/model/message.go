package model

import "github.com/google/uuid"

// Message is the content snapshot carried through delivery and redelivery.
// It is not the persisted message entity; the message store owns that.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	ChannelID uuid.UUID      `json:"channel_id"`
	SenderID  uuid.UUID      `json:"sender_id"`
	Type      string         `json:"type"` // "text", "image", "document", "system"
	Text      string         `json:"text,omitempty"`
	CreatedAt int64          `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DeviceInfo describes the client endpoint behind a connection.
type DeviceInfo struct {
	Platform  string `json:"platform"` // "web", "ios", "android", "desktop"
	Version   string `json:"version,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}
