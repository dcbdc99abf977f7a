package model

import "github.com/google/uuid"

// Status is the user-visible presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the per-user presence snapshot. Offline is authoritative
// only when the user's connection set is empty and no heartbeat was seen
// within the staleness window.
type PresenceRecord struct {
	UserID     uuid.UUID `json:"user_id"`
	Status     Status    `json:"status"`
	Activity   string    `json:"activity,omitempty"`
	ConnID     uuid.UUID `json:"conn_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	LastSeenAt int64     `json:"last_seen_at"`
	UpdatedAt  int64     `json:"updated_at"`
}
