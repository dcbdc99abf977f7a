package pubsub

import (
	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
)

// Wire payloads carried inside bus envelopes. They are self-contained:
// watcher and member sets are resolved once at the origin so consuming
// instances never re-query the directory.

type PushWire struct {
	DeliveryID uuid.UUID      `json:"delivery_id"`
	UserID     uuid.UUID      `json:"user_id"`
	Priority   model.Priority `json:"priority"`
	Message    *model.Message `json:"message"`
}

type AckWire struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	UserID     uuid.UUID `json:"user_id"`
	ConnID     uuid.UUID `json:"conn_id"`
}

type ReadWire struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	ReadAt    int64     `json:"read_at"`
}

type FailedWire struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Reason    string    `json:"reason"`
}

type PresenceWire struct {
	Record   model.PresenceRecord `json:"record"`
	Watchers []uuid.UUID          `json:"watchers"`
}

type TypingWire struct {
	UserID    uuid.UUID   `json:"user_id"`
	ChannelID uuid.UUID   `json:"channel_id"`
	Members   []uuid.UUID `json:"members"`
	Started   bool        `json:"started"`
}
