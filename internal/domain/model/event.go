package model

import (
	"time"

	"github.com/google/uuid"
)

type EventKind int16

//go:generate stringer -type=EventKind
const (
	Connected EventKind = iota + 1
	MessageCreated
	MessageBatch
	TypingStarted
	TypingStopped
	PresenceUpdated
	ReadReceipt
	DeliveryFailed
)

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
	PriorityUrgent Priority = 40
)

// ParsePriority maps the wire representation to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() EventKind
	GetUserID() uuid.UUID
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
}

var _ Eventer = (*Event)(nil)

// Event is the single concrete Eventer pushed into user cells. The Kind and
// Payload pair determines how the transport marshaller frames it. UserID is
// the physical recipient of this instance, which may differ from the logical
// participants inside the payload (a group message produces one Event per
// subscriber).
type Event struct {
	ID         uuid.UUID `json:"id"`
	Kind       EventKind `json:"kind"`
	UserID     uuid.UUID `json:"user_id"`
	Priority   Priority  `json:"priority"`
	OccurredAt int64     `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

func NewEvent(kind EventKind, userID uuid.UUID, prio Priority, payload any) *Event {
	return &Event{
		ID:         uuid.New(),
		Kind:       kind,
		UserID:     userID,
		Priority:   prio,
		OccurredAt: time.Now().UnixMilli(),
		Payload:    payload,
	}
}

func (e *Event) GetID() string         { return e.ID.String() }
func (e *Event) GetKind() EventKind    { return e.Kind }
func (e *Event) GetUserID() uuid.UUID  { return e.UserID }
func (e *Event) GetPriority() Priority { return e.Priority }
func (e *Event) GetOccurredAt() int64  { return e.OccurredAt }
func (e *Event) GetPayload() any       { return e.Payload }

// Payload bodies for system events. Business payloads (Message, batches)
// live in their own files.

type TypingPayload struct {
	UserID    uuid.UUID `json:"user_id"`
	ChannelID uuid.UUID `json:"channel_id"`
}

type PresencePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Status   Status    `json:"status"`
	Activity string    `json:"activity,omitempty"`
}

type ReadReceiptPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    int64     `json:"read_at"`
}

type DeliveryFailedPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Reason    string    `json:"reason"`
}

type MessagePayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Message    *Message  `json:"message"`
}

type MessageBatchPayload struct {
	Items []*MessagePayload `json:"items"`
}
