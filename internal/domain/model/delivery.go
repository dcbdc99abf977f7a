package model

import (
	"time"

	"github.com/google/uuid"
)

// RecipientStatus is the per-recipient delivery state machine:
// pending -> sent -> delivered -> read, or pending/sent -> failed.
type RecipientStatus int16

const (
	StatusPending RecipientStatus = iota + 1
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s RecipientStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the recipient no longer needs tracking. Delivered
// counts: a later read receipt is routed through the read index, not the
// record.
func (s RecipientStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusRead || s == StatusFailed
}

// rank orders statuses so transitions never move backward. Failed sits
// outside the happy path and is only reachable from pending/sent.
func (s RecipientStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	}
	return -1
}

// CanAdvance reports whether moving from s to next is a legal forward
// transition. Advancing an already-terminal recipient is a no-op, which
// keeps cross-instance handlers idempotent.
func (s RecipientStatus) CanAdvance(next RecipientStatus) bool {
	if s == StatusRead || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending || s == StatusSent
	}
	return next.rank() > s.rank()
}

// RecipientProgress tracks one recipient inside a DeliveryRecord.
type RecipientProgress struct {
	Status     RecipientStatus
	RetryCount int
	NextRetry  time.Time
	UpdatedAt  time.Time
}

// DeliveryRecord covers one fan-out operation: a message with N recipients
// produces one record. Owned exclusively by the delivery tracker; callers
// only ever see snapshots.
type DeliveryRecord struct {
	ID         uuid.UUID
	Message    *Message
	Priority   Priority
	Recipients map[uuid.UUID]*RecipientProgress
	RetryCap   int
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
}

// AllTerminal reports whether every recipient reached delivered, read or
// failed, at which point the record is discarded.
func (r *DeliveryRecord) AllTerminal() bool {
	for _, p := range r.Recipients {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// SendReceipt is the synchronous answer to an accepted send.
type SendReceipt struct {
	DeliveryID        uuid.UUID   `json:"delivery_id"`
	PendingRecipients []uuid.UUID `json:"pending_recipients"`
	OfflineRecipients []uuid.UUID `json:"offline_recipients"`
	Duplicate         bool        `json:"duplicate,omitempty"`
}
