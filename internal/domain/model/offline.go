package model

import "github.com/google/uuid"

// OfflineEntry is one (recipient, message) pair queued while the recipient
// had no connection anywhere. Serialized as-is into the shared store list.
type OfflineEntry struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Message    *Message  `json:"message"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt int64     `json:"enqueued_at"`
	ExpiresAt  int64     `json:"expires_at"`
	Attempts   int       `json:"attempts"`
}
