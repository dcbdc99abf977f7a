package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrRateLimited rejects a send before any state is touched.
	ErrRateLimited = errors.New("rate limited")
	// ErrDeliveryTimeout marks an ack window that elapsed; retried unless
	// the retry cap is exhausted.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrTransport is a connection-level fault, treated as an implicit
	// disconnect of that connection.
	ErrTransport = errors.New("transport error")
	// ErrStoreUnavailable signals the shared store is unreachable; callers
	// degrade to in-memory operation and must not block on it.
	ErrStoreUnavailable = errors.New("shared store unavailable")
)

// PermanentFailureError is raised for a recipient after retry exhaustion.
type PermanentFailureError struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	Reason    string
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed permanently: %s", e.MessageID, e.UserID, e.Reason)
}
