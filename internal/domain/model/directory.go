package model

import (
	"context"

	"github.com/google/uuid"
)

// Directory is the persistence collaborator boundary: it resolves channel
// membership for recipient computation and the watcher set (followers and
// shared-channel members) for scoped presence broadcast. Implementations
// live outside this engine.
type Directory interface {
	MembersOf(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
	WatchersOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}
