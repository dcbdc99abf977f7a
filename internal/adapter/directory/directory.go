// Package directory resolves channel membership and presence watcher sets
// from the shared store. The lists are owned by the platform's persistence
// layer; this adapter only reads them.
package directory

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/store"
)

type StoreDirectory struct {
	store  store.Store
	logger *slog.Logger
}

var _ model.Directory = (*StoreDirectory)(nil)

func NewStoreDirectory(st store.Store, logger *slog.Logger) *StoreDirectory {
	return &StoreDirectory{store: st, logger: logger}
}

func (d *StoreDirectory) MembersOf(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	return d.resolve(ctx, store.MembersKey(channelID.String()))
}

func (d *StoreDirectory) WatchersOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return d.resolve(ctx, store.WatchersKey(userID.String()))
}

// resolve reads the id list; a missing key is an empty set, not an error.
func (d *StoreDirectory) resolve(ctx context.Context, key string) ([]uuid.UUID, error) {
	raw, err := d.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}

	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			d.logger.Warn("directory entry is not a uuid", "key", key, "value", s)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
