package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-realtime-engine/internal/store"
)

// dedupCache filters retried sends by idempotency token. The LRU bounds
// memory (least-recently-seen tokens fall out when full); the shared store
// mirror extends the horizon across instance restarts.
type dedupCache struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, uuid.UUID]
	store   store.Store
	horizon time.Duration
}

func newDedupCache(capacity int, horizon time.Duration, st store.Store) (*dedupCache, error) {
	cache, err := lru.New[string, uuid.UUID](capacity)
	if err != nil {
		return nil, err
	}
	return &dedupCache{cache: cache, store: st, horizon: horizon}, nil
}

// Reserve claims the token for candidate, or reports the delivery id that
// already holds it. Lookup and claim are one critical section: two sends
// racing on the same token must resolve to a single winner, never two
// records. Store errors are swallowed, the in-memory horizon is the
// fallback; dedup must never block or fail the send hot path.
func (d *dedupCache) Reserve(ctx context.Context, token string, candidate uuid.UUID) (uuid.UUID, bool) {
	if token == "" {
		return candidate, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.cache.Get(token); ok {
		return id, true
	}
	if raw, err := d.store.Get(ctx, store.DedupKey(token)); err == nil {
		if id, perr := uuid.Parse(raw); perr == nil {
			d.cache.Add(token, id)
			return id, true
		}
	}

	d.cache.Add(token, candidate)
	_ = d.store.Set(ctx, store.DedupKey(token), candidate.String(), d.horizon)
	return candidate, false
}
