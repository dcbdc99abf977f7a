// Package offline keeps the bounded, TTL'd per-user backlog for recipients
// with no active connection anywhere. The shared store holds the lists so a
// drain after instance restart still sees the backlog.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/metrics"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"github.com/webitel/im-realtime-engine/internal/store"
)

type Config struct {
	Capacity   int
	TTL        time.Duration
	DrainBatch int
	DrainDelay time.Duration
	SweepEvery time.Duration
}

type Queue struct {
	cfg    Config
	store  store.Store
	sched  *scheduler.Scheduler
	clock  scheduler.Clock
	logger *slog.Logger

	// index tracks users with a non-empty queue for the periodic prune.
	// Lost on restart, which is fine: drain-on-connect reads the store
	// directly and entries carry their own expiry.
	mu    sync.Mutex
	index map[uuid.UUID]struct{}

	sweepTask *scheduler.Task
	stopped   bool
}

func NewQueue(cfg Config, st store.Store, sched *scheduler.Scheduler, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		store:  st,
		sched:  sched,
		clock:  sched.Clock(),
		logger: logger,
		index:  make(map[uuid.UUID]struct{}),
	}
}

// Enqueue appends an entry for the user. The per-user list is hard-capped;
// the store trims oldest entries first on overflow.
func (q *Queue) Enqueue(ctx context.Context, userID uuid.UUID, entry *model.OfflineEntry) error {
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = q.clock.Now().UnixMilli()
	}
	if entry.ExpiresAt == 0 {
		entry.ExpiresAt = q.clock.Now().Add(q.cfg.TTL).UnixMilli()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("offline queue: marshal entry: %w", err)
	}
	if err := q.store.ListPush(ctx, store.OfflineKey(userID.String()), string(raw), int64(q.cfg.Capacity)); err != nil {
		return fmt.Errorf("offline queue: push for %s: %w", userID, err)
	}

	q.mu.Lock()
	q.index[userID] = struct{}{}
	q.mu.Unlock()

	metrics.OfflineEnqueued.Inc()
	return nil
}

// Drain removes and returns the user's backlog, priority-sorted (urgent
// first, FIFO within a priority) with expired entries pruned. Invoked once
// per online transition; the backing store entry is cleared.
func (q *Queue) Drain(ctx context.Context, userID uuid.UUID) ([]*model.OfflineEntry, error) {
	key := store.OfflineKey(userID.String())
	rawEntries, err := q.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("offline queue: range for %s: %w", userID, err)
	}
	if err := q.store.Delete(ctx, key); err != nil && !errors.Is(err, model.ErrStoreUnavailable) {
		q.logger.Warn("offline queue clear failed", "user_id", userID, "err", err)
	}

	q.mu.Lock()
	delete(q.index, userID)
	q.mu.Unlock()

	now := q.clock.Now().UnixMilli()
	entries := make([]*model.OfflineEntry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		var e model.OfflineEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			q.logger.Warn("offline queue dropping undecodable entry", "user_id", userID, "err", err)
			continue
		}
		if e.ExpiresAt <= now {
			continue
		}
		entries = append(entries, &e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].EnqueuedAt < entries[j].EnqueuedAt
	})
	return entries, nil
}

// Prune rewrites every indexed queue without its expired entries.
func (q *Queue) Prune(ctx context.Context) {
	q.mu.Lock()
	users := make([]uuid.UUID, 0, len(q.index))
	for id := range q.index {
		users = append(users, id)
	}
	q.mu.Unlock()

	now := q.clock.Now().UnixMilli()
	for _, userID := range users {
		key := store.OfflineKey(userID.String())
		rawEntries, err := q.store.ListRange(ctx, key, 0, -1)
		if err != nil {
			continue
		}

		kept := make([]string, 0, len(rawEntries))
		for _, raw := range rawEntries {
			var e model.OfflineEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				continue
			}
			if e.ExpiresAt > now {
				kept = append(kept, raw)
			}
		}
		if len(kept) == len(rawEntries) {
			continue
		}

		if err := q.store.Delete(ctx, key); err != nil {
			continue
		}
		// Rewrite newest-last so list order survives the LPUSH rebuild.
		for i := len(kept) - 1; i >= 0; i-- {
			if err := q.store.ListPush(ctx, key, kept[i], int64(q.cfg.Capacity)); err != nil {
				break
			}
		}
		if len(kept) == 0 {
			q.mu.Lock()
			delete(q.index, userID)
			q.mu.Unlock()
		}
	}
}

// StartSweep launches the periodic prune.
func (q *Queue) StartSweep() {
	q.scheduleSweep()
}

func (q *Queue) scheduleSweep() {
	q.sweepTask = q.sched.Schedule(q.cfg.SweepEvery, func() {
		q.Prune(context.Background())
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if !stopped {
			q.scheduleSweep()
		}
	})
}

func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.sweepTask != nil {
		q.sweepTask.Cancel()
	}
}
