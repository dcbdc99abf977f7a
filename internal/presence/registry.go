// Package presence derives per-user status from connection-registry
// activity, heartbeats and explicit client updates, replicates changes
// across instances through the fan-out bus, and persists records with a
// short TTL in the shared store for instance-restart recovery.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"github.com/webitel/im-realtime-engine/internal/store"
)

type Config struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	StoreTTL      time.Duration
}

// Registry owns the presence records on this instance. The in-memory map is
// a cache; the shared store is the recovery source of truth.
type Registry struct {
	cfg        Config
	hub        registry.Hubber
	bus        pubsub.Dispatcher
	store      store.Store
	directory  model.Directory
	sched      *scheduler.Scheduler
	clock      scheduler.Clock
	logger     *slog.Logger
	instanceID string

	mu      sync.RWMutex
	records map[uuid.UUID]*model.PresenceRecord

	sweepTask *scheduler.Task
	stopped   bool
}

func NewRegistry(
	cfg Config,
	hub registry.Hubber,
	bus pubsub.Dispatcher,
	st store.Store,
	directory model.Directory,
	sched *scheduler.Scheduler,
	logger *slog.Logger,
	instanceID string,
) *Registry {
	return &Registry{
		cfg:        cfg,
		hub:        hub,
		bus:        bus,
		store:      st,
		directory:  directory,
		sched:      sched,
		clock:      sched.Clock(),
		logger:     logger,
		instanceID: instanceID,
		records:    make(map[uuid.UUID]*model.PresenceRecord),
	}
}

// UserOnline implements registry.TransitionListener.
func (r *Registry) UserOnline(userID uuid.UUID) {
	r.setAndBroadcast(context.Background(), userID, model.StatusOnline, "", true)
}

// UserOffline implements registry.TransitionListener. The hub already
// debounced this edge; offline is authoritative because the connection set
// is empty.
func (r *Registry) UserOffline(userID uuid.UUID) {
	r.setAndBroadcast(context.Background(), userID, model.StatusOffline, "", true)
}

// SetStatus applies an explicit client status update. Offline from a client
// is ignored while connections exist; the registry transition owns that.
func (r *Registry) SetStatus(ctx context.Context, userID uuid.UUID, status model.Status, activity string) error {
	if !status.Valid() {
		return fmt.Errorf("presence: invalid status %q", status)
	}
	if status == model.StatusOffline && r.hub.IsConnected(userID) {
		return fmt.Errorf("presence: cannot set offline while connections exist")
	}
	r.setAndBroadcast(ctx, userID, status, activity, true)
	return nil
}

// Heartbeat refreshes last-seen without a status change.
func (r *Registry) Heartbeat(userID uuid.UUID) {
	now := r.clock.Now().UnixMilli()
	r.mu.Lock()
	if rec, ok := r.records[userID]; ok {
		rec.LastSeenAt = now
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// First signal from a user we have no record for (e.g. after an
	// instance restart): rebuild it from the live connection set.
	if r.hub.IsConnected(userID) {
		r.setAndBroadcast(context.Background(), userID, model.StatusOnline, "", false)
	}
}

// GetStatus returns the cached record, falling back to the shared store,
// and finally to a synthesized offline record.
func (r *Registry) GetStatus(ctx context.Context, userID uuid.UUID) model.PresenceRecord {
	r.mu.RLock()
	if rec, ok := r.records[userID]; ok {
		out := *rec
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	if raw, err := r.store.Get(ctx, store.PresenceKey(userID.String())); err == nil {
		var rec model.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			r.mu.Lock()
			r.records[userID] = &rec
			r.mu.Unlock()
			return rec
		}
	}
	return model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
}

// IsOnline reports the replicated global view: any non-offline status
// counts, whichever instance holds the connections.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	if r.hub.IsConnected(userID) {
		return true
	}
	return r.GetStatus(context.Background(), userID).Status != model.StatusOffline
}

func (r *Registry) setAndBroadcast(ctx context.Context, userID uuid.UUID, status model.Status, activity string, publish bool) {
	now := r.clock.Now().UnixMilli()
	rec := &model.PresenceRecord{
		UserID:     userID,
		Status:     status,
		Activity:   activity,
		InstanceID: r.instanceID,
		LastSeenAt: now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.records[userID] = rec
	r.mu.Unlock()

	r.persist(ctx, rec)
	if publish {
		r.broadcast(ctx, rec)
	}
}

func (r *Registry) persist(ctx context.Context, rec *model.PresenceRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = r.store.Set(ctx, store.PresenceKey(rec.UserID.String()), string(raw), r.cfg.StoreTTL)
	if err != nil && !errors.Is(err, model.ErrStoreUnavailable) {
		r.logger.Warn("presence persist failed", "user_id", rec.UserID, "err", err)
	}
}

// broadcast publishes the change scoped to the user's watcher set, never
// globally, and pushes the update to watchers connected locally.
func (r *Registry) broadcast(ctx context.Context, rec *model.PresenceRecord) {
	watchers, err := r.directory.WatchersOf(ctx, rec.UserID)
	if err != nil {
		r.logger.Warn("presence watcher lookup failed", "user_id", rec.UserID, "err", err)
		return
	}
	if len(watchers) == 0 {
		return
	}

	payload := &model.PresencePayload{UserID: rec.UserID, Status: rec.Status, Activity: rec.Activity}
	for _, w := range watchers {
		r.hub.Broadcast(model.NewEvent(model.PresenceUpdated, w, model.PriorityLow, payload))
	}

	wire := &pubsub.PresenceWire{Record: *rec, Watchers: watchers}
	if err := r.bus.Publish(ctx, pubsub.TopicPresenceStatus, wire); err != nil {
		r.logger.Warn("presence publish failed", "user_id", rec.UserID, "err", err)
	}
}

// ApplyRemote merges a record replicated from another instance and notifies
// locally connected watchers. It never re-publishes.
func (r *Registry) ApplyRemote(wire *pubsub.PresenceWire) {
	rec := wire.Record

	r.mu.Lock()
	if cur, ok := r.records[rec.UserID]; ok && cur.UpdatedAt > rec.UpdatedAt {
		// Stale echo: best-effort ordering on the bus.
		r.mu.Unlock()
		return
	}
	r.records[rec.UserID] = &rec
	r.mu.Unlock()

	payload := &model.PresencePayload{UserID: rec.UserID, Status: rec.Status, Activity: rec.Activity}
	for _, w := range wire.Watchers {
		r.hub.Broadcast(model.NewEvent(model.PresenceUpdated, w, model.PriorityLow, payload))
	}
}

// StartSweep launches the periodic defensive pass that marks records with
// no heartbeat inside the staleness window as offline, correcting for
// missed disconnect events.
func (r *Registry) StartSweep() {
	r.scheduleSweep()
}

func (r *Registry) scheduleSweep() {
	r.sweepTask = r.sched.Schedule(r.cfg.SweepInterval, func() {
		r.sweep()
		r.mu.RLock()
		stopped := r.stopped
		r.mu.RUnlock()
		if !stopped {
			r.scheduleSweep()
		}
	})
}

func (r *Registry) sweep() {
	cutoff := r.clock.Now().Add(-r.cfg.StaleAfter).UnixMilli()

	var stale []uuid.UUID
	r.mu.RLock()
	for id, rec := range r.records {
		if rec.Status != model.StatusOffline && rec.LastSeenAt < cutoff && !r.hub.IsConnected(id) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("presence sweep marking stale user offline", "user_id", id)
		r.setAndBroadcast(context.Background(), id, model.StatusOffline, "", true)
	}
}

func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	if r.sweepTask != nil {
		r.sweepTask.Cancel()
	}
}
