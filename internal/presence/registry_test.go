package presence

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"github.com/webitel/im-realtime-engine/internal/store"
)

type fakeHub struct {
	mu        sync.Mutex
	connected map[uuid.UUID]bool
	events    []model.Eventer
}

func newFakeHub() *fakeHub {
	return &fakeHub{connected: make(map[uuid.UUID]bool)}
}

func (h *fakeHub) Broadcast(ev model.Eventer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.connected[ev.GetUserID()]
}
func (h *fakeHub) Register(registry.Connector) {}
func (h *fakeHub) Unregister(_, _ uuid.UUID)   {}
func (h *fakeHub) IsConnected(userID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected[userID]
}
func (h *fakeHub) ConnectionsOf(uuid.UUID) []uuid.UUID { return nil }
func (h *fakeHub) Stats() model.HubStats               { return model.HubStats{} }
func (h *fakeHub) Shutdown()                           {}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
	wires  []any
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.wires = append(b.wires, payload)
	return nil
}
func (b *fakeBus) Publisher() message.Publisher { return nil }
func (b *fakeBus) Origin() string               { return "test" }

type staticDirectory struct {
	members  map[uuid.UUID][]uuid.UUID
	watchers map[uuid.UUID][]uuid.UUID
}

func (d *staticDirectory) MembersOf(_ context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	return d.members[channelID], nil
}
func (d *staticDirectory) WatchersOf(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return d.watchers[userID], nil
}

func newTestRegistry(t *testing.T, hub *fakeHub, dir *staticDirectory) (*Registry, *scheduler.FakeClock, *fakeBus, *store.Memory) {
	t.Helper()
	clock := scheduler.NewFakeClock(time.Unix(1000, 0))
	sched := scheduler.New(clock)
	bus := &fakeBus{}
	mem := store.NewMemory().WithNow(clock.Now)
	if dir == nil {
		dir = &staticDirectory{}
	}
	r := NewRegistry(Config{
		StaleAfter:    5 * time.Minute,
		SweepInterval: time.Minute,
		StoreTTL:      10 * time.Minute,
	}, hub, bus, mem, dir, sched, slog.Default(), "node-a")
	t.Cleanup(r.Stop)
	return r, clock, bus, mem
}

func TestOnlineOfflineTransitions(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, _, _, _ := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)
	if got := r.GetStatus(context.Background(), user).Status; got != model.StatusOnline {
		t.Fatalf("expected online, got %s", got)
	}

	hub.connected[user] = false
	r.UserOffline(user)
	if got := r.GetStatus(context.Background(), user).Status; got != model.StatusOffline {
		t.Fatalf("expected offline, got %s", got)
	}
}

func TestExplicitStatusRules(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, _, _, _ := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)

	if err := r.SetStatus(context.Background(), user, model.StatusDND, "in a meeting"); err != nil {
		t.Fatalf("dnd should be accepted: %v", err)
	}
	if got := r.GetStatus(context.Background(), user); got.Status != model.StatusDND || got.Activity != "in a meeting" {
		t.Fatalf("unexpected record %+v", got)
	}

	// Offline is authoritative only when the connection set is empty.
	if err := r.SetStatus(context.Background(), user, model.StatusOffline, ""); err == nil {
		t.Fatal("explicit offline with live connections must be rejected")
	}
	if err := r.SetStatus(context.Background(), user, "busy", ""); err == nil {
		t.Fatal("invalid status must be rejected")
	}
}

func TestBroadcastScopedToWatchers(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	w1, w2 := uuid.New(), uuid.New()
	dir := &staticDirectory{watchers: map[uuid.UUID][]uuid.UUID{user: {w1, w2}}}
	r, _, bus, _ := newTestRegistry(t, hub, dir)

	hub.connected[user] = true
	r.UserOnline(user)

	if len(hub.events) != 2 {
		t.Fatalf("expected a local push per watcher, got %d", len(hub.events))
	}
	if len(bus.topics) != 1 || bus.topics[0] != pubsub.TopicPresenceStatus {
		t.Fatalf("expected one presence publish, got %v", bus.topics)
	}
	wire := bus.wires[0].(*pubsub.PresenceWire)
	if len(wire.Watchers) != 2 {
		t.Fatalf("wire should carry the watcher set, got %v", wire.Watchers)
	}
}

func TestNoWatchersNoPublish(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, _, bus, _ := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)
	if len(bus.topics) != 0 {
		t.Fatal("presence must never be broadcast without a watcher scope")
	}
}

func TestSweepMarksStaleOffline(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, clock, _, _ := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)
	r.StartSweep()

	// Connection evaporates without an unregister (abrupt network loss).
	hub.connected[user] = false

	clock.Advance(6 * time.Minute)
	if got := r.GetStatus(context.Background(), user).Status; got != model.StatusOffline {
		t.Fatalf("stale record should be swept offline, got %s", got)
	}
}

func TestHeartbeatKeepsUserAlive(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, clock, _, _ := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)
	r.StartSweep()

	for i := 0; i < 3; i++ {
		clock.Advance(4 * time.Minute)
		r.Heartbeat(user)
	}
	if got := r.GetStatus(context.Background(), user).Status; got != model.StatusOnline {
		t.Fatalf("heartbeating user must stay online, got %s", got)
	}
}

func TestStatusRecoveredFromStore(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, _, _, mem := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)

	// A fresh registry on the same store (instance restart) sees the record.
	clock2 := scheduler.NewFakeClock(time.Unix(2000, 0))
	r2 := NewRegistry(Config{
		StaleAfter:    5 * time.Minute,
		SweepInterval: time.Minute,
		StoreTTL:      10 * time.Minute,
	}, newFakeHub(), &fakeBus{}, mem, &staticDirectory{}, scheduler.New(clock2), slog.Default(), "node-b")
	defer r2.Stop()

	if got := r2.GetStatus(context.Background(), user).Status; got != model.StatusOnline {
		t.Fatalf("expected record recovered from store, got %s", got)
	}
}

func TestApplyRemoteIgnoresStaleEcho(t *testing.T) {
	hub := newFakeHub()
	user := uuid.New()
	r, clock, _, _ := newTestRegistry(t, hub, nil)

	hub.connected[user] = true
	r.UserOnline(user)
	cur := r.GetStatus(context.Background(), user)

	r.ApplyRemote(&pubsub.PresenceWire{Record: model.PresenceRecord{
		UserID:    user,
		Status:    model.StatusOffline,
		UpdatedAt: cur.UpdatedAt - 5000,
	}})
	if got := r.GetStatus(context.Background(), user).Status; got != model.StatusOnline {
		t.Fatal("older remote update must not clobber a newer local one")
	}

	r.ApplyRemote(&pubsub.PresenceWire{Record: model.PresenceRecord{
		UserID:    user,
		Status:    model.StatusIdle,
		UpdatedAt: clock.Now().UnixMilli() + 1,
	}})
	if got := r.GetStatus(context.Background(), user).Status; got != model.StatusIdle {
		t.Fatal("newer remote update should apply")
	}
}
