package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/delivery"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/offline"
	"github.com/webitel/im-realtime-engine/internal/presence"
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

func (h *fakeHub) setConnected(userID uuid.UUID, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected[userID] = on
}

func (h *fakeHub) Broadcast(ev model.Eventer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.connected[ev.GetUserID()]
}

func (h *fakeHub) Register(_ registry.Connector) {}
func (h *fakeHub) Unregister(_, _ uuid.UUID) {}
func (h *fakeHub) ConnectionsOf(uuid.UUID) []uuid.UUID { return nil }
func (h *fakeHub) Stats() model.HubStats { return model.HubStats{} }
func (h *fakeHub) Shutdown() {}

func (h *fakeHub) IsConnected(userID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected[userID]
}

func (h *fakeHub) eventsFor(userID uuid.UUID, kind model.EventKind) []model.Eventer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Eventer
	for _, ev := range h.events {
		if ev.GetUserID() == userID && ev.GetKind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

type nullBus struct{}

func (nullBus) Publish(context.Context, string, any) error { return nil }
func (nullBus) Publisher() message.Publisher               { return nil }
func (nullBus) Origin() string                             { return "local" }

type emptyDirectory struct{}

func (emptyDirectory) MembersOf(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (emptyDirectory) WatchersOf(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

type busFixture struct {
	handlers *Handlers
	hub      *fakeHub
	tracker  *delivery.Tracker
	clock    *scheduler.FakeClock
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	clock := scheduler.NewFakeClock(time.Unix(30000, 0))
	sched := scheduler.New(clock)
	mem := store.NewMemory().WithNow(clock.Now)
	hub := newFakeHub()
	logger := slog.Default()

	pres := presence.NewRegistry(presence.Config{
		StaleAfter:    5 * time.Minute,
		SweepInterval: time.Minute,
		StoreTTL:      10 * time.Minute,
	}, hub, nullBus{}, mem, emptyDirectory{}, sched, logger, "local")

	queue := offline.NewQueue(offline.Config{
		Capacity:   50,
		TTL:        time.Hour,
		DrainBatch: 10,
		DrainDelay: 100 * time.Millisecond,
		SweepEvery: 10 * time.Minute,
	}, mem, sched, logger)

	batcher := delivery.NewBatcher(10, 2*time.Second, hub, sched)
	tracker, err := delivery.NewTracker(delivery.Config{
		AckTimeout:    30 * time.Second,
		MaxRetries:    3,
		BackoffBase:   2 * time.Second,
		DedupCapacity: 128,
		DedupHorizon:  30 * time.Minute,
		RecordTTL:     time.Hour,
		DrainBatch:    10,
		DrainDelay:    100 * time.Millisecond,
	}, hub, pres, queue, nullBus{}, batcher, sched, mem, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		tracker.Stop()
		pres.Stop()
		queue.Stop()
	})

	handlers := NewHandlers(hub, tracker, pres, nullBus{}, logger)
	return &busFixture{handlers: handlers, hub: hub, tracker: tracker, clock: clock}
}

func envelope(t *testing.T, origin string, payload any) *message.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(&pubsub.Envelope{
		ID:      uuid.NewString(),
		Origin:  origin,
		Payload: body,
	})
	if err != nil {
		t.Fatal(err)
	}
	return message.NewMessage(uuid.NewString(), raw)
}

func TestBindDropsOwnEcho(t *testing.T) {
	f := newBusFixture(t)

	calls := 0
	handler := Bind(f.handlers, func(_ context.Context, _ *pubsub.AckWire) error {
		calls++
		return nil
	})

	wire := &pubsub.AckWire{DeliveryID: uuid.New(), UserID: uuid.New()}
	if err := handler(envelope(t, "local", wire)); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatal("own echo must be dropped before the handler")
	}

	if err := handler(envelope(t, "peer", wire)); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatal("foreign event must reach the handler")
	}
}

func TestBindAcksMalformedPayload(t *testing.T) {
	f := newBusFixture(t)
	handler := Bind(f.handlers, func(_ context.Context, _ *pubsub.AckWire) error {
		t.Fatal("handler must not run on malformed input")
		return nil
	})

	msg := message.NewMessage(uuid.NewString(), []byte("not json"))
	if err := handler(msg); err != nil {
		t.Fatal("malformed input must be acked, not retried")
	}
}

func TestOnDeliveryPushRespectsLocality(t *testing.T) {
	f := newBusFixture(t)
	user := uuid.New()
	wire := &pubsub.PushWire{
		DeliveryID: uuid.New(),
		UserID:     user,
		Priority:   model.PriorityNormal,
		Message:    &model.Message{ID: uuid.New(), ChannelID: uuid.New()},
	}

	if err := f.handlers.OnDeliveryPush(context.Background(), wire); err != nil {
		t.Fatal(err)
	}
	if got := f.hub.eventsFor(user, model.MessageCreated); len(got) != 0 {
		t.Fatal("no push for a user without local sessions")
	}

	f.hub.setConnected(user, true)
	if err := f.handlers.OnDeliveryPush(context.Background(), wire); err != nil {
		t.Fatal(err)
	}
	if got := f.hub.eventsFor(user, model.MessageCreated); len(got) != 1 {
		t.Fatalf("expected one local push, got %d", len(got))
	}
}

func TestOnDeliveryReadResolvesLocalRecord(t *testing.T) {
	f := newBusFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(sender, true)
	f.hub.setConnected(recipient, true)

	msg := &model.Message{ID: uuid.New(), ChannelID: uuid.New(), SenderID: sender, Type: "text"}
	receipt, err := f.tracker.Send(context.Background(), &delivery.SendRequest{
		Message:    msg,
		Recipients: []uuid.UUID{recipient},
		Priority:   model.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.tracker.Acknowledge(receipt.DeliveryID, recipient)

	// The reading instance did not own the record, so the wire carries no
	// sender; the local record resolves it.
	wire := &pubsub.ReadWire{MessageID: msg.ID, UserID: recipient, ReadAt: 123}
	if err := f.handlers.OnDeliveryRead(context.Background(), wire); err != nil {
		t.Fatal(err)
	}
	if got := f.hub.eventsFor(sender, model.ReadReceipt); len(got) != 1 {
		t.Fatalf("sender should see the replicated read receipt, got %d", len(got))
	}
}

func TestOnTypingBroadcastsToLocalMembers(t *testing.T) {
	f := newBusFixture(t)
	typist, local, remote := uuid.New(), uuid.New(), uuid.New()
	f.hub.setConnected(local, true)

	wire := &pubsub.TypingWire{
		UserID:    typist,
		ChannelID: uuid.New(),
		Members:   []uuid.UUID{typist, local, remote},
		Started:   true,
	}
	if err := f.handlers.OnTyping(context.Background(), wire); err != nil {
		t.Fatal(err)
	}

	if got := f.hub.eventsFor(local, model.TypingStarted); len(got) != 1 {
		t.Fatalf("local member should see the edge, got %d", len(got))
	}
	if got := f.hub.eventsFor(remote, model.TypingStarted); len(got) != 0 {
		t.Fatal("members without local sessions are another instance's job")
	}
	if got := f.hub.eventsFor(typist, model.TypingStarted); len(got) != 0 {
		t.Fatal("the typist must not receive their own edge")
	}
}

func TestOnPresenceStatusNotifiesLocalWatchers(t *testing.T) {
	f := newBusFixture(t)
	subject, watcher := uuid.New(), uuid.New()
	f.hub.setConnected(watcher, true)

	wire := &pubsub.PresenceWire{
		Record: model.PresenceRecord{
			UserID:    subject,
			Status:    model.StatusDND,
			UpdatedAt: time.Now().UnixMilli(),
		},
		Watchers: []uuid.UUID{watcher},
	}
	if err := f.handlers.OnPresenceStatus(context.Background(), wire); err != nil {
		t.Fatal(err)
	}

	updates := f.hub.eventsFor(watcher, model.PresenceUpdated)
	if len(updates) != 1 {
		t.Fatalf("watcher should see the update, got %d", len(updates))
	}
	payload := updates[0].GetPayload().(*model.PresencePayload)
	if payload.UserID != subject || payload.Status != model.StatusDND {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
