package delivery

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
	"github.com/webitel/im-realtime-engine/internal/offline"
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

type nobodyOnline struct{}

func (nobodyOnline) IsOnline(uuid.UUID) bool { return false }

type published struct {
	topic   string
	payload any
}

type fakeBus struct {
	mu   sync.Mutex
	sent []published
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{topic: topic, payload: payload})
	return nil
}

func (b *fakeBus) Publisher() message.Publisher { return nil }
func (b *fakeBus) Origin() string               { return "test" }

func (b *fakeBus) onTopic(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.sent {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type trackerFixture struct {
	tracker *Tracker
	hub     *fakeHub
	bus     *fakeBus
	clock   *scheduler.FakeClock
	queue   *offline.Queue
}

func newFixture(t *testing.T) *trackerFixture {
	t.Helper()
	clock := scheduler.NewFakeClock(time.Unix(10000, 0))
	sched := scheduler.New(clock)
	mem := store.NewMemory().WithNow(clock.Now)
	hub := newFakeHub()
	bus := &fakeBus{}

	queue := offline.NewQueue(offline.Config{
		Capacity:   50,
		TTL:        time.Hour,
		DrainBatch: 2,
		DrainDelay: 150 * time.Millisecond,
		SweepEvery: 10 * time.Minute,
	}, mem, sched, slog.Default())

	batcher := NewBatcher(3, 2*time.Second, hub, sched)
	tracker, err := NewTracker(Config{
		AckTimeout:    30 * time.Second,
		MaxRetries:    3,
		BackoffBase:   2 * time.Second,
		DedupCapacity: 128,
		DedupHorizon:  30 * time.Minute,
		RecordTTL:     time.Hour,
		DrainBatch:    2,
		DrainDelay:    150 * time.Millisecond,
	}, hub, nobodyOnline{}, queue, bus, batcher, sched, mem, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tracker.Stop)
	t.Cleanup(queue.Stop)
	return &trackerFixture{tracker: tracker, hub: hub, bus: bus, clock: clock, queue: queue}
}

func sendReq(sender uuid.UUID, recipients ...uuid.UUID) *SendRequest {
	return &SendRequest{
		Message: &model.Message{
			ID:        uuid.New(),
			ChannelID: uuid.New(),
			SenderID:  sender,
			Type:      "text",
			Text:      "hi",
		},
		Recipients: recipients,
		Priority:   model.PriorityNormal,
	}
}

func TestOnlineRecipientPushAckDiscard(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)

	receipt, err := f.tracker.Send(context.Background(), sendReq(sender, recipient))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.PendingRecipients) != 1 || receipt.PendingRecipients[0] != recipient {
		t.Fatalf("recipient should be pending, got %+v", receipt)
	}
	if len(receipt.OfflineRecipients) != 0 {
		t.Fatal("online recipient must not be parked offline")
	}
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatalf("expected 1 local push, got %d", len(got))
	}
	if got := f.bus.onTopic(pubsub.TopicDeliveryPush); len(got) != 1 {
		t.Fatalf("push must be replicated on the bus, got %d", len(got))
	}

	f.clock.Advance(time.Second)
	if !f.tracker.Acknowledge(receipt.DeliveryID, recipient) {
		t.Fatal("ack of a local record must be handled here")
	}
	if f.tracker.Records() != 0 {
		t.Fatal("record must be discarded once all recipients are terminal")
	}
	if f.tracker.Latency() != time.Second {
		t.Fatalf("latency average should reflect the ack, got %s", f.tracker.Latency())
	}

	// Ack timeout long past: no retry may fire for an acked recipient.
	f.clock.Advance(5 * time.Minute)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatalf("no redelivery after ack, got %d pushes", len(got))
	}
}

func TestRetryBackoffThenPermanentFailure(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)

	if _, err := f.tracker.Send(context.Background(), sendReq(sender, recipient)); err != nil {
		t.Fatal(err)
	}

	// 30s ack window, then backoff 2s, 4s, 8s between redeliveries. Never
	// acknowledged, so after 3 retries the recipient goes failed.
	f.clock.Advance(30 * time.Second)
	f.clock.Advance(2 * time.Second)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 2 {
		t.Fatalf("expected first redelivery after backoff, got %d pushes", len(got))
	}

	f.clock.Advance(10 * time.Minute)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 4 {
		t.Fatalf("expected initial push plus 3 retries, got %d", len(got))
	}
	if f.tracker.Records() != 0 {
		t.Fatal("exhausted record must be discarded")
	}
	if got := f.hub.eventsFor(sender, model.DeliveryFailed); len(got) != 1 {
		t.Fatalf("sender must see one failure event, got %d", len(got))
	}
	if got := f.bus.onTopic(pubsub.TopicDeliveryFailed); len(got) != 1 {
		t.Fatalf("failure must be replicated on the bus, got %d", len(got))
	}
}

func TestOfflineRecipientParksAndDrains(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	ctx := context.Background()

	receipt, err := f.tracker.Send(ctx, sendReq(sender, recipient))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.OfflineRecipients) != 1 || receipt.OfflineRecipients[0] != recipient {
		t.Fatalf("recipient should be parked offline, got %+v", receipt)
	}
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 0 {
		t.Fatal("no push while offline")
	}

	// No ack timer armed: time passing must not fail the parked recipient.
	f.clock.Advance(10 * time.Minute)
	if got := f.hub.eventsFor(sender, model.DeliveryFailed); len(got) != 0 {
		t.Fatal("offline parking is not a failure")
	}

	f.hub.setConnected(recipient, true)
	f.tracker.DeliverBacklog(ctx, recipient)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatalf("backlog drain should push the parked message, got %d", len(got))
	}

	if !f.tracker.Acknowledge(receipt.DeliveryID, recipient) {
		t.Fatal("ack after drain must resolve against the live record")
	}
	if f.tracker.Records() != 0 {
		t.Fatal("record must be discarded after the late ack")
	}
}

func TestBacklogDeliveredInPacedBatches(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.tracker.Send(ctx, sendReq(sender, recipient)); err != nil {
			t.Fatal(err)
		}
	}

	f.hub.setConnected(recipient, true)
	f.tracker.DeliverBacklog(ctx, recipient)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 2 {
		t.Fatalf("first batch should hold 2 pushes, got %d", len(got))
	}

	f.clock.Advance(150 * time.Millisecond)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 4 {
		t.Fatalf("second batch should follow the inter-batch delay, got %d", len(got))
	}

	f.clock.Advance(150 * time.Millisecond)
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 5 {
		t.Fatalf("final batch should complete the backlog, got %d", len(got))
	}
}

func TestDuplicateSendReturnsOriginalDelivery(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	ctx := context.Background()

	req := sendReq(sender, recipient)
	req.IdempotencyToken = "tok-1"
	first, err := f.tracker.Send(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	retry := sendReq(sender, recipient)
	retry.IdempotencyToken = "tok-1"
	second, err := f.tracker.Send(ctx, retry)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.DeliveryID != first.DeliveryID {
		t.Fatalf("retry must return the original delivery id, got %+v", second)
	}
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatalf("duplicate must not push again, got %d", len(got))
	}
}

func TestConcurrentDuplicateSendsProduceOneRecord(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	ctx := context.Background()

	const racers = 4
	start := make(chan struct{})
	receipts := make([]*model.SendReceipt, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := sendReq(sender, recipient)
			req.IdempotencyToken = "race-tok"
			receipt, err := f.tracker.Send(ctx, req)
			if err != nil {
				t.Error(err)
				return
			}
			receipts[i] = receipt
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, r := range receipts {
		if r == nil {
			t.Fatal("every racer must get a receipt")
		}
		if r.DeliveryID != receipts[0].DeliveryID {
			t.Fatalf("racers must agree on one delivery id, got %s and %s",
				receipts[0].DeliveryID, r.DeliveryID)
		}
		if !r.Duplicate {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one racer may create the record, got %d", winners)
	}
	if f.tracker.Records() != 1 {
		t.Fatalf("one token means one live record, got %d", f.tracker.Records())
	}
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatalf("the recipient must see a single push, got %d", len(got))
	}
}

func TestStoreOutageDoesNotBlockSends(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(10000, 0))
	sched := scheduler.New(clock)
	mem := store.NewMemory().WithNow(clock.Now)
	mem.FailAll = true
	hub := newFakeHub()
	bus := &fakeBus{}

	queue := offline.NewQueue(offline.Config{
		Capacity:   50,
		TTL:        time.Hour,
		DrainBatch: 2,
		DrainDelay: 150 * time.Millisecond,
		SweepEvery: 10 * time.Minute,
	}, mem, sched, slog.Default())

	batcher := NewBatcher(3, 2*time.Second, hub, sched)
	tracker, err := NewTracker(Config{
		AckTimeout:    30 * time.Second,
		MaxRetries:    3,
		BackoffBase:   2 * time.Second,
		DedupCapacity: 128,
		DedupHorizon:  30 * time.Minute,
		RecordTTL:     time.Hour,
		DrainBatch:    2,
		DrainDelay:    150 * time.Millisecond,
	}, hub, nobodyOnline{}, queue, bus, batcher, sched, mem, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tracker.Stop)
	t.Cleanup(queue.Stop)

	sender, recipient := uuid.New(), uuid.New()
	hub.setConnected(recipient, true)

	// The dedup mirror is down; the in-memory horizon carries the guarantee
	// and the online recipient still gets the push.
	req := sendReq(sender, recipient)
	req.IdempotencyToken = "tok-degraded"
	receipt, err := tracker.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.PendingRecipients) != 1 {
		t.Fatalf("online recipient must resolve with the store down, got %+v", receipt)
	}
	if got := hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatalf("expected 1 push, got %d", len(got))
	}

	retry := sendReq(sender, recipient)
	retry.IdempotencyToken = "tok-degraded"
	second, err := tracker.Send(context.Background(), retry)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.DeliveryID != receipt.DeliveryID {
		t.Fatalf("in-memory dedup must hold without the store, got %+v", second)
	}
}

func TestMarkReadNotifiesSender(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	f.hub.setConnected(sender, true)
	ctx := context.Background()

	req := sendReq(sender, recipient)
	receipt, err := f.tracker.Send(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	f.tracker.Acknowledge(receipt.DeliveryID, recipient)

	wire := f.tracker.MarkRead(req.Message.ID, recipient, 0)
	if wire == nil || wire.SenderID != sender {
		t.Fatalf("read receipt must carry the sender, got %+v", wire)
	}
	if got := f.hub.eventsFor(sender, model.ReadReceipt); len(got) != 1 {
		t.Fatalf("sender should see the read receipt, got %d", len(got))
	}

	// The record is gone by now; a duplicate receipt still resolves the
	// sender through the read index and stays idempotent for state.
	again := f.tracker.MarkRead(req.Message.ID, recipient, 0)
	if again == nil || again.SenderID != sender {
		t.Fatal("late read receipt must resolve via the read index")
	}
}

func TestMarkReadUnknownMessageIsNoop(t *testing.T) {
	f := newFixture(t)
	if wire := f.tracker.MarkRead(uuid.New(), uuid.New(), 0); wire != nil {
		t.Fatalf("unknown message must be a no-op, got %+v", wire)
	}
}

func TestAckOfUnknownRecordReportsMiss(t *testing.T) {
	f := newFixture(t)
	if f.tracker.Acknowledge(uuid.New(), uuid.New()) {
		t.Fatal("unknown record must report a miss so the ack is replicated")
	}
}

func TestRemoteAckIdempotent(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)

	receipt, err := f.tracker.Send(context.Background(), sendReq(sender, recipient))
	if err != nil {
		t.Fatal(err)
	}
	f.tracker.Acknowledge(receipt.DeliveryID, recipient)
	// A replicated echo of the same ack must not disturb anything.
	f.tracker.Acknowledge(receipt.DeliveryID, recipient)
	if f.tracker.Records() != 0 {
		t.Fatal("record stays discarded")
	}
}

func TestBatchedDeliveryFlushesOnWindow(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	f.tracker.ElectBatching(recipient, true)
	ctx := context.Background()

	if _, err := f.tracker.Send(ctx, sendReq(sender, recipient)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tracker.Send(ctx, sendReq(sender, recipient)); err != nil {
		t.Fatal(err)
	}
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 0 {
		t.Fatal("elected recipient must not receive individual pushes")
	}

	f.clock.Advance(2 * time.Second)
	batches := f.hub.eventsFor(recipient, model.MessageBatch)
	if len(batches) != 1 {
		t.Fatalf("expected one flushed batch, got %d", len(batches))
	}
	payload := batches[0].GetPayload().(*model.MessageBatchPayload)
	if len(payload.Items) != 2 {
		t.Fatalf("batch should hold both messages, got %d", len(payload.Items))
	}
}

func TestBatchedDeliveryFlushesOnSize(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	f.tracker.ElectBatching(recipient, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.tracker.Send(ctx, sendReq(sender, recipient)); err != nil {
			t.Fatal(err)
		}
	}
	batches := f.hub.eventsFor(recipient, model.MessageBatch)
	if len(batches) != 1 {
		t.Fatalf("size ceiling should flush without waiting, got %d batches", len(batches))
	}
}

func TestUrgentNeverBatched(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	f.tracker.ElectBatching(recipient, true)

	req := sendReq(sender, recipient)
	req.Priority = model.PriorityUrgent
	if _, err := f.tracker.Send(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := f.hub.eventsFor(recipient, model.MessageCreated); len(got) != 1 {
		t.Fatal("urgent must bypass the batch buffer")
	}
}

func TestPerMessageAcksInsideBatch(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	f.hub.setConnected(recipient, true)
	f.tracker.ElectBatching(recipient, true)
	ctx := context.Background()

	r1, _ := f.tracker.Send(ctx, sendReq(sender, recipient))
	r2, _ := f.tracker.Send(ctx, sendReq(sender, recipient))
	f.clock.Advance(2 * time.Second) // flush

	// Each constituent message keeps its own record and ack.
	f.tracker.Acknowledge(r1.DeliveryID, recipient)
	if f.tracker.Records() != 1 {
		t.Fatalf("only the acked record may be discarded, %d left", f.tracker.Records())
	}
	f.tracker.Acknowledge(r2.DeliveryID, recipient)
	if f.tracker.Records() != 0 {
		t.Fatal("both records discarded after both acks")
	}
}

func TestExpiredRecordSwept(t *testing.T) {
	f := newFixture(t)
	sender, recipient := uuid.New(), uuid.New()
	ctx := context.Background()

	req := sendReq(sender, recipient)
	req.TTL = 5 * time.Minute
	if _, err := f.tracker.Send(ctx, req); err != nil {
		t.Fatal(err)
	}
	if f.tracker.Records() != 1 {
		t.Fatal("record should be live while offline recipient is parked")
	}

	f.clock.Advance(10 * time.Minute)
	if f.tracker.Records() != 0 {
		t.Fatal("sweep must discard the expired record")
	}
}

func TestPartialResultPerRecipient(t *testing.T) {
	f := newFixture(t)
	sender := uuid.New()
	online, offline1 := uuid.New(), uuid.New()
	f.hub.setConnected(online, true)

	receipt, err := f.tracker.Send(context.Background(), sendReq(sender, online, offline1))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.PendingRecipients) != 1 || receipt.PendingRecipients[0] != online {
		t.Fatalf("online recipient should be pending, got %+v", receipt)
	}
	if len(receipt.OfflineRecipients) != 1 || receipt.OfflineRecipients[0] != offline1 {
		t.Fatalf("offline recipient should be parked, got %+v", receipt)
	}
}
