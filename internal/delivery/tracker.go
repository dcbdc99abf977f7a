// Package delivery owns the per-recipient delivery state machine: dedup of
// retried sends, immediate push plus cross-instance fan-out for online
// recipients, offline parking, ack timeouts with exponential backoff and the
// terminal failed state after retry exhaustion.
package delivery

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-realtime-engine/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/metrics"
	"github.com/webitel/im-realtime-engine/internal/offline"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
	"github.com/webitel/im-realtime-engine/internal/store"
	"golang.org/x/sync/errgroup"
)

// latencyAlpha weights the exponentially-weighted moving average of
// accept-to-ack latency.
const latencyAlpha = 0.2

// readIndexSize bounds the messageID -> sender mapping kept for read
// receipts arriving after the record was discarded.
const readIndexSize = 65536

type Config struct {
	AckTimeout    time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	DedupCapacity int
	DedupHorizon  time.Duration
	// RecordTTL bounds records whose send carried no explicit TTL, so a
	// record held open by recipients parked offline cannot live forever.
	RecordTTL  time.Duration
	DrainBatch int
	DrainDelay time.Duration
}

// OnlineChecker answers whether a user is reachable on any instance, not
// just this one. The presence registry implements it.
type OnlineChecker interface {
	IsOnline(userID uuid.UUID) bool
}

// SendRequest is one accepted fan-out operation.
type SendRequest struct {
	Message          *model.Message
	Recipients       []uuid.UUID
	IdempotencyToken string
	Priority         model.Priority
	TTL              time.Duration
}

// readTarget survives record discard so late read receipts still reach the
// sender.
type readTarget struct {
	deliveryID uuid.UUID
	senderID   uuid.UUID
}

// Tracker is the delivery state machine. Records are owned exclusively by
// the tracker; everything callers see is a snapshot.
type Tracker struct {
	cfg      Config
	hub      registry.Hubber
	presence OnlineChecker
	queue    *offline.Queue
	bus      pubsub.Dispatcher
	batcher  *Batcher
	sched    *scheduler.Scheduler
	clock    scheduler.Clock
	logger   *slog.Logger
	dedup    *dedupCache

	mu       sync.Mutex
	records  map[uuid.UUID]*model.DeliveryRecord
	msgIndex map[uuid.UUID]uuid.UUID // messageID -> deliveryID for live records
	tasks    map[string]*scheduler.Task
	channels map[uuid.UUID]*channelQueue
	seq      uint64

	latencyEWMA time.Duration

	sweepTask *scheduler.Task
	stopped   bool

	readIndex *lru.Cache[uuid.UUID, readTarget]
}

func NewTracker(
	cfg Config,
	hub registry.Hubber,
	presence OnlineChecker,
	queue *offline.Queue,
	bus pubsub.Dispatcher,
	batcher *Batcher,
	sched *scheduler.Scheduler,
	st store.Store,
	logger *slog.Logger,
) (*Tracker, error) {
	dedup, err := newDedupCache(cfg.DedupCapacity, cfg.DedupHorizon, st)
	if err != nil {
		return nil, fmt.Errorf("delivery tracker: dedup cache: %w", err)
	}
	readIndex, err := lru.New[uuid.UUID, readTarget](readIndexSize)
	if err != nil {
		return nil, fmt.Errorf("delivery tracker: read index: %w", err)
	}
	t := &Tracker{
		cfg:       cfg,
		hub:       hub,
		presence:  presence,
		queue:     queue,
		bus:       bus,
		batcher:   batcher,
		sched:     sched,
		clock:     sched.Clock(),
		logger:    logger,
		dedup:     dedup,
		records:   make(map[uuid.UUID]*model.DeliveryRecord),
		msgIndex:  make(map[uuid.UUID]uuid.UUID),
		tasks:     make(map[string]*scheduler.Task),
		channels:  make(map[uuid.UUID]*channelQueue),
		readIndex: readIndex,
	}
	t.scheduleSweep()
	return t, nil
}

// Send accepts one fan-out operation. Dispatch for a channel runs in
// producer priority order, FIFO within a priority; the call returns once
// this record's recipients have been resolved.
func (t *Tracker) Send(ctx context.Context, req *SendRequest) (*model.SendReceipt, error) {
	deliveryID := uuid.New()
	if winner, dup := t.dedup.Reserve(ctx, req.IdempotencyToken, deliveryID); dup {
		metrics.SendsDuplicate.Inc()
		return &model.SendReceipt{DeliveryID: winner, Duplicate: true}, nil
	}

	now := t.clock.Now()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = t.cfg.RecordTTL
	}
	rec := &model.DeliveryRecord{
		ID:         deliveryID,
		Message:    req.Message,
		Priority:   req.Priority,
		Recipients: make(map[uuid.UUID]*model.RecipientProgress, len(req.Recipients)),
		RetryCap:   t.cfg.MaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	for _, userID := range req.Recipients {
		rec.Recipients[userID] = &model.RecipientProgress{Status: model.StatusPending, UpdatedAt: now}
	}

	t.mu.Lock()
	t.records[rec.ID] = rec
	t.msgIndex[req.Message.ID] = rec.ID
	t.mu.Unlock()

	metrics.SendsAccepted.Inc()
	receipt := t.enqueueDispatch(ctx, rec)
	return receipt, nil
}

// dispatchJob orders records per channel: urgent first, FIFO within the
// same priority. done carries the receipt back to the waiting Send.
type dispatchJob struct {
	rec  *model.DeliveryRecord
	ctx  context.Context
	seq  uint64
	done chan *model.SendReceipt
}

type jobHeap []*dispatchJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].rec.Priority != h[j].rec.Priority {
		return h[i].rec.Priority > h[j].rec.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*dispatchJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

type channelQueue struct {
	jobs   jobHeap
	active bool
}

func (t *Tracker) enqueueDispatch(ctx context.Context, rec *model.DeliveryRecord) *model.SendReceipt {
	job := &dispatchJob{rec: rec, ctx: ctx, done: make(chan *model.SendReceipt, 1)}

	t.mu.Lock()
	t.seq++
	job.seq = t.seq
	cq, ok := t.channels[rec.Message.ChannelID]
	if !ok {
		cq = &channelQueue{}
		t.channels[rec.Message.ChannelID] = cq
	}
	heap.Push(&cq.jobs, job)
	startWorker := !cq.active
	if startWorker {
		cq.active = true
	}
	t.mu.Unlock()

	if startWorker {
		go t.drainChannel(rec.Message.ChannelID, cq)
	}
	return <-job.done
}

func (t *Tracker) drainChannel(channelID uuid.UUID, cq *channelQueue) {
	for {
		t.mu.Lock()
		if cq.jobs.Len() == 0 {
			cq.active = false
			delete(t.channels, channelID)
			t.mu.Unlock()
			return
		}
		job := heap.Pop(&cq.jobs).(*dispatchJob)
		t.mu.Unlock()

		job.done <- t.dispatch(job.ctx, job.rec)
	}
}

// dispatch resolves every recipient of one record concurrently. Recipients
// are independent: an unreachable one parks in the offline queue without
// affecting the rest, and no per-recipient failure fails the send.
func (t *Tracker) dispatch(ctx context.Context, rec *model.DeliveryRecord) *model.SendReceipt {
	receipt := &model.SendReceipt{DeliveryID: rec.ID}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(8)

	for userID := range rec.Recipients {
		g.Go(func() error {
			if t.hub.IsConnected(userID) || t.presence.IsOnline(userID) {
				t.pushRecipient(ctx, rec, userID)
				mu.Lock()
				receipt.PendingRecipients = append(receipt.PendingRecipients, userID)
				mu.Unlock()
				return nil
			}

			entry := &model.OfflineEntry{
				DeliveryID: rec.ID,
				Message:    rec.Message,
				Priority:   rec.Priority,
				ExpiresAt:  rec.ExpiresAt.UnixMilli(),
			}
			if err := t.queue.Enqueue(ctx, userID, entry); err != nil {
				t.logger.Error("offline enqueue failed, recipient kept pending",
					"delivery_id", rec.ID, "user_id", userID, "err", err)
			}
			mu.Lock()
			receipt.OfflineRecipients = append(receipt.OfflineRecipients, userID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return receipt
}

// pushRecipient delivers locally, replicates through the bus and arms the
// ack timeout.
func (t *Tracker) pushRecipient(ctx context.Context, rec *model.DeliveryRecord, userID uuid.UUID) {
	payload := &model.MessagePayload{DeliveryID: rec.ID, Message: rec.Message}
	t.DeliverLocal(userID, payload, rec.Priority)

	wire := &pubsub.PushWire{
		DeliveryID: rec.ID,
		UserID:     userID,
		Priority:   rec.Priority,
		Message:    rec.Message,
	}
	if err := t.bus.Publish(ctx, pubsub.TopicDeliveryPush, wire); err != nil {
		t.logger.Warn("push fan-out publish failed", "delivery_id", rec.ID, "err", err)
	}

	t.mu.Lock()
	if p, ok := rec.Recipients[userID]; ok && p.Status.CanAdvance(model.StatusSent) {
		p.Status = model.StatusSent
		p.UpdatedAt = t.clock.Now()
	}
	t.armCheck(rec.ID, userID, t.cfg.AckTimeout)
	t.mu.Unlock()
}

// DeliverLocal pushes one message to the user's local sessions, routing
// through the batch buffer when the client elected it. Urgent and high
// priority always go out immediately.
func (t *Tracker) DeliverLocal(userID uuid.UUID, payload *model.MessagePayload, prio model.Priority) {
	if prio < model.PriorityHigh && t.batcher.Elected(userID) {
		t.batcher.Add(userID, payload)
		return
	}
	t.hub.Broadcast(model.NewEvent(model.MessageCreated, userID, prio, payload))
}

func taskKey(deliveryID, userID uuid.UUID) string {
	return deliveryID.String() + "/" + userID.String()
}

// armCheck schedules the ack-timeout evaluation. Caller holds t.mu.
func (t *Tracker) armCheck(deliveryID, userID uuid.UUID, after time.Duration) {
	if t.stopped {
		return
	}
	key := taskKey(deliveryID, userID)
	if prev, ok := t.tasks[key]; ok {
		prev.Cancel()
	}
	t.tasks[key] = t.sched.Schedule(after, func() {
		t.checkRecipient(deliveryID, userID)
	})
}

// checkRecipient runs when an ack window elapses: retry with backoff while
// the cap allows, otherwise mark failed.
func (t *Tracker) checkRecipient(deliveryID, userID uuid.UUID) {
	t.mu.Lock()
	delete(t.tasks, taskKey(deliveryID, userID))
	rec, ok := t.records[deliveryID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p, ok := rec.Recipients[userID]
	if !ok || p.Status.Terminal() {
		t.mu.Unlock()
		return
	}

	if p.RetryCount < rec.RetryCap {
		delay := t.cfg.BackoffBase << p.RetryCount
		p.RetryCount++
		p.NextRetry = t.clock.Now().Add(delay)
		if t.stopped {
			t.mu.Unlock()
			return
		}
		key := taskKey(deliveryID, userID)
		t.tasks[key] = t.sched.Schedule(delay, func() {
			t.redeliver(deliveryID, userID)
		})
		t.mu.Unlock()
		metrics.Retries.Inc()
		return
	}

	p.Status = model.StatusFailed
	p.UpdatedAt = t.clock.Now()
	sender := rec.Message.SenderID
	messageID := rec.Message.ID
	t.maybeDiscardLocked(rec)
	t.mu.Unlock()

	failure := &model.PermanentFailureError{
		MessageID: messageID,
		UserID:    userID,
		Reason:    model.ErrDeliveryTimeout.Error(),
	}
	metrics.Failures.Inc()
	t.logger.Warn("delivery failed after retry exhaustion",
		"delivery_id", deliveryID, "err", failure)
	t.notifyFailure(sender, failure)
}

// redeliver re-pushes after the backoff window and rearms the ack timeout.
func (t *Tracker) redeliver(deliveryID, userID uuid.UUID) {
	t.mu.Lock()
	delete(t.tasks, taskKey(deliveryID, userID))
	rec, ok := t.records[deliveryID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p, ok := rec.Recipients[userID]
	if !ok || p.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.pushRecipient(context.Background(), rec, userID)
}

// Acknowledge transitions a recipient to delivered. Returns false when the
// record is unknown here, in which case the caller replicates the ack
// through the bus for the owning instance. Acking an already-terminal
// recipient is a no-op, which keeps cross-instance handlers idempotent.
func (t *Tracker) Acknowledge(deliveryID, userID uuid.UUID) bool {
	t.mu.Lock()
	rec, ok := t.records[deliveryID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	p, ok := rec.Recipients[userID]
	if !ok {
		t.mu.Unlock()
		return true
	}
	if !p.Status.CanAdvance(model.StatusDelivered) {
		t.mu.Unlock()
		return true
	}

	now := t.clock.Now()
	p.Status = model.StatusDelivered
	p.UpdatedAt = now
	if task, ok := t.tasks[taskKey(deliveryID, userID)]; ok {
		task.Cancel()
		delete(t.tasks, taskKey(deliveryID, userID))
	}

	latency := now.Sub(rec.CreatedAt)
	if t.latencyEWMA == 0 {
		t.latencyEWMA = latency
	} else {
		t.latencyEWMA = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(t.latencyEWMA))
	}
	t.maybeDiscardLocked(rec)
	t.mu.Unlock()

	metrics.Deliveries.Inc()
	metrics.DeliveryLatency.Observe(latency.Seconds())
	return true
}

// MarkRead transitions delivered -> read and notifies the sender's local
// sessions. The returned wire payload is non-nil when the receipt should
// also be replicated cross-instance; nil means the message is unknown here.
func (t *Tracker) MarkRead(messageID, userID uuid.UUID, readAt int64) *pubsub.ReadWire {
	if readAt == 0 {
		readAt = t.clock.Now().UnixMilli()
	}

	t.mu.Lock()
	var senderID uuid.UUID
	if deliveryID, ok := t.msgIndex[messageID]; ok {
		rec := t.records[deliveryID]
		p, ok := rec.Recipients[userID]
		if ok && p.Status.CanAdvance(model.StatusRead) {
			p.Status = model.StatusRead
			p.UpdatedAt = t.clock.Now()
			t.maybeDiscardLocked(rec)
		}
		senderID = rec.Message.SenderID
	} else if target, ok := t.readIndex.Get(messageID); ok {
		// Record already discarded: the read edge still reaches the sender.
		senderID = target.senderID
	} else {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.notifyRead(messageID, userID, senderID, readAt)
	return &pubsub.ReadWire{MessageID: messageID, UserID: userID, SenderID: senderID, ReadAt: readAt}
}

// ApplyRemoteRead handles a receipt replicated from another instance: it
// advances the local record if one exists and notifies the sender's local
// sessions, without re-publishing. The wire may carry a nil sender when the
// reading instance did not own the record; the local record or read index
// resolves it then.
func (t *Tracker) ApplyRemoteRead(wire *pubsub.ReadWire) {
	senderID := wire.SenderID

	t.mu.Lock()
	if deliveryID, ok := t.msgIndex[wire.MessageID]; ok {
		rec := t.records[deliveryID]
		senderID = rec.Message.SenderID
		if p, ok := rec.Recipients[wire.UserID]; ok && p.Status.CanAdvance(model.StatusRead) {
			p.Status = model.StatusRead
			p.UpdatedAt = t.clock.Now()
			t.maybeDiscardLocked(rec)
		}
	} else if senderID == uuid.Nil {
		if target, ok := t.readIndex.Get(wire.MessageID); ok {
			senderID = target.senderID
		}
	}
	t.mu.Unlock()

	if senderID == uuid.Nil {
		return
	}
	t.notifyRead(wire.MessageID, wire.UserID, senderID, wire.ReadAt)
}

func (t *Tracker) notifyRead(messageID, userID, senderID uuid.UUID, readAt int64) {
	payload := &model.ReadReceiptPayload{MessageID: messageID, UserID: userID, ReadAt: readAt}
	t.hub.Broadcast(model.NewEvent(model.ReadReceipt, senderID, model.PriorityNormal, payload))
}

// notifyFailure surfaces a terminal per-recipient failure to the sender,
// locally and cross-instance.
func (t *Tracker) notifyFailure(senderID uuid.UUID, failure *model.PermanentFailureError) {
	payload := &model.DeliveryFailedPayload{
		MessageID: failure.MessageID,
		UserID:    failure.UserID,
		Reason:    failure.Reason,
	}
	t.hub.Broadcast(model.NewEvent(model.DeliveryFailed, senderID, model.PriorityHigh, payload))

	wire := &pubsub.FailedWire{
		MessageID: failure.MessageID,
		UserID:    failure.UserID,
		SenderID:  senderID,
		Reason:    failure.Reason,
	}
	if err := t.bus.Publish(context.Background(), pubsub.TopicDeliveryFailed, wire); err != nil {
		t.logger.Warn("failure fan-out publish failed", "message_id", failure.MessageID, "err", err)
	}
}

// NotifyFailureLocal delivers a failure replicated from another instance to
// the sender's local sessions.
func (t *Tracker) NotifyFailureLocal(wire *pubsub.FailedWire) {
	payload := &model.DeliveryFailedPayload{MessageID: wire.MessageID, UserID: wire.UserID, Reason: wire.Reason}
	t.hub.Broadcast(model.NewEvent(model.DeliveryFailed, wire.SenderID, model.PriorityHigh, payload))
}

// maybeDiscardLocked drops the record once every recipient is terminal.
// Caller holds t.mu.
func (t *Tracker) maybeDiscardLocked(rec *model.DeliveryRecord) {
	if !rec.AllTerminal() {
		return
	}
	t.discardLocked(rec)
}

func (t *Tracker) discardLocked(rec *model.DeliveryRecord) {
	t.readIndex.Add(rec.Message.ID, readTarget{deliveryID: rec.ID, senderID: rec.Message.SenderID})
	delete(t.records, rec.ID)
	delete(t.msgIndex, rec.Message.ID)
	for userID := range rec.Recipients {
		key := taskKey(rec.ID, userID)
		if task, ok := t.tasks[key]; ok {
			task.Cancel()
			delete(t.tasks, key)
		}
	}
}

// DeliverBacklog pushes the user's drained offline backlog in fixed-size
// batches with a short inter-batch delay, so a reconnecting client is not
// flooded. Invoked once per online transition.
func (t *Tracker) DeliverBacklog(ctx context.Context, userID uuid.UUID) {
	entries, err := t.queue.Drain(ctx, userID)
	if err != nil {
		t.logger.Error("offline drain failed", "user_id", userID, "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	t.deliverBatch(userID, entries)
}

func (t *Tracker) deliverBatch(userID uuid.UUID, entries []*model.OfflineEntry) {
	n := t.cfg.DrainBatch
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		payload := &model.MessagePayload{DeliveryID: e.DeliveryID, Message: e.Message}
		t.hub.Broadcast(model.NewEvent(model.MessageCreated, userID, e.Priority, payload))
		metrics.OfflineDrained.Inc()
	}

	rest := entries[n:]
	if len(rest) == 0 {
		return
	}
	t.sched.Schedule(t.cfg.DrainDelay, func() {
		if t.hub.IsConnected(userID) {
			t.deliverBatch(userID, rest)
		}
	})
}

// Latency returns the moving average of accept-to-ack latency.
func (t *Tracker) Latency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latencyEWMA
}

// Records reports the number of live records, for stats endpoints.
func (t *Tracker) Records() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// ElectBatching toggles batched delivery for a recipient.
func (t *Tracker) ElectBatching(userID uuid.UUID, on bool) {
	t.batcher.Elect(userID, on)
}

// scheduleSweep discards records whose expiry elapsed with recipients still
// non-terminal (all offline, never drained).
func (t *Tracker) scheduleSweep() {
	const sweepEvery = time.Minute
	t.sweepTask = t.sched.Schedule(sweepEvery, func() {
		now := t.clock.Now()

		t.mu.Lock()
		for _, rec := range t.records {
			if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
				t.discardLocked(rec)
			}
		}
		stopped := t.stopped
		t.mu.Unlock()

		if !stopped {
			t.scheduleSweep()
		}
	})
}

// Stop cancels every pending timer and flushes batch buffers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for key, task := range t.tasks {
		task.Cancel()
		delete(t.tasks, key)
	}
	t.mu.Unlock()

	if t.sweepTask != nil {
		t.sweepTask.Cancel()
	}
	t.batcher.Stop()
}
