package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/domain/registry"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
)

// Batcher buffers individual pushes for recipients whose client elected
// batched delivery, flushing one multi-message payload on size or window,
// whichever first. Urgent and high priority are never batched; the tracker
// enforces that before calling Add.
//
// Batching is a delivery-side optimization only: each buffered message
// keeps its own delivery id and ack timeout, and the client acknowledges
// every constituent message individually.
type Batcher struct {
	size   int
	window time.Duration
	hub    registry.Hubber
	sched  *scheduler.Scheduler

	mu      sync.Mutex
	elected map[uuid.UUID]bool
	buffers map[uuid.UUID]*batchBuffer
}

type batchBuffer struct {
	items []*model.MessagePayload
	flush *scheduler.Task
}

func NewBatcher(size int, window time.Duration, hub registry.Hubber, sched *scheduler.Scheduler) *Batcher {
	return &Batcher{
		size:    size,
		window:  window,
		hub:     hub,
		sched:   sched,
		elected: make(map[uuid.UUID]bool),
		buffers: make(map[uuid.UUID]*batchBuffer),
	}
}

// Elect toggles batched delivery for a recipient. Disabling flushes any
// pending buffer immediately.
func (b *Batcher) Elect(userID uuid.UUID, on bool) {
	b.mu.Lock()
	b.elected[userID] = on
	b.mu.Unlock()
	if !on {
		b.Flush(userID)
	}
}

func (b *Batcher) Elected(userID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elected[userID]
}

// Add buffers one push for the recipient.
func (b *Batcher) Add(userID uuid.UUID, item *model.MessagePayload) {
	b.mu.Lock()
	buf, ok := b.buffers[userID]
	if !ok {
		buf = &batchBuffer{}
		buf.flush = b.sched.Schedule(b.window, func() { b.Flush(userID) })
		b.buffers[userID] = buf
	}
	buf.items = append(buf.items, item)
	full := len(buf.items) >= b.size
	b.mu.Unlock()

	if full {
		b.Flush(userID)
	}
}

// Flush pushes the buffered items as one payload.
func (b *Batcher) Flush(userID uuid.UUID) {
	b.mu.Lock()
	buf, ok := b.buffers[userID]
	if ok {
		delete(b.buffers, userID)
	}
	b.mu.Unlock()
	if !ok || len(buf.items) == 0 {
		return
	}
	buf.flush.Cancel()

	payload := &model.MessageBatchPayload{Items: buf.items}
	b.hub.Broadcast(model.NewEvent(model.MessageBatch, userID, model.PriorityNormal, payload))
}

// Stop flushes every pending buffer, used on shutdown.
func (b *Batcher) Stop() {
	b.mu.Lock()
	users := make([]uuid.UUID, 0, len(b.buffers))
	for id := range b.buffers {
		users = append(users, id)
	}
	b.mu.Unlock()
	for _, id := range users {
		b.Flush(id)
	}
}
