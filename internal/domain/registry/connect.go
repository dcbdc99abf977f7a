package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is one live bidirectional session. The transport layer pumps
// Recv into the socket; the hub pushes events through Send.
type Connector interface {
	GetID() uuid.UUID
	GetUserID() uuid.UUID
	GetDevice() model.DeviceInfo
	// Send enqueues an event with backpressure handling. It reports whether
	// the event was accepted within timeout.
	Send(ev model.Eventer, timeout time.Duration) bool
	Recv() <-chan model.Eventer
	Close()
}

type connect struct {
	id        uuid.UUID
	userID    uuid.UUID
	device    model.DeviceInfo
	createdAt time.Time
	ctx       context.Context
	cancelFn  context.CancelFunc
	sendCh    chan model.Eventer
	closeOnce sync.Once
	dropped   uint64 // atomic
}

// Pooled to reduce GC pressure under connect/disconnect churn.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

func NewConnector(ctx context.Context, userID uuid.UUID, device model.DeviceInfo, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, userID, device, bufferSize)
	return c
}

// reset re-initializes the pooled object with a struct literal so stale
// fields, counters and the sync.Once guard all start from zero.
func (c *connect) reset(ctx context.Context, userID uuid.UUID, device model.DeviceInfo, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)
	*c = connect{
		id:        uuid.New(),
		userID:    userID,
		device:    device,
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan model.Eventer, bufferSize),
	}
}

func (c *connect) GetID() uuid.UUID            { return c.id }
func (c *connect) GetUserID() uuid.UUID        { return c.userID }
func (c *connect) GetDevice() model.DeviceInfo { return c.device }

// Send waits up to timeout for mailbox space, which smooths transient
// jitter, then falls back to priority-aware shedding.
func (c *connect) Send(ev model.Eventer, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-ctx.Done():
		return c.handleBackpressure(ev)
	}
}

// handleBackpressure sheds load on a saturated session: low-priority
// incoming events are dropped; higher-priority ones evict one buffered
// low-priority event if possible.
func (c *connect) handleBackpressure(ev model.Eventer) bool {
	if ev.GetPriority() <= model.PriorityLow {
		atomic.AddUint64(&c.dropped, 1)
		return false
	}

	select {
	case oldEv := <-c.sendCh:
		if oldEv.GetPriority() < ev.GetPriority() {
			select {
			case c.sendCh <- ev:
				atomic.AddUint64(&c.dropped, 1) // counts the evicted event
				return true
			default:
			}
		} else {
			// Put the equal-or-higher event back, best effort.
			select {
			case c.sendCh <- oldEv:
			default:
			}
		}
	default:
	}

	atomic.AddUint64(&c.dropped, 1)
	return false
}

func (c *connect) Recv() <-chan model.Eventer { return c.sendCh }

func (c *connect) droppedCount() uint64 { return atomic.LoadUint64(&c.dropped) }

// Close terminates the session exactly once and recycles the object. Call
// after the session is detached from its cell; a concurrent Send observes
// the cancelled context. The channel is never closed, the receiver exits on
// the context instead, so a late Send cannot panic.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		c.device = model.DeviceInfo{}
		connectPool.Put(c)
	})
}
