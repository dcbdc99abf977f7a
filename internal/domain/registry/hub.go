package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
	"github.com/webitel/im-realtime-engine/internal/metrics"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
)

// Hubber is the gateway for session management and local event routing.
type Hubber interface {
	Broadcast(ev model.Eventer) bool
	Register(conn Connector)
	Unregister(userID, connID uuid.UUID)
	IsConnected(userID uuid.UUID) bool
	ConnectionsOf(userID uuid.UUID) []uuid.UUID
	Stats() model.HubStats
	Shutdown()
}

// TransitionListener receives the 0->1 and (debounced) 1->0 connection
// transitions for a user. Presence and offline-queue drain hang off these.
type TransitionListener interface {
	UserOnline(userID uuid.UUID)
	UserOffline(userID uuid.UUID)
}

type hubConfig struct {
	mailboxSize      int
	sendTimeout      time.Duration
	idleTimeout      time.Duration
	evictionInterval time.Duration
	offlineDebounce  time.Duration
}

// Hub implements the registry as a map of per-user cells. Reads used by
// delivery fan-out are lock-free; transition bookkeeping takes a short
// mutex so registration is atomic with respect to concurrent fan-out.
type Hub struct {
	cells  sync.Map // map[uuid.UUID]Celler
	config hubConfig
	sched  *scheduler.Scheduler

	mu        sync.Mutex
	debounce  map[uuid.UUID]*scheduler.Task
	listeners []TransitionListener

	sweepTask *scheduler.Task
	stopped   bool
}

var _ Hubber = (*Hub)(nil)

func NewHub(sched *scheduler.Scheduler, opts ...Option) *Hub {
	h := &Hub{
		sched: sched,
		config: hubConfig{
			mailboxSize:      2048,
			sendTimeout:      500 * time.Millisecond,
			idleTimeout:      30 * time.Minute,
			evictionInterval: 15 * time.Minute,
			offlineDebounce:  7 * time.Second,
		},
		debounce: make(map[uuid.UUID]*scheduler.Task),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.scheduleSweep()
	return h
}

// OnTransition attaches a listener. Call during wiring, before traffic.
func (h *Hub) OnTransition(l TransitionListener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// IsConnected reports whether the user has at least one live session here.
// An empty cell lingering through the offline debounce does not count.
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	if val, ok := h.cells.Load(userID); ok {
		return val.(Celler).SessionCount() > 0
	}
	return false
}

func (h *Hub) ConnectionsOf(userID uuid.UUID) []uuid.UUID {
	if val, ok := h.cells.Load(userID); ok {
		return val.(Celler).ConnIDs()
	}
	return nil
}

// Broadcast routes the event to the target user's cell. Returns false on a
// miss or mailbox overflow.
func (h *Hub) Broadcast(ev model.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		cell := val.(Celler)
		if cell.SessionCount() == 0 {
			return false
		}
		return cell.Push(ev)
	}
	return false
}

// Register attaches a new session, creating the cell lazily. A reconnect
// inside the debounce window cancels the pending offline signal instead of
// raising a fresh online one, which keeps presence from flapping.
func (h *Hub) Register(conn Connector) {
	uID := conn.GetUserID()
	val, _ := h.cells.LoadOrStore(uID, Celler(NewCell(uID, h.config.mailboxSize, h.config.sendTimeout)))
	cell := val.(Celler)

	h.mu.Lock()
	wasEmpty := cell.SessionCount() == 0
	cell.Attach(conn)
	metrics.ActiveConnections.Inc()

	if task, ok := h.debounce[uID]; ok {
		task.Cancel()
		delete(h.debounce, uID)
		h.mu.Unlock()
		return // still considered online, no transition
	}
	listeners := h.listeners
	h.mu.Unlock()

	if wasEmpty {
		metrics.OnlineUsers.Inc()
		for _, l := range listeners {
			l.UserOnline(uID)
		}
	}
}

// Unregister detaches a session. The last session arms the offline
// debounce; the cell stays resident until the signal fires or a reconnect
// arrives.
func (h *Hub) Unregister(userID, connID uuid.UUID) {
	val, ok := h.cells.Load(userID)
	if !ok {
		return
	}
	cell := val.(Celler)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !cell.Detach(connID) {
		return
	}
	metrics.ActiveConnections.Dec()
	if _, pending := h.debounce[userID]; pending {
		return
	}
	h.debounce[userID] = h.sched.Schedule(h.config.offlineDebounce, func() {
		h.fireOffline(userID)
	})
}

func (h *Hub) fireOffline(userID uuid.UUID) {
	h.mu.Lock()
	delete(h.debounce, userID)
	val, ok := h.cells.Load(userID)
	if !ok || val.(Celler).SessionCount() > 0 {
		h.mu.Unlock()
		return
	}
	listeners := h.listeners
	h.mu.Unlock()

	metrics.OnlineUsers.Dec()
	for _, l := range listeners {
		l.UserOffline(userID)
	}
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{}
	h.cells.Range(func(_, val any) bool {
		cell := val.(Celler)
		if n := cell.SessionCount(); n > 0 {
			stats.TotalUsers++
			stats.TotalConnections += n
		}
		stats.DroppedEvents += cell.DroppedEvents()
		return true
	})
	return stats
}

// scheduleSweep reclaims cells that stayed empty past the idle timeout,
// correcting for any missed unregister.
func (h *Hub) scheduleSweep() {
	h.sweepTask = h.sched.Schedule(h.config.evictionInterval, func() {
		h.cells.Range(func(key, val any) bool {
			cell := val.(Celler)
			if cell.IsIdle(h.config.idleTimeout) {
				cell.Stop()
				h.cells.Delete(key)
			}
			return true
		})

		h.mu.Lock()
		stopped := h.stopped
		h.mu.Unlock()
		if !stopped {
			h.scheduleSweep()
		}
	})
}

// Shutdown stops every cell goroutine and pending debounce task.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.stopped = true
	for id, task := range h.debounce {
		task.Cancel()
		delete(h.debounce, id)
	}
	h.mu.Unlock()

	if h.sweepTask != nil {
		h.sweepTask.Cancel()
	}
	h.cells.Range(func(key, val any) bool {
		val.(Celler).Stop()
		h.cells.Delete(key)
		return true
	})
}
