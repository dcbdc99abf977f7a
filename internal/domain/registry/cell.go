/*
Package registry is the connection registry: it maps user identity to the
set of live connections for that user on this instance.

Every active user is represented by an isolated cell that owns all
concurrent sessions (multi-device) for that identity. A buffered per-user
mailbox decouples delivery fan-out from slow consumers, and lookups go
through a sync.Map so there is no global mutex on the hot path. The hub
raises online/offline transition signals, debouncing the offline edge to
absorb reconnects and tab refreshes.
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
)

// Celler is the internal API for one user's delivery unit.
type Celler interface {
	Push(ev model.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	ConnIDs() []uuid.UUID
	SessionCount() int
	DroppedEvents() uint64
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell owns delivery for a single user on this instance.
type Cell struct {
	userID uuid.UUID

	// mailbox decouples the dispatcher from per-session delivery so a slow
	// consumer does not stall the hub or the bus consumers.
	mailbox chan model.Eventer

	// sessions multiplexes one event to every device of the user.
	sessions map[uuid.UUID]Connector

	mu     sync.RWMutex
	doneCh chan struct{}

	sendTimeout    time.Duration
	lastActivityAt time.Time
}

func NewCell(userID uuid.UUID, bufferSize int, sendTimeout time.Duration) *Cell {
	c := &Cell{
		userID:         userID,
		mailbox:        make(chan model.Eventer, bufferSize),
		sessions:       make(map[uuid.UUID]Connector),
		doneCh:         make(chan struct{}),
		sendTimeout:    sendTimeout,
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle reports whether the user has no sessions and the quiet period
// exceeded timeout. Idle cells are reclaimed by the hub sweep.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) Push(ev model.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes the session and reports whether the cell is now empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

func (c *Cell) ConnIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cell) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) DroppedEvents() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total uint64
	for _, conn := range c.sessions {
		if cc, ok := conn.(*connect); ok {
			total += cc.droppedCount()
		}
	}
	return total
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev model.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, conn := range c.sessions {
		conn.Send(ev, c.sendTimeout)
	}
}

func (c *Cell) Stop() {
	close(c.doneCh)
}
