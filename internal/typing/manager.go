// Package typing tracks ephemeral per-(user, channel) typing flags with
// auto-expiry. A safety sweep force-expires anything older than a ceiling
// to defend against leaked timers.
package typing

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
)

type Config struct {
	AutoExpiry    time.Duration
	SweepInterval time.Duration
	MaxAge        time.Duration
}

// Notifier receives typing edges; the service layer fans them out to
// channel members locally and across instances.
type Notifier interface {
	TypingChanged(userID, channelID uuid.UUID, started bool)
}

type key struct {
	user    uuid.UUID
	channel uuid.UUID
}

type state struct {
	startedAt time.Time
	expiry    *scheduler.Task
}

type Manager struct {
	cfg      Config
	sched    *scheduler.Scheduler
	clock    scheduler.Clock
	notifier Notifier

	mu     sync.Mutex
	states map[key]*state

	sweepTask *scheduler.Task
	stopped   bool
}

func NewManager(cfg Config, sched *scheduler.Scheduler, notifier Notifier) *Manager {
	return &Manager{
		cfg:      cfg,
		sched:    sched,
		clock:    sched.Clock(),
		notifier: notifier,
		states:   make(map[key]*state),
	}
}

// Start marks the user as typing in the channel. A repeated start replaces
// the existing timer; at most one active state exists per (user, channel).
func (m *Manager) Start(userID, channelID uuid.UUID) {
	k := key{user: userID, channel: channelID}

	m.mu.Lock()
	prev, existed := m.states[k]
	if existed {
		prev.expiry.Cancel()
	}
	st := &state{startedAt: m.clock.Now()}
	st.expiry = m.sched.Schedule(m.cfg.AutoExpiry, func() {
		m.expire(k)
	})
	m.states[k] = st
	m.mu.Unlock()

	if !existed {
		m.notifier.TypingChanged(userID, channelID, true)
	}
}

// Stop clears the state explicitly. Also invoked implicitly on message send
// in the channel and on disconnect.
func (m *Manager) Stop(userID, channelID uuid.UUID) {
	m.remove(key{user: userID, channel: channelID})
}

// StopAll clears every state of a user, used on disconnect.
func (m *Manager) StopAll(userID uuid.UUID) {
	m.mu.Lock()
	var gone []key
	for k, st := range m.states {
		if k.user == userID {
			st.expiry.Cancel()
			delete(m.states, k)
			gone = append(gone, k)
		}
	}
	m.mu.Unlock()

	for _, k := range gone {
		m.notifier.TypingChanged(k.user, k.channel, false)
	}
}

// Typists returns the users currently typing in the channel.
func (m *Manager) Typists(channelID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for k := range m.states {
		if k.channel == channelID {
			out = append(out, k.user)
		}
	}
	return out
}

func (m *Manager) expire(k key) {
	m.remove(k)
}

func (m *Manager) remove(k key) {
	m.mu.Lock()
	st, ok := m.states[k]
	if ok {
		st.expiry.Cancel()
		delete(m.states, k)
	}
	m.mu.Unlock()

	if ok {
		m.notifier.TypingChanged(k.user, k.channel, false)
	}
}

// StartSweep launches the periodic pass force-expiring any state older
// than the ceiling.
func (m *Manager) StartSweep() {
	m.scheduleSweep()
}

func (m *Manager) scheduleSweep() {
	m.sweepTask = m.sched.Schedule(m.cfg.SweepInterval, func() {
		cutoff := m.clock.Now().Add(-m.cfg.MaxAge)

		m.mu.Lock()
		var gone []key
		for k, st := range m.states {
			if st.startedAt.Before(cutoff) {
				st.expiry.Cancel()
				delete(m.states, k)
				gone = append(gone, k)
			}
		}
		stopped := m.stopped
		m.mu.Unlock()

		for _, k := range gone {
			m.notifier.TypingChanged(k.user, k.channel, false)
		}
		if !stopped {
			m.scheduleSweep()
		}
	})
}

func (m *Manager) StopManager() {
	m.mu.Lock()
	m.stopped = true
	for k, st := range m.states {
		st.expiry.Cancel()
		delete(m.states, k)
	}
	m.mu.Unlock()
	if m.sweepTask != nil {
		m.sweepTask.Cancel()
	}
}
