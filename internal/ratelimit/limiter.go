// Package ratelimit implements fixed-window admission control per
// (user, event class). Windows reset lazily on next access; there is no
// background bookkeeping.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-engine/internal/scheduler"
)

// Class identifies the kind of inbound event being admitted.
type Class string

const (
	ClassMessage  Class = "message"
	ClassTyping   Class = "typing"
	ClassPresence Class = "presence"
	ClassRead     Class = "read"
)

// Rule caps a class at Max events per Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRules mirror the production limits: sends 60/min, typing 10/10s,
// presence 30/min, reads 120/min.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassMessage:  {Window: time.Minute, Max: 60},
		ClassTyping:   {Window: 10 * time.Second, Max: 10},
		ClassPresence: {Window: time.Minute, Max: 30},
		ClassRead:     {Window: time.Minute, Max: 120},
	}
}

type windowKey struct {
	user  uuid.UUID
	class Class
}

type window struct {
	start time.Time
	count int
}

// Limiter is safe for concurrent use from many connection goroutines.
type Limiter struct {
	clock scheduler.Clock
	rules map[Class]Rule

	mu      sync.Mutex
	windows map[windowKey]*window
}

func New(clock scheduler.Clock, rules map[Class]Rule) *Limiter {
	if clock == nil {
		clock = scheduler.System()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		clock:   clock,
		rules:   rules,
		windows: make(map[windowKey]*window),
	}
}

// Admit counts one event against the user's window for class and reports
// whether it fits. Classes without a configured rule are always admitted.
func (l *Limiter) Admit(userID uuid.UUID, class Class) bool {
	rule, ok := l.rules[class]
	if !ok || rule.Max <= 0 {
		return true
	}

	now := l.clock.Now()
	key := windowKey{user: userID, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rule.Window {
		l.windows[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= rule.Max {
		return false
	}
	w.count++
	return true
}

// Forget drops all windows for a user, freeing memory when the user goes
// offline for good.
func (l *Limiter) Forget(userID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.user == userID {
			delete(l.windows, key)
		}
	}
}
