package registry

import "time"

// Option configures the Hub.
type Option func(*Hub)

// WithMailboxSize sets the buffer capacity of each user's mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithSendTimeout bounds how long a cell waits on one stalled session.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.sendTimeout = d
	}
}

// WithIdleTimeout sets the quiet period after which an empty cell becomes
// eligible for eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithEvictionInterval sets how often idle cells are reclaimed.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithOfflineDebounce sets the grace period absorbed before the 1->0
// transition is reported, so brief disconnects do not flap presence.
func WithOfflineDebounce(d time.Duration) Option {
	return func(h *Hub) {
		h.config.offlineDebounce = d
	}
}
