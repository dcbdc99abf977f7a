// Package store abstracts the shared key-value collaborator (Redis in
// production). The engine treats it as the source of truth for recovery
// after an instance restart; in-memory maps stay the hot-path cache.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: key not found")

// Store is the narrow surface the engine needs: plain keys with TTL for
// presence/dedup, capped lists for per-user offline queues.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ListPush prepends value and trims the list to cap entries.
	ListPush(ctx context.Context, key, value string, cap int64) error
	// ListRange returns entries from start to stop inclusive (redis
	// LRANGE semantics; 0..-1 is the whole list).
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Keyspace used by the engine. Kept in one place so operators can reason
// about what lives in the shared store.
const (
	PresenceKeyPrefix = "im:presence:"
	OfflineKeyPrefix  = "im:offline:"
	DedupKeyPrefix    = "im:dedup:"

	// Membership lists are written by the platform's persistence layer;
	// the engine only reads them.
	MembersKeyPrefix  = "im:members:"
	WatchersKeyPrefix = "im:watchers:"
)

func PresenceKey(userID string) string   { return PresenceKeyPrefix + userID }
func OfflineKey(userID string) string    { return OfflineKeyPrefix + userID }
func DedupKey(token string) string       { return DedupKeyPrefix + token }
func MembersKey(channelID string) string { return MembersKeyPrefix + channelID }
func WatchersKey(userID string) string   { return WatchersKeyPrefix + userID }
