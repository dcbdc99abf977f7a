package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/webitel/im-realtime-engine/internal/domain/model"
)

// Guarded wraps a Store with a circuit breaker. When the shared store is
// down the breaker opens, every call fails fast with ErrStoreUnavailable,
// and callers continue in-memory. Half-open trial calls reconnect in the
// background of normal traffic; the hot path never blocks on a dead store.
type Guarded struct {
	next   Store
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

var _ Store = (*Guarded)(nil)

func NewGuarded(next Store, logger *slog.Logger) *Guarded {
	return newGuarded(next, logger, 15*time.Second)
}

// newGuarded exists so tests can shrink the open->half-open window, which
// gobreaker measures on the wall clock.
func newGuarded(next Store, logger *slog.Logger, recovery time.Duration) *Guarded {
	g := &Guarded{next: next, logger: logger}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "shared-store",
		Timeout: recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("shared store breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return g
}

func (g *Guarded) run(op func() (any, error)) (any, error) {
	res, err := g.cb.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, model.ErrStoreUnavailable
	}
	return res, err
}

type getResult struct {
	value   string
	missing bool
}

func (g *Guarded) Get(ctx context.Context, key string) (string, error) {
	res, err := g.run(func() (any, error) {
		v, err := g.next.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// A miss is a healthy answer, not a store failure.
			return getResult{missing: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return getResult{value: v}, nil
	})
	if err != nil {
		return "", err
	}
	r := res.(getResult)
	if r.missing {
		return "", ErrNotFound
	}
	return r.value, nil
}

func (g *Guarded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := g.run(func() (any, error) { return nil, g.next.Set(ctx, key, value, ttl) })
	return err
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	_, err := g.run(func() (any, error) { return nil, g.next.Delete(ctx, key) })
	return err
}

func (g *Guarded) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := g.run(func() (any, error) { return nil, g.next.Expire(ctx, key, ttl) })
	return err
}

func (g *Guarded) ListPush(ctx context.Context, key, value string, cap int64) error {
	_, err := g.run(func() (any, error) { return nil, g.next.ListPush(ctx, key, value, cap) })
	return err
}

func (g *Guarded) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := g.run(func() (any, error) { return g.next.ListRange(ctx, key, start, stop) })
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.([]string), nil
}
