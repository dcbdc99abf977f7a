package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by single-node
// deployments without Redis. TTLs are honored lazily on read.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	kv    map[string]memEntry
	lists map[string][]string

	// FailAll makes every call fail, simulating an unreachable store.
	FailAll bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:   time.Now,
		kv:    make(map[string]memEntry),
		lists: make(map[string][]string),
	}
}

// WithNow overrides the time source, for TTL tests.
func (m *Memory) WithNow(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) fail() error {
	if m.FailAll {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return "", err
	}
	e, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.kv, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	delete(m.kv, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if e, ok := m.kv[key]; ok {
		e.expiresAt = m.now().Add(ttl)
		m.kv[key] = e
	}
	return nil
}

func (m *Memory) ListPush(_ context.Context, key, value string, cap int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	list := append([]string{value}, m.lists[key]...)
	if cap > 0 && int64(len(list)) > cap {
		list = list[:cap]
	}
	m.lists[key] = list
	return nil
}

func (m *Memory) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, list[start:stop+1]...)
	return out, nil
}
