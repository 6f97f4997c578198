// Package inmemory provides an in-memory ephemeral.Store used by tests and
// single-instance local runs, using the same mutex-over-maps shape as
// storage/memory.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/veilmsg/relay/ephemeral"
)

var _ ephemeral.Store = (*store)(nil)

// New returns a fresh in-memory ephemeral.Store.
func New() ephemeral.Store {
	return &store{
		values:   make(map[string]entry),
		counters: make(map[string]counter),
	}
}

type entry struct {
	value   []byte
	expires time.Time
}

type counter struct {
	n       int64
	expires time.Time
}

type store struct {
	mu       sync.Mutex
	values   map[string]entry
	counters map[string]counter
}

func (s *store) Close() error { return nil }

func (s *store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = entry{value: append([]byte(nil), value...), expires: time.Now().Add(ttl)}
	return nil
}

func (s *store) GetAndDelete(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.values[key]
	if !ok {
		return nil, ephemeral.ErrNotFound
	}
	delete(s.values, key)
	if time.Now().After(e.expires) {
		return nil, ephemeral.ErrNotFound
	}
	return e.value, nil
}

func (s *store) IncrWithWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || time.Now().After(c.expires) {
		c = counter{n: 0, expires: time.Now().Add(window)}
	}
	c.n++
	s.counters[key] = c
	return c.n, nil
}
