// Package memkv is an in-memory implementation of the kv.Store port, used in
// tests and single-process development mode.
package memkv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/c360studio/semflow/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory kv.Store.
type Store struct {
	mu     sync.Mutex
	data   map[string]entry
	hashes map[string]map[string][]byte
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:   make(map[string]entry),
		hashes: make(map[string]map[string][]byte),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook for TTL expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) get(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
}

// SetNX implements kv.Store.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Del implements kv.Store.
func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Incr implements kv.Store.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.get(key); ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	// Preserve any existing expiry.
	e := s.data[key]
	e.value = []byte(strconv.FormatInt(n, 10))
	s.data[key] = e
	return n, nil
}

// CAS implements kv.Store.
func (s *Store) CAS(_ context.Context, key string, expected, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok || string(e.value) != string(expected) {
		return false, nil
	}
	e.value = append([]byte(nil), next...)
	s.data[key] = e
	return true, nil
}

// HSet implements kv.Store.
func (s *Store) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

// HGet implements kv.Store.
func (s *Store) HGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// HGetAll implements kv.Store.
func (s *Store) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

// HDel implements kv.Store.
func (s *Store) HDel(_ context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes[key], field)
	return nil
}

// Health implements kv.Store.
func (s *Store) Health(_ context.Context) kv.Health {
	return kv.Health{OK: true, CheckedAt: time.Now()}
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return nil
}
