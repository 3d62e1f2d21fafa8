package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	count   int64
	expires time.Time
}

// Memory is an in-process Store. It backs tests and serves as the local
// fallback when the shared store is unreachable. State is not visible to
// other processes.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memEntry), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// live returns the entry at key, dropping it first if expired.
func (s *Memory) live(key string) *memEntry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Memory) Admit(_ context.Context, keys []string, max int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, k := range keys {
		if e := s.live(k); e != nil {
			total += e.count
		}
	}
	if total >= max {
		return total, false, nil
	}
	cur := keys[len(keys)-1]
	e := s.live(cur)
	if e == nil {
		e = &memEntry{expires: s.now().Add(ttl)}
		s.data[cur] = e
	}
	e.count++
	return total + 1, true, nil
}

func (s *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memEntry{expires: s.now().Add(ttl)}
		s.data[key] = e
	}
	e.count++
	return e.count, nil
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &memEntry{value: value, expires: s.now().Add(ttl)}
	return nil
}

func (s *Memory) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.expires.IsZero() {
		return 0, false, nil
	}
	return e.expires.Sub(s.now()), true, nil
}

func (s *Memory) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}
