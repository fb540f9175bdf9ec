package memory

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	createdAt    time.Time
	blockedUntil time.Time // zero when never blocked
	removed      bool      // set by the sweeper before the key leaves the map
}

func newEntry(tokens float64, now time.Time) *entry {
	return &entry{
		tokens:     tokens,
		lastRefill: now,
		createdAt:  now,
	}
}

func (e *entry) blockedAt(now time.Time) bool {
	return !e.blockedUntil.IsZero() && now.Before(e.blockedUntil)
}

// Store maps client keys to bucket state. Each entry carries its own lock,
// so keys never contend with each other.
type Store struct {
	m sync.Map // string -> *entry
	n atomic.Int64
}

func NewStore() *Store { return &Store{} }

// acquire returns the locked entry for key, creating it with a full bucket
// when absent. The caller must unlock it.
func (s *Store) acquire(key string, now time.Time, tokens float64) *entry {
	for {
		v, ok := s.m.Load(key)
		if !ok {
			var loaded bool
			v, loaded = s.m.LoadOrStore(key, newEntry(tokens, now))
			if !loaded {
				s.n.Add(1)
			}
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		// lost a race with the sweeper; the key is gone by now
		e.mu.Unlock()
	}
}

// lookup returns the locked entry for key, or nil when unknown.
func (s *Store) lookup(key string) *entry {
	v, ok := s.m.Load(key)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	return e
}

// evict removes every entry for which stale reports true. Removal happens
// under the entry lock, so a concurrent check sees the entry either whole or
// not at all.
func (s *Store) evict(stale func(e *entry) bool) int {
	removed := 0
	s.m.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed && stale(e) {
			e.removed = true
			if s.m.CompareAndDelete(k, e) {
				s.n.Add(-1)
				removed++
			}
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// count returns how many entries satisfy pred.
func (s *Store) count(pred func(e *entry) bool) int {
	n := 0
	s.m.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed && pred(e) {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

func (s *Store) Len() int { return int(s.n.Load()) }
