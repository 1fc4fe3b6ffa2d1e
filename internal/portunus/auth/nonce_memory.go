package auth

import (
	"context"
	"sync"
	"time"
)

// DefaultNonceCapacity bounds MemoryNonceStore.
const DefaultNonceCapacity = 4096

// MemoryNonceStore is a bounded nonce set.  Each entry carries the expiry
// given to Add and is evicted lazily on Add and by Sweep once past it.  When the set is
// still full after eviction, Add fails closed with ErrNonceStoreFull:
// dropping an in-window nonce would reopen it to replay.
type MemoryNonceStore struct {
	mu       sync.Mutex
	capacity int
	expires  map[string]time.Time
}

// NewMemoryNonceStore keeps the window argument for configuration
// symmetry with the redis store; retention comes from each Add.
func NewMemoryNonceStore(_ time.Duration, capacity int) *MemoryNonceStore {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &MemoryNonceStore{
		capacity: capacity,
		expires:  make(map[string]time.Time),
	}
}

func (s *MemoryNonceStore) Seen(_ context.Context, nonce string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[nonce]
	return ok && !now.After(exp), nil
}

func (s *MemoryNonceStore) Add(_ context.Context, nonce string, now, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[nonce]; ok && !now.After(exp) {
		return false, nil
	}
	if len(s.expires) >= s.capacity {
		s.evictLocked(now)
	}
	if len(s.expires) >= s.capacity {
		return false, ErrNonceStoreFull
	}
	s.expires[nonce] = expires
	return true, nil
}

// Sweep evicts expired nonces and returns how many went.
func (s *MemoryNonceStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(now)
}

func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

func (s *MemoryNonceStore) evictLocked(now time.Time) int {
	n := 0
	for k, exp := range s.expires {
		if now.After(exp) {
			delete(s.expires, k)
			n++
		}
	}
	return n
}
