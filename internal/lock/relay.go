// Package lock is the boundary to the door actuator.
package lock

import (
	"context"
	"log"
	"sync"
	"time"
)

// Relay energizes the lock for hold, then re-locks.  Implementations must
// not block the caller for the hold period.
type Relay interface {
	Unlock(ctx context.Context, hold time.Duration) error
}

// LogRelay is the mock relay used off-device: it logs the actuation and
// keeps a counter.
type LogRelay struct {
	log *log.Logger

	mu      sync.Mutex
	unlocks int
	last    time.Time
}

func NewLogRelay(logger *log.Logger) *LogRelay {
	return &LogRelay{log: logger}
}

func (r *LogRelay) Unlock(_ context.Context, hold time.Duration) error {
	r.mu.Lock()
	r.unlocks++
	r.last = time.Now().UTC()
	r.mu.Unlock()

	r.log.Printf("relay: UNLOCKED for %s (mock)", hold)
	return nil
}

// Unlocks reports how many times the relay has been actuated.
func (r *LogRelay) Unlocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlocks
}
