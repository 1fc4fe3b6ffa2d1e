package enroll

import (
	"crypto/sha256"
	"hash"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

// state is the manager's session state: idle, collecting or finalizing.
// Only the three types below implement it.
type state interface{ stateName() string }

type idle struct{}

type collecting struct{ s *session }

// finalizing holds the session while its enrollment is being committed.
type finalizing struct{ s *session }

func (idle) stateName() string       { return "idle" }
func (collecting) stateName() string { return "collecting" }
func (finalizing) stateName() string { return "finalizing" }

// session is the pending enrollment.  Fields are only touched with the
// manager's mutex held.
type session struct {
	id       string
	identity store.IdentityRecord
	total    int

	embeddings []store.EmbeddingRecord
	failures   int
	lastSeen   time.Time

	photo photoBuffer
}

func (s *session) received() int { return len(s.embeddings) }

// photoBuffer reassembles the photo currently in flight.
type photoBuffer struct {
	next        int
	totalChunks int
	data        []byte
	sum         hash.Hash
}

func (p *photoBuffer) reset() {
	p.next = 0
	p.totalChunks = 0
	p.data = nil
	p.sum = sha256.New()
}

func (p *photoBuffer) append(b []byte) {
	p.data = append(p.data, b...)
	p.sum.Write(b)
}
