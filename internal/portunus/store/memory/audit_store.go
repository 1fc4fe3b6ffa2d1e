package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

// AuditStore is an in-memory append-only audit trail.
type AuditStore struct {
	mu     sync.Mutex
	nextID int64
	events []store.AuditRecord
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) RecordAudit(_ context.Context, rec store.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Metadata = maps.Clone(rec.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.events = append(s.events, rec)
	return nil
}

// ListAudit returns matching records newest first.
func (s *AuditStore) ListAudit(_ context.Context, f store.AuditFilter) ([]store.AuditRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultAuditLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.AuditRecord
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
			continue
		}
		if f.IdentityID != "" && !mentions(ev, f.IdentityID) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *AuditStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if !ev.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// Events returns a copy of all recorded events in insertion order.  Test-only helper.
func (s *AuditStore) Events() []store.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditRecord, len(s.events))
	copy(out, s.events)
	return out
}

func mentions(ev store.AuditRecord, id string) bool {
	return (ev.SubjectID != nil && *ev.SubjectID == id) ||
		(ev.MatchedID != nil && *ev.MatchedID == id)
}
