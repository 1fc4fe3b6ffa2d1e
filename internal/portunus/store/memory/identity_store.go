package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

// IdentityStore keeps identities and embeddings in maps behind one RWMutex.
// It is intended for tests and PORTUNUS_STORE=memory dev runs.
type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]store.IdentityRecord
	embeddings map[string][]store.EmbeddingRecord

	// failNext, when set, makes the next UpsertEnrollment fail without
	// touching state.  Test-only hook.
	failNext error
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities: make(map[string]store.IdentityRecord),
		embeddings: make(map[string][]store.EmbeddingRecord),
	}
}

// FailNextUpsert arranges for the next UpsertEnrollment to return err.
func (s *IdentityStore) FailNextUpsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *IdentityStore) UpsertEnrollment(_ context.Context, rec store.IdentityRecord, embeddings []store.EmbeddingRecord) error {
	rec.ID = strings.TrimSpace(rec.ID)
	rec.AccessStart = rec.AccessStart.UTC().Truncate(time.Millisecond)
	rec.AccessEnd = rec.AccessEnd.UTC().Truncate(time.Millisecond)
	if err := rec.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	if prev, ok := s.identities[rec.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	rec.Active = true
	rec.EmbeddingCount = 0
	s.identities[rec.ID] = rec

	set := make([]store.EmbeddingRecord, 0, len(embeddings))
	for _, e := range embeddings {
		e.IdentityID = rec.ID
		e.Vector = slices.Clone(e.Vector)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = rec.UpdatedAt
		}
		set = append(set, e)
	}
	s.embeddings[rec.ID] = set
	return nil
}

func (s *IdentityStore) GetIdentity(_ context.Context, id string) (store.IdentityRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[strings.TrimSpace(id)]
	return rec, ok, nil
}

func (s *IdentityStore) UpdatePeriod(_ context.Context, id string, start, end, at time.Time) (bool, error) {
	if !start.Before(end) {
		return false, store.ErrInvalidWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return false, nil
	}
	rec.AccessStart = start.UTC().Truncate(time.Millisecond)
	rec.AccessEnd = end.UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = at.UTC()
	s.identities[id] = rec
	return true, nil
}

func (s *IdentityStore) Deactivate(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return false, nil
	}
	rec.Active = false
	rec.UpdatedAt = at.UTC()
	s.identities[id] = rec
	return true, nil
}

func (s *IdentityStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id]; !ok {
		return false, nil
	}
	delete(s.identities, id)
	delete(s.embeddings, id)
	return true, nil
}

func (s *IdentityStore) ListIdentities(_ context.Context) ([]store.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.IdentityRecord, 0, len(s.identities))
	for id, rec := range s.identities {
		rec.EmbeddingCount = len(s.embeddings[id])
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b store.IdentityRecord) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *IdentityStore) ActiveEmbeddings(_ context.Context) ([]store.IdentityEmbeddings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.IdentityEmbeddings
	for id, rec := range s.identities {
		set := s.embeddings[id]
		if !rec.Active || len(set) == 0 {
			continue
		}
		vecs := make([][]float32, 0, len(set))
		for _, e := range set {
			vecs = append(vecs, slices.Clone(e.Vector))
		}
		out = append(out, store.IdentityEmbeddings{Identity: rec, Embeddings: vecs})
	}
	slices.SortFunc(out, func(a, b store.IdentityEmbeddings) int {
		return strings.Compare(a.Identity.ID, b.Identity.ID)
	})
	return out, nil
}

func (s *IdentityStore) Embeddings(_ context.Context, id string) ([]store.EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.embeddings[id]
	out := make([]store.EmbeddingRecord, len(set))
	for i, e := range set {
		e.Vector = slices.Clone(e.Vector)
		out[i] = e
	}
	return out, nil
}

func (s *IdentityStore) Stats(_ context.Context) (store.IdentityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st store.IdentityStats
	for id, rec := range s.identities {
		st.TotalIdentities++
		if rec.Active {
			st.ActiveIdentities++
		}
		st.TotalEmbeddings += int64(len(s.embeddings[id]))
	}
	return st, nil
}
