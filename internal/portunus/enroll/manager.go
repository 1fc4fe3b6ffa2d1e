// Package enroll reassembles chunked photo uploads into enrollment sessions
// and commits them to the identity store.  At most one session exists at a
// time.
package enroll

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/face"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

type BeginRequest struct {
	IdentityID  string
	DisplayName string
	AccessStart time.Time
	AccessEnd   time.Time
	PhotoCount  int
}

type ChunkRequest struct {
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	IsLast      bool
	SHA256      string // hex, required on the last chunk only
}

// ChunkResult describes where the session stands after an accepted chunk.
type ChunkResult struct {
	PhotoComplete  bool
	PhotoNumber    int // 1-based photo the chunk belonged to
	PhotosReceived int
	PhotosTotal    int
	NextChunk      int
}

type EndResult struct {
	IdentityID string
	Embeddings int
}

type Manager struct {
	mu    sync.Mutex
	state state
	// expired is set when a collecting session timed out and cleared once a
	// client has been told, or a new session begins.
	expired bool

	limits   Limits
	ids      store.IdentityStore
	audit    store.AuditStore
	pipeline face.Pipeline
	log      *log.Logger
	now      func() time.Time
}

func NewManager(ids store.IdentityStore, audit store.AuditStore, pipeline face.Pipeline, limits Limits, logger *log.Logger) *Manager {
	return &Manager{
		state:    idle{},
		limits:   limits.withDefaults(),
		ids:      ids,
		audit:    audit,
		pipeline: pipeline,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.  Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) Limits() Limits { return m.limits }

func (m *Manager) Begin(_ context.Context, req BeginRequest) (string, error) {
	id := strings.TrimSpace(req.IdentityID)
	if id == "" {
		return "", fmt.Errorf("%w: identity_id", ErrMissingField)
	}
	if req.AccessStart.IsZero() || req.AccessEnd.IsZero() {
		return "", fmt.Errorf("%w: access window", ErrMissingField)
	}
	if !req.AccessStart.Before(req.AccessEnd) {
		return "", ErrInvalidWindow
	}
	if req.PhotoCount < m.limits.MinPhotos || req.PhotoCount > m.limits.MaxPhotos {
		return "", fmt.Errorf("%w: %d not in %d..%d", ErrInvalidPhotoCount, req.PhotoCount, m.limits.MinPhotos, m.limits.MaxPhotos)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)
	if _, ok := m.state.(idle); !ok {
		return "", ErrSessionAlreadyActive
	}

	m.expired = false
	s := &session{
		id: uuid.NewString(),
		identity: store.IdentityRecord{
			ID:          id,
			DisplayName: strings.TrimSpace(req.DisplayName),
			AccessStart: req.AccessStart.UTC(),
			AccessEnd:   req.AccessEnd.UTC(),
			Active:      true,
		},
		total:    req.PhotoCount,
		lastSeen: now,
	}
	s.photo.reset()
	m.state = collecting{s: s}

	m.log.Printf("enroll: session %s begun for %s (%d photos)", s.id, id, s.total)
	return s.id, nil
}

func (m *Manager) Chunk(ctx context.Context, req ChunkRequest) (ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(m.now())
	if err != nil {
		return ChunkResult{}, err
	}
	s.lastSeen = m.now()
	p := &s.photo

	if s.received() >= s.total {
		return ChunkResult{}, ErrAllPhotosReceived
	}
	if req.ChunkIndex != p.next {
		return ChunkResult{}, fmt.Errorf("%w: got %d, expected %d", ErrChunkOutOfOrder, req.ChunkIndex, p.next)
	}
	if req.TotalChunks <= 0 || req.ChunkIndex >= req.TotalChunks {
		return ChunkResult{}, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, req.ChunkIndex, req.TotalChunks)
	}
	if p.totalChunks != 0 && req.TotalChunks != p.totalChunks {
		return ChunkResult{}, fmt.Errorf("%w: total_chunks changed from %d to %d", ErrInvalidChunk, p.totalChunks, req.TotalChunks)
	}
	if req.IsLast != (req.ChunkIndex == req.TotalChunks-1) {
		return ChunkResult{}, fmt.Errorf("%w: is_last disagrees with index %d of %d", ErrInvalidChunk, req.ChunkIndex, req.TotalChunks)
	}
	if req.IsLast && strings.TrimSpace(req.SHA256) == "" {
		return ChunkResult{}, fmt.Errorf("%w: sha256 required on last chunk", ErrInvalidChunk)
	}
	if len(req.Data) > m.limits.MaxChunkBytes {
		return ChunkResult{}, fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(req.Data), m.limits.MaxChunkBytes)
	}
	if len(p.data)+len(req.Data) > m.limits.MaxPhotoBytes {
		p.reset()
		return ChunkResult{}, fmt.Errorf("%w: limit %d bytes", ErrPhotoTooLarge, m.limits.MaxPhotoBytes)
	}

	p.totalChunks = req.TotalChunks
	p.append(req.Data)
	p.next++

	photoNumber := s.received() + 1
	if !req.IsLast {
		return m.progress(s, false, photoNumber), nil
	}

	got := hex.EncodeToString(p.sum.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(req.SHA256)) {
		p.reset()
		return ChunkResult{}, ErrHashMismatch
	}

	photo := p.data
	p.reset()

	emb, err := m.pipeline.Process(ctx, photo)
	if err != nil {
		s.failures++
		m.log.Printf("enroll: session %s photo %d rejected (%d/%d failures): %v",
			s.id, photoNumber, s.failures, m.limits.MaxPipelineFailures, err)
		if s.failures > m.limits.MaxPipelineFailures {
			m.state = idle{}
			return ChunkResult{}, fmt.Errorf("%w: %w", ErrTooManyFailures, err)
		}
		return ChunkResult{}, err
	}

	s.embeddings = append(s.embeddings, store.EmbeddingRecord{
		IdentityID: s.identity.ID,
		Vector:     emb,
		PhotoHash:  got,
		CreatedAt:  m.now(),
	})
	return m.progress(s, true, photoNumber), nil
}

func (m *Manager) progress(s *session, complete bool, photoNumber int) ChunkResult {
	return ChunkResult{
		PhotoComplete:  complete,
		PhotoNumber:    photoNumber,
		PhotosReceived: s.received(),
		PhotosTotal:    s.total,
		NextChunk:      s.photo.next,
	}
}

// End commits the session.  The session moves to finalizing while the store
// write runs so that no other command can touch it, then always returns to
// idle unless the session was left open for more photos.
func (m *Manager) End(ctx context.Context) (EndResult, error) {
	m.mu.Lock()
	now := m.now()
	s, err := m.activeLocked(now)
	if err != nil {
		m.mu.Unlock()
		return EndResult{}, err
	}
	switch {
	case s.received() == 0:
		m.state = idle{}
		m.mu.Unlock()
		m.log.Printf("enroll: session %s for %s discarded: no valid embeddings", s.id, s.identity.ID)
		return EndResult{}, ErrNoValidEmbeddings
	case m.limits.RequireAllPhotos && s.received() < s.total:
		s.lastSeen = now
		m.mu.Unlock()
		return EndResult{}, fmt.Errorf("%w: %d of %d", ErrIncompleteSession, s.received(), s.total)
	}
	m.state = finalizing{s: s}
	m.mu.Unlock()

	// A queued write can land after ctx is cancelled; commit and audit
	// run to completion so the reply matches the store.
	ctx = context.WithoutCancel(ctx)
	rec := s.identity
	rec.CreatedAt = now
	rec.UpdatedAt = now
	err = m.ids.UpsertEnrollment(ctx, rec, s.embeddings)

	m.mu.Lock()
	m.state = idle{}
	m.mu.Unlock()

	if err != nil {
		m.log.Printf("enroll: ERROR committing %s: %v", rec.ID, err)
		m.record(ctx, now, rec.ID, store.ResultFailure, err.Error(), s)
		return EndResult{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}

	m.record(ctx, now, rec.ID, store.ResultSuccess, "", s)
	m.log.Printf("enroll: registered %s with %d embeddings", rec.ID, s.received())
	return EndResult{IdentityID: rec.ID, Embeddings: s.received()}, nil
}

func (m *Manager) record(ctx context.Context, at time.Time, id, result, reason string, s *session) {
	if m.audit == nil {
		return
	}
	err := m.audit.RecordAudit(ctx, store.AuditRecord{
		Timestamp: at,
		EventType: store.EventRegistration,
		SubjectID: store.StrPtr(id),
		Result:    result,
		Reason:    reason,
		Metadata: map[string]any{
			"session_id":      s.id,
			"display_name":    s.identity.DisplayName,
			"embeddings":      s.received(),
			"photos_declared": s.total,
			"failures":        s.failures,
		},
	})
	if err != nil {
		m.log.Printf("enroll: audit write failed: %v", err)
	}
}

// Sweep discards a collecting session idle past the timeout.  It reports
// whether a session was dropped.
func (m *Manager) Sweep(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(now)
}

// Reset drops any collecting session.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.(collecting); ok {
		m.state = idle{}
	}
}

func (m *Manager) Status() types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := types.SessionStatus{State: m.state.stateName()}
	var s *session
	switch v := m.state.(type) {
	case collecting:
		s = v.s
	case finalizing:
		s = v.s
	}
	if s != nil {
		st.IdentityID = s.identity.ID
		st.PhotosReceived = s.received()
		st.PhotosTotal = s.total
		st.NextChunk = s.photo.next
		st.Failures = s.failures
	}
	return st
}

func (m *Manager) expireLocked(now time.Time) bool {
	c, ok := m.state.(collecting)
	if !ok || now.Sub(c.s.lastSeen) <= m.limits.SessionTimeout {
		return false
	}
	m.state = idle{}
	m.expired = true
	m.log.Printf("enroll: session %s for %s expired", c.s.id, c.s.identity.ID)
	return true
}

// activeLocked returns the collecting session, expiring it first if stale.
func (m *Manager) activeLocked(now time.Time) (*session, error) {
	m.expireLocked(now)
	switch v := m.state.(type) {
	case collecting:
		return v.s, nil
	case finalizing:
		return nil, ErrSessionAlreadyActive
	}
	if m.expired {
		m.expired = false
		return nil, ErrSessionExpired
	}
	return nil, ErrNoActiveSession
}
