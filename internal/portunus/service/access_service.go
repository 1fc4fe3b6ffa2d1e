package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/Portunus/gate/internal/lock"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// Decision reasons, also written to the audit log.
const (
	ReasonGranted     = "granted"
	ReasonNoMatch     = "no_match"
	ReasonCooldown    = "cooldown"
	ReasonInactive    = "inactive"
	ReasonOutOfWindow = "out_of_window"
	ReasonRateLimited = "rate_limited"
)

type AccessPolicy struct {
	Threshold              float64
	Cooldown               time.Duration
	RateWindow             time.Duration
	MaxAttemptsPerIdentity int
	MaxAttemptsGlobal      int
	UnlockDuration         time.Duration
}

func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		Threshold:              0.6,
		Cooldown:               2 * time.Second,
		RateWindow:             time.Minute,
		MaxAttemptsPerIdentity: 10,
		MaxAttemptsGlobal:      30,
		UnlockDuration:         3 * time.Second,
	}
}

// AccessService turns a (candidate, score) pair from the recognition loop
// into a grant or deny, audits it and drives the lock on grant.
type AccessService struct {
	identities store.IdentityStore
	audit      store.AuditStore
	relay      lock.Relay
	policy     AccessPolicy
	logger     *log.Logger
	now        func() time.Time

	mu          sync.Mutex
	lastGrant   map[string]time.Time
	perIdentity map[string]*slidingWindow
	global      *slidingWindow

	// denyLog limits how often denials are written to the process log.
	// The audit trail is never limited.
	denyLog    *rate.Limiter
	suppressed int
}

func NewAccessService(ids store.IdentityStore, audit store.AuditStore, relay lock.Relay, policy AccessPolicy, logger *log.Logger) *AccessService {
	if policy.RateWindow <= 0 {
		policy.RateWindow = time.Minute
	}
	return &AccessService{
		identities:  ids,
		audit:       audit,
		relay:       relay,
		policy:      policy,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		lastGrant:   make(map[string]time.Time),
		perIdentity: make(map[string]*slidingWindow),
		global:      newSlidingWindow(policy.RateWindow),
		denyLog:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// SetClock replaces the time source.  Tests only.
func (s *AccessService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *AccessService) Policy() AccessPolicy { return s.policy }

// Decide evaluates one recognition result.  Policy order: no_match,
// cooldown, inactive, out_of_window, rate_limited, granted.  Store read
// errors are returned and nothing is granted or recorded.
func (s *AccessService) Decide(ctx context.Context, req types.DecisionRequest) (types.DecisionResponse, error) {
	id := strings.TrimSpace(req.IdentityID)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	resp := types.DecisionResponse{
		IdentityID: id,
		Score:      req.Score,
		Threshold:  s.policy.Threshold,
		DecidedAt:  now.Format(time.RFC3339Nano),
	}

	reason, rec, err := s.evaluate(ctx, id, req.Score, now)
	if err != nil {
		return types.DecisionResponse{}, fmt.Errorf("Decide: %w", err)
	}
	resp.Reason = reason
	resp.Granted = reason == ReasonGranted
	resp.DisplayName = rec.DisplayName

	if counted(reason) {
		s.global.add(now)
		if id != "" {
			s.window(id).add(now)
		}
	}
	if resp.Granted {
		s.lastGrant[id] = now
		if err := s.relay.Unlock(ctx, s.policy.UnlockDuration); err != nil {
			s.logger.Printf("access: relay unlock failed for %s: %v", id, err)
		}
	}

	s.recordEvent(ctx, req, reason, now)
	s.logDecision(resp)
	return resp, nil
}

func (s *AccessService) evaluate(ctx context.Context, id string, score float64, now time.Time) (string, store.IdentityRecord, error) {
	if id == "" || score < s.policy.Threshold {
		return ReasonNoMatch, store.IdentityRecord{}, nil
	}
	if last, ok := s.lastGrant[id]; ok && now.Sub(last) < s.policy.Cooldown {
		return ReasonCooldown, store.IdentityRecord{}, nil
	}

	rec, found, err := s.identities.GetIdentity(ctx, id)
	if err != nil {
		return "", store.IdentityRecord{}, err
	}
	if !found || !rec.Active {
		return ReasonInactive, rec, nil
	}
	if !rec.InWindow(now) {
		return ReasonOutOfWindow, rec, nil
	}

	if s.policy.MaxAttemptsPerIdentity > 0 && s.window(id).count(now) >= s.policy.MaxAttemptsPerIdentity {
		return ReasonRateLimited, rec, nil
	}
	if s.policy.MaxAttemptsGlobal > 0 && s.global.count(now) >= s.policy.MaxAttemptsGlobal {
		return ReasonRateLimited, rec, nil
	}
	return ReasonGranted, rec, nil
}

// counted reports whether an outcome consumes a rate-window slot.
func counted(reason string) bool {
	return reason != ReasonRateLimited && reason != ReasonCooldown
}

func (s *AccessService) window(id string) *slidingWindow {
	w, ok := s.perIdentity[id]
	if !ok {
		w = newSlidingWindow(s.policy.RateWindow)
		s.perIdentity[id] = w
	}
	return w
}

// Prune drops per-identity rate windows and cooldown entries that can no
// longer affect a decision.  Called by the sweeper.
func (s *AccessService) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, w := range s.perIdentity {
		if w.count(now) == 0 {
			delete(s.perIdentity, id)
			dropped++
		}
	}
	for id, t := range s.lastGrant {
		if now.Sub(t) >= s.policy.Cooldown {
			delete(s.lastGrant, id)
		}
	}
	return dropped
}

// recordEvent appends the decision to the audit log.  A failed audit write
// is logged and does not change the decision already taken.
func (s *AccessService) recordEvent(ctx context.Context, req types.DecisionRequest, reason string, at time.Time) {
	result := store.ResultDenied
	if reason == ReasonGranted {
		result = store.ResultGranted
	}
	rec := store.AuditRecord{
		Timestamp: at,
		EventType: store.EventFaceRecognition,
		MatchedID: store.StrPtr(strings.TrimSpace(req.IdentityID)),
		Score:     store.FloatPtr(req.Score),
		Result:    result,
		Reason:    reason,
		Metadata:  map[string]any{"threshold": s.policy.Threshold},
	}
	if reason != ReasonNoMatch {
		rec.SubjectID = rec.MatchedID
	}
	if err := s.audit.RecordAudit(ctx, rec); err != nil {
		s.logger.Printf("access: audit write failed: %v", err)
	}
}

func (s *AccessService) logDecision(resp types.DecisionResponse) {
	if resp.Granted {
		s.logger.Printf("access: GRANTED %s (score=%.3f)", resp.IdentityID, resp.Score)
		return
	}
	if !s.denyLog.Allow() {
		s.suppressed++
		return
	}
	if s.suppressed > 0 {
		s.logger.Printf("access: %d denials not logged", s.suppressed)
		s.suppressed = 0
	}
	s.logger.Printf("access: denied %q reason=%s score=%.3f", resp.IdentityID, resp.Reason, resp.Score)
}
