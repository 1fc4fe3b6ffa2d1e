package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/auth"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/enroll"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// StatusReporter produces the GET_STATUS payload.
type StatusReporter interface {
	Report(ctx context.Context) (types.StatusReport, error)
}

// IdentitySummary is one LIST_IDENTITIES entry.
type IdentitySummary struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	AccessStart string `json:"access_start"`
	AccessEnd   string `json:"access_end"`
	Active      bool   `json:"is_active"`
	Embeddings  int    `json:"embeddings"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Dispatcher executes commands one at a time, whichever transport they
// arrive on.
type Dispatcher struct {
	auth       *auth.Authenticator
	sessions   *enroll.Manager
	identities store.IdentityStore
	audit      store.AuditStore
	status     StatusReporter
	logger     *log.Logger

	adminMode atomic.Bool
	now       func() time.Time

	mu sync.Mutex
}

func NewDispatcher(a *auth.Authenticator, sessions *enroll.Manager, ids store.IdentityStore, audit store.AuditStore, status StatusReporter, adminMode bool, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		auth:       a,
		sessions:   sessions,
		identities: ids,
		audit:      audit,
		status:     status,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	d.adminMode.Store(adminMode)
	return d
}

func (d *Dispatcher) AdminMode() bool               { return d.adminMode.Load() }
func (d *Dispatcher) SetAdminMode(on bool)          { d.adminMode.Store(on) }
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Handle decodes and executes one frame.  It always produces exactly one
// response.
func (d *Dispatcher) Handle(ctx context.Context, frame []byte) Response {
	env, err := Decode(frame)
	if err != nil {
		d.logger.Printf("protocol: rejected frame: %v", err)
		return fromError(err)
	}
	return d.Dispatch(ctx, env)
}

func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if Privileged(env.Command) {
		if !d.AdminMode() {
			return errorResponse(CodeAdminModeDisabled, "admin mode not enabled")
		}
		if err := d.auth.Verify(ctx, env.Fields, now); err != nil {
			d.securityEvent(ctx, env, err, now)
			return errorResponse(CodeAuthFailed, "authentication failed")
		}
	}

	switch c := env.Command.(type) {
	case *BeginUpsert:
		return d.beginUpsert(ctx, c)
	case *PhotoChunk:
		return d.photoChunk(ctx, c)
	case *EndUpsert:
		return d.endUpsert(ctx)
	case *UpdatePeriod:
		return d.updatePeriod(ctx, c, now)
	case *Deactivate:
		return d.deactivate(ctx, c, now)
	case *Delete:
		return d.delete(ctx, c, now)
	case *GetStatus:
		return d.getStatus(ctx)
	case *ListIdentities:
		return d.listIdentities(ctx)
	case *GetAuditLogs:
		return d.getAuditLogs(ctx, c)
	default:
		return errorResponse("UNKNOWN_COMMAND", fmt.Sprintf("unhandled command %T", c))
	}
}

func (d *Dispatcher) beginUpsert(ctx context.Context, c *BeginUpsert) Response {
	start, end := c.Window()
	sid, err := d.sessions.Begin(ctx, enroll.BeginRequest{
		IdentityID:  c.IdentityID,
		DisplayName: c.DisplayName,
		AccessStart: start,
		AccessEnd:   end,
		PhotoCount:  *c.NumPhotos,
	})
	if err != nil {
		return d.fail(CmdBeginUpsert, err)
	}
	resp := ok(fmt.Sprintf("Session started for %s", strings.TrimSpace(c.IdentityID)))
	resp.SessionID = sid
	return resp
}

func (d *Dispatcher) photoChunk(ctx context.Context, c *PhotoChunk) Response {
	res, err := d.sessions.Chunk(ctx, enroll.ChunkRequest{
		ChunkIndex:  *c.ChunkIndex,
		TotalChunks: *c.TotalChunks,
		Data:        c.Payload(),
		IsLast:      c.IsLast,
		SHA256:      c.SHA256,
	})
	if err != nil {
		return d.fail(CmdPhotoChunk, err)
	}
	if !res.PhotoComplete {
		return Response{
			Type:           TypeProgress,
			PhotosReceived: res.PhotosReceived,
			PhotosTotal:    res.PhotosTotal,
			NextChunk:      res.NextChunk,
		}
	}
	resp := ok(fmt.Sprintf("Photo %d received", res.PhotoNumber))
	resp.PhotosReceived = res.PhotosReceived
	resp.PhotosTotal = res.PhotosTotal
	return resp
}

func (d *Dispatcher) endUpsert(ctx context.Context) Response {
	out, err := d.sessions.End(ctx)
	if err != nil {
		return d.fail(CmdEndUpsert, err)
	}
	return ok(fmt.Sprintf("Registered %s with %d embeddings", out.IdentityID, out.Embeddings))
}

func (d *Dispatcher) updatePeriod(ctx context.Context, c *UpdatePeriod, now time.Time) Response {
	id := strings.TrimSpace(c.IdentityID)
	start, end := c.Window()
	found, err := d.identities.UpdatePeriod(ctx, id, start, end, now)
	meta := map[string]any{
		"access_start": start.Format(time.RFC3339),
		"access_end":   end.Format(time.RFC3339),
	}
	return d.mutation(ctx, CmdUpdatePeriod, store.EventUpdatePeriod, id, found, err, now, meta,
		fmt.Sprintf("Period updated for %s", id))
}

func (d *Dispatcher) deactivate(ctx context.Context, c *Deactivate, now time.Time) Response {
	id := strings.TrimSpace(c.IdentityID)
	found, err := d.identities.Deactivate(ctx, id, now)
	return d.mutation(ctx, CmdDeactivate, store.EventDeactivate, id, found, err, now, nil,
		fmt.Sprintf("Identity %s deactivated", id))
}

func (d *Dispatcher) delete(ctx context.Context, c *Delete, now time.Time) Response {
	id := strings.TrimSpace(c.IdentityID)
	found, err := d.identities.Delete(ctx, id)
	return d.mutation(ctx, CmdDelete, store.EventDelete, id, found, err, now, nil,
		fmt.Sprintf("Identity %s deleted", id))
}

// mutation audits and answers a direct identity store change.
func (d *Dispatcher) mutation(ctx context.Context, cmd, event, id string, found bool, err error, now time.Time, meta map[string]any, okMsg string) Response {
	rec := store.AuditRecord{
		Timestamp: now,
		EventType: event,
		SubjectID: store.StrPtr(id),
		Result:    store.ResultSuccess,
		Metadata:  meta,
	}
	var resp Response
	switch {
	case err != nil && errors.Is(err, store.ErrInvalidWindow):
		rec.Result, rec.Reason = store.ResultFailure, "invalid_window"
		resp = d.fail(cmd, err)
	case err != nil:
		rec.Result, rec.Reason = store.ResultFailure, "store_failure"
		d.logger.Printf("protocol: ERROR %s %s: %v", cmd, id, err)
		resp = errorResponse(CodeStoreFailure, err.Error())
	case !found:
		rec.Result, rec.Reason = store.ResultFailure, "not_found"
		resp = errorResponse(CodeNotFound, fmt.Sprintf("Identity %s not found", id))
	default:
		resp = ok(okMsg)
	}
	d.record(ctx, rec)
	return resp
}

func (d *Dispatcher) getStatus(ctx context.Context) Response {
	rep, err := d.status.Report(ctx)
	if err != nil {
		d.logger.Printf("protocol: ERROR status: %v", err)
		return errorResponse(CodeStoreFailure, err.Error())
	}
	return Response{Type: TypeStatus, Data: rep}
}

func (d *Dispatcher) listIdentities(ctx context.Context) Response {
	recs, err := d.identities.ListIdentities(ctx)
	if err != nil {
		d.logger.Printf("protocol: ERROR list identities: %v", err)
		return errorResponse(CodeStoreFailure, err.Error())
	}
	out := make([]IdentitySummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, IdentitySummary{
			IdentityID:  r.ID,
			DisplayName: r.DisplayName,
			AccessStart: r.AccessStart.Format(time.RFC3339),
			AccessEnd:   r.AccessEnd.Format(time.RFC3339),
			Active:      r.Active,
			Embeddings:  r.EmbeddingCount,
			CreatedAt:   r.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
		})
	}
	return Response{Type: TypeIdentities, Data: out}
}

func (d *Dispatcher) getAuditLogs(ctx context.Context, c *GetAuditLogs) Response {
	logs, err := d.audit.ListAudit(ctx, store.AuditFilter{
		IdentityID: strings.TrimSpace(c.IdentityID),
		Since:      c.SinceTime(),
		Limit:      c.Limit,
	})
	if err != nil {
		d.logger.Printf("protocol: ERROR audit logs: %v", err)
		return errorResponse(CodeStoreFailure, err.Error())
	}
	if logs == nil {
		logs = []store.AuditRecord{}
	}
	return Response{Type: TypeAuditLogs, Data: logs}
}

func (d *Dispatcher) fail(cmd string, err error) Response {
	if errors.Is(err, enroll.ErrStoreFailure) {
		d.logger.Printf("protocol: ERROR %s: %v", cmd, err)
	} else {
		d.logger.Printf("protocol: %s rejected: %v", cmd, err)
	}
	return fromError(err)
}

// securityEvent audits an authentication failure with its precise reason.
// The client only ever sees the generic message.
func (d *Dispatcher) securityEvent(ctx context.Context, env Envelope, err error, now time.Time) {
	reason := authReason(err)
	var subject string
	if v, ok := env.Fields["identity_id"].(string); ok {
		subject = v
	} else if v, ok := env.Fields["employee_id"].(string); ok {
		subject = v
	}
	d.logger.Printf("protocol: SECURITY %s rejected: %s (%v)", env.Name, reason, err)
	d.record(ctx, store.AuditRecord{
		Timestamp: now,
		EventType: store.EventSecurity,
		SubjectID: store.StrPtr(strings.TrimSpace(subject)),
		Result:    store.ResultRejected,
		Reason:    reason,
		Metadata:  map[string]any{"command": env.Name},
	})
}

func authReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, auth.ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, auth.ErrReplayedNonce):
		return "replayed_nonce"
	case errors.Is(err, auth.ErrNonceStoreFull):
		return "nonce_store_full"
	case errors.Is(err, auth.ErrNoSecret):
		return "no_secret"
	}
	return "auth_error"
}

func (d *Dispatcher) record(ctx context.Context, rec store.AuditRecord) {
	if err := d.audit.RecordAudit(ctx, rec); err != nil {
		d.logger.Printf("protocol: audit write failed: %v", err)
	}
}
