package store

import (
	"context"
	"time"
)

// Audit event types.
const (
	EventFaceRecognition = "face_recognition"
	EventRegistration    = "registration"
	EventUpdatePeriod    = "update_period"
	EventDeactivate      = "deactivate"
	EventDelete          = "delete"
	EventSecurity        = "security"
)

// Audit results.
const (
	ResultGranted  = "granted"
	ResultDenied   = "denied"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

// AuditRecord is one immutable audit trail entry.  ID is assigned by the
// store and ignored on insert.
type AuditRecord struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	SubjectID *string        `json:"identity_id,omitempty"`
	MatchedID *string        `json:"matched_identity_id,omitempty"`
	Score     *float64       `json:"score,omitempty"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditFilter narrows ListAudit.  Zero values mean "no filter"; Limit <= 0
// falls back to DefaultAuditLimit.
type AuditFilter struct {
	IdentityID string
	Since      time.Time
	Until      time.Time
	Limit      int
}

const DefaultAuditLimit = 100

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	RecordAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// StrPtr is a small helper for the optional audit columns.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func FloatPtr(f float64) *float64 { return &f }
