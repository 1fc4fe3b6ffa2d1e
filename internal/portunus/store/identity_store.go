package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidWindow = errors.New("access_start must be before access_end")
	ErrEmptyIdentity = errors.New("identity_id is required")
)

// IdentityRecord is an enrolled subject.  The access window is half-open:
// AccessStart is inclusive, AccessEnd exclusive.
type IdentityRecord struct {
	ID          string
	DisplayName string
	AccessStart time.Time
	AccessEnd   time.Time
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// EmbeddingCount is filled by ListIdentities only.
	EmbeddingCount int
}

// InWindow reports whether t falls inside [AccessStart, AccessEnd).
func (r IdentityRecord) InWindow(t time.Time) bool {
	return !t.Before(r.AccessStart) && t.Before(r.AccessEnd)
}

func (r IdentityRecord) Validate() error {
	if r.ID == "" {
		return ErrEmptyIdentity
	}
	if !r.AccessStart.Before(r.AccessEnd) {
		return ErrInvalidWindow
	}
	return nil
}

type EmbeddingRecord struct {
	IdentityID string
	Vector     []float32
	PhotoHash  string // hex SHA-256 of the source photo
	CreatedAt  time.Time
}

// IdentityEmbeddings groups an active identity with its reference set.
type IdentityEmbeddings struct {
	Identity   IdentityRecord
	Embeddings [][]float32
}

type IdentityStats struct {
	ActiveIdentities int64
	TotalIdentities  int64
	TotalEmbeddings  int64
}

// IdentityStore is the durable owner of identities and embeddings.
//
// UpsertEnrollment is the only way embeddings change and must be atomic:
// the identity row and its full embedding set are replaced together or not
// at all.
type IdentityStore interface {
	UpsertEnrollment(ctx context.Context, rec IdentityRecord, embeddings []EmbeddingRecord) error
	GetIdentity(ctx context.Context, id string) (IdentityRecord, bool, error)
	UpdatePeriod(ctx context.Context, id string, start, end, at time.Time) (bool, error)
	Deactivate(ctx context.Context, id string, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListIdentities(ctx context.Context) ([]IdentityRecord, error)
	ActiveEmbeddings(ctx context.Context) ([]IdentityEmbeddings, error)
	Embeddings(ctx context.Context, id string) ([]EmbeddingRecord, error)
	Stats(ctx context.Context) (IdentityStats, error)
}
