package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

type IdentityStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewIdentityStore(db *sql.DB, writer *dbpkg.Worker) *IdentityStore {
	return &IdentityStore{db: db, writer: writer}
}

// UpsertEnrollment replaces the identity row and its whole embedding set in
// one transaction.  created_at_ms survives re-enrollment; the identity is
// always (re)activated.
func (s *IdentityStore) UpsertEnrollment(ctx context.Context, rec store.IdentityRecord, embeddings []store.EmbeddingRecord) error {
	rec.ID = strings.TrimSpace(rec.ID)
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	nowMs := rec.UpdatedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO identities(
  identity_id, display_name, access_start_ms, access_end_ms,
  is_active, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(identity_id) DO UPDATE SET
  display_name    = excluded.display_name,
  access_start_ms = excluded.access_start_ms,
  access_end_ms   = excluded.access_end_ms,
  is_active       = 1,
  updated_at_ms   = excluded.updated_at_ms;
`, rec.ID, rec.DisplayName,
			rec.AccessStart.UTC().UnixMilli(), rec.AccessEnd.UTC().UnixMilli(),
			nowMs, nowMs); err != nil {
			return fmt.Errorf("UpsertEnrollment upsert identity: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE identity_id = ?;`, rec.ID); err != nil {
			return fmt.Errorf("UpsertEnrollment clear embeddings: %w", err)
		}

		for i, e := range embeddings {
			createdMs := nowMs
			if !e.CreatedAt.IsZero() {
				createdMs = e.CreatedAt.UTC().UnixMilli()
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO embeddings(identity_id, dim, vector, photo_sha256, created_at_ms)
VALUES (?, ?, ?, ?, ?);
`, rec.ID, len(e.Vector), encodeVector(e.Vector), e.PhotoHash, createdMs); err != nil {
				return fmt.Errorf("UpsertEnrollment insert embedding %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *IdentityStore) GetIdentity(ctx context.Context, id string) (store.IdentityRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT identity_id, display_name, access_start_ms, access_end_ms,
       is_active, created_at_ms, updated_at_ms
FROM identities
WHERE identity_id = ?;
`, strings.TrimSpace(id))

	rec, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.IdentityRecord{}, false, nil
	}
	if err != nil {
		return store.IdentityRecord{}, false, fmt.Errorf("GetIdentity: %w", err)
	}
	return rec, true, nil
}

func (s *IdentityStore) UpdatePeriod(ctx context.Context, id string, start, end, at time.Time) (bool, error) {
	if !start.Before(end) {
		return false, store.ErrInvalidWindow
	}
	var found bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE identities
SET access_start_ms = ?,
    access_end_ms   = ?,
    updated_at_ms   = ?
WHERE identity_id = ?;
`, start.UTC().UnixMilli(), end.UTC().UnixMilli(), at.UTC().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("UpdatePeriod: %w", err)
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return nil
	})
	return found, err
}

func (s *IdentityStore) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	var found bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE identities
SET is_active = 0,
    updated_at_ms = ?
WHERE identity_id = ?;
`, at.UTC().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("Deactivate: %w", err)
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return nil
	})
	return found, err
}

// Delete removes the identity; embeddings go with it through ON DELETE CASCADE.
func (s *IdentityStore) Delete(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE identity_id = ?;`, id)
		if err != nil {
			return fmt.Errorf("Delete: %w", err)
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return nil
	})
	return found, err
}

func (s *IdentityStore) ListIdentities(ctx context.Context) ([]store.IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT i.identity_id, i.display_name, i.access_start_ms, i.access_end_ms,
       i.is_active, i.created_at_ms, i.updated_at_ms,
       (SELECT COUNT(*) FROM embeddings e WHERE e.identity_id = i.identity_id)
FROM identities i
ORDER BY i.identity_id;
`)
	if err != nil {
		return nil, fmt.Errorf("ListIdentities: %w", err)
	}
	defer rows.Close()

	var out []store.IdentityRecord
	for rows.Next() {
		var (
			rec                             store.IdentityRecord
			startMs, endMs, createMs, updMs int64
			active                          int
		)
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &startMs, &endMs,
			&active, &createMs, &updMs, &rec.EmbeddingCount); err != nil {
			return nil, fmt.Errorf("ListIdentities scan: %w", err)
		}
		fillTimes(&rec, startMs, endMs, createMs, updMs)
		rec.Active = active == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ActiveEmbeddings loads every active identity that has at least one
// embedding, in a single read so the matcher sees one consistent snapshot.
func (s *IdentityStore) ActiveEmbeddings(ctx context.Context) ([]store.IdentityEmbeddings, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT i.identity_id, i.display_name, i.access_start_ms, i.access_end_ms,
       i.is_active, i.created_at_ms, i.updated_at_ms,
       e.dim, e.vector
FROM identities i
JOIN embeddings e ON e.identity_id = i.identity_id
WHERE i.is_active = 1
ORDER BY i.identity_id, e.embedding_id;
`)
	if err != nil {
		return nil, fmt.Errorf("ActiveEmbeddings: %w", err)
	}
	defer rows.Close()

	var out []store.IdentityEmbeddings
	for rows.Next() {
		var (
			rec                             store.IdentityRecord
			startMs, endMs, createMs, updMs int64
			active, dim                     int
			blob                            []byte
		)
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &startMs, &endMs,
			&active, &createMs, &updMs, &dim, &blob); err != nil {
			return nil, fmt.Errorf("ActiveEmbeddings scan: %w", err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("ActiveEmbeddings %s: %w", rec.ID, err)
		}
		if n := len(out); n > 0 && out[n-1].Identity.ID == rec.ID {
			out[n-1].Embeddings = append(out[n-1].Embeddings, vec)
			continue
		}
		fillTimes(&rec, startMs, endMs, createMs, updMs)
		rec.Active = active == 1
		out = append(out, store.IdentityEmbeddings{Identity: rec, Embeddings: [][]float32{vec}})
	}
	return out, rows.Err()
}

func (s *IdentityStore) Embeddings(ctx context.Context, id string) ([]store.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT dim, vector, photo_sha256, created_at_ms
FROM embeddings
WHERE identity_id = ?
ORDER BY embedding_id;
`, id)
	if err != nil {
		return nil, fmt.Errorf("Embeddings: %w", err)
	}
	defer rows.Close()

	var out []store.EmbeddingRecord
	for rows.Next() {
		var (
			dim       int
			blob      []byte
			hash      string
			createdMs int64
		)
		if err := rows.Scan(&dim, &blob, &hash, &createdMs); err != nil {
			return nil, fmt.Errorf("Embeddings scan: %w", err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("Embeddings %s: %w", id, err)
		}
		out = append(out, store.EmbeddingRecord{
			IdentityID: id,
			Vector:     vec,
			PhotoHash:  hash,
			CreatedAt:  time.UnixMilli(createdMs).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *IdentityStore) Stats(ctx context.Context) (store.IdentityStats, error) {
	var st store.IdentityStats
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM identities WHERE is_active = 1),
  (SELECT COUNT(*) FROM identities),
  (SELECT COUNT(*) FROM embeddings);
`).Scan(&st.ActiveIdentities, &st.TotalIdentities, &st.TotalEmbeddings)
	if err != nil {
		return store.IdentityStats{}, fmt.Errorf("Stats: %w", err)
	}
	return st, nil
}

func scanIdentity(row *sql.Row) (store.IdentityRecord, error) {
	var (
		rec                             store.IdentityRecord
		startMs, endMs, createMs, updMs int64
		active                          int
	)
	if err := row.Scan(&rec.ID, &rec.DisplayName, &startMs, &endMs, &active, &createMs, &updMs); err != nil {
		return store.IdentityRecord{}, err
	}
	fillTimes(&rec, startMs, endMs, createMs, updMs)
	rec.Active = active == 1
	return rec, nil
}

func fillTimes(rec *store.IdentityRecord, startMs, endMs, createMs, updMs int64) {
	rec.AccessStart = time.UnixMilli(startMs).UTC()
	rec.AccessEnd = time.UnixMilli(endMs).UTC()
	rec.CreatedAt = time.UnixMilli(createMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updMs).UTC()
}
