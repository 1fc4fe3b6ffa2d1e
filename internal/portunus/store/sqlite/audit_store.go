package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

type AuditStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAuditStore(db *sql.DB, writer *dbpkg.Worker) *AuditStore {
	return &AuditStore{db: db, writer: writer}
}

func (s *AuditStore) RecordAudit(ctx context.Context, rec store.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.EventType == "" || rec.Result == "" {
		return fmt.Errorf("RecordAudit: event_type and result are required")
	}

	var subject, matched, score, meta any
	if rec.SubjectID != nil {
		subject = *rec.SubjectID
	}
	if rec.MatchedID != nil {
		matched = *rec.MatchedID
	}
	if rec.Score != nil {
		score = *rec.Score
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("RecordAudit metadata: %w", err)
		}
		meta = string(b)
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO audit_log(
  ts_ms, event_type, subject_identity_id, matched_identity_id,
  score, result, reason, metadata_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.Timestamp.UTC().UnixMilli(), rec.EventType, subject, matched,
			score, rec.Result, rec.Reason, meta,
		); err != nil {
			return fmt.Errorf("RecordAudit insert: %w", err)
		}
		return nil
	})
}

// ListAudit returns matching rows newest first.  The identity filter matches
// either the subject or the matched identity column.
func (s *AuditStore) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, f.Since.UTC().UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_ms <= ?")
		args = append(args, f.Until.UTC().UnixMilli())
	}
	if f.IdentityID != "" {
		where = append(where, "(subject_identity_id = ? OR matched_identity_id = ?)")
		args = append(args, f.IdentityID, f.IdentityID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultAuditLimit
	}

	q := `
SELECT audit_id, ts_ms, event_type, subject_identity_id, matched_identity_id,
       score, result, reason, metadata_json
FROM audit_log`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY ts_ms DESC, audit_id DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListAudit: %w", err)
	}
	defer rows.Close()

	var out []store.AuditRecord
	for rows.Next() {
		var (
			rec              store.AuditRecord
			tsMs             int64
			subject, matched sql.NullString
			score            sql.NullFloat64
			meta             sql.NullString
		)
		if err := rows.Scan(&rec.ID, &tsMs, &rec.EventType, &subject, &matched,
			&score, &rec.Result, &rec.Reason, &meta); err != nil {
			return nil, fmt.Errorf("ListAudit scan: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMs).UTC()
		if subject.Valid {
			rec.SubjectID = &subject.String
		}
		if matched.Valid {
			rec.MatchedID = &matched.String
		}
		if score.Valid {
			rec.Score = &score.Float64
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("ListAudit metadata %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *AuditStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE ts_ms >= ?;`, since.UTC().UnixMilli(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountSince: %w", err)
	}
	return n, nil
}
