package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	sqlitestore "github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/sqlite"
)

func TestAuditStore_RecordAudit_ColumnsCorrect(t *testing.T) {
	conn := openTestDB(t)
	as := sqlitestore.NewAuditStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	err := as.RecordAudit(ctx, store.AuditRecord{
		Timestamp: now,
		EventType: store.EventFaceRecognition,
		SubjectID: store.StrPtr("EMP1"),
		MatchedID: store.StrPtr("EMP1"),
		Score:     store.FloatPtr(0.82),
		Result:    store.ResultGranted,
		Reason:    "granted",
		Metadata:  map[string]any{"threshold": 0.6},
	})
	if err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	list, err := as.ListAudit(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	rec := list[0]
	if !rec.Timestamp.Equal(now) {
		t.Errorf("expected ts %v, got %v", now, rec.Timestamp)
	}
	if rec.SubjectID == nil || *rec.SubjectID != "EMP1" {
		t.Errorf("unexpected subject %v", rec.SubjectID)
	}
	if rec.Score == nil || *rec.Score != 0.82 {
		t.Errorf("unexpected score %v", rec.Score)
	}
	if rec.Metadata["threshold"] != 0.6 {
		t.Errorf("unexpected metadata %v", rec.Metadata)
	}
}

func TestAuditStore_RecordAudit_NullableColumns(t *testing.T) {
	conn := openTestDB(t)
	as := sqlitestore.NewAuditStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	if err := as.RecordAudit(ctx, store.AuditRecord{
		EventType: store.EventFaceRecognition,
		Result:    store.ResultDenied,
		Reason:    "no_match",
	}); err != nil {
		t.Fatalf("RecordAudit: %v", err)
	}

	list, _ := as.ListAudit(ctx, store.AuditFilter{})
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if list[0].SubjectID != nil || list[0].MatchedID != nil || list[0].Score != nil {
		t.Errorf("expected NULL optional columns, got %+v", list[0])
	}
	if list[0].Timestamp.IsZero() {
		t.Error("expected timestamp defaulted")
	}
}

func TestAuditStore_AppendOnly(t *testing.T) {
	conn := openTestDB(t)
	as := sqlitestore.NewAuditStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_ = as.RecordAudit(ctx, store.AuditRecord{EventType: store.EventSecurity, Result: store.ResultRejected})

	if _, err := conn.ExecContext(ctx, `UPDATE audit_log SET result = 'granted'`); err == nil {
		t.Fatal("expected UPDATE on audit_log to be rejected")
	}
}

func TestAuditStore_ListAudit_FiltersAndOrder(t *testing.T) {
	conn := openTestDB(t)
	as := sqlitestore.NewAuditStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"EMP1", "EMP2", "EMP1", "EMP3"} {
		_ = as.RecordAudit(ctx, store.AuditRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			EventType: store.EventFaceRecognition,
			MatchedID: store.StrPtr(id),
			Result:    store.ResultDenied,
		})
	}
	_ = as.RecordAudit(ctx, store.AuditRecord{
		Timestamp: base.Add(10 * time.Minute),
		EventType: store.EventDeactivate,
		SubjectID: store.StrPtr("EMP1"),
		Result:    store.ResultSuccess,
	})

	list, err := as.ListAudit(ctx, store.AuditFilter{IdentityID: "EMP1"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 EMP1 records, got %d", len(list))
	}
	if list[0].EventType != store.EventDeactivate {
		t.Errorf("expected newest first, got %q", list[0].EventType)
	}

	limited, _ := as.ListAudit(ctx, store.AuditFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("expected limit 2, got %d", len(limited))
	}

	since, _ := as.ListAudit(ctx, store.AuditFilter{Since: base.Add(2 * time.Minute)})
	if len(since) != 3 {
		t.Errorf("expected 3 records since +2m, got %d", len(since))
	}

	n, err := as.CountSince(ctx, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records since +3m, got %d", n)
	}
}
