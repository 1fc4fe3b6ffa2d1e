package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// IdentityIDs are pre-created (active, no embeddings) so admin commands
	// such as UPDATE_PERIOD and DEACTIVATE can be tried before any enrollment.
	IdentityIDs []string

	// Window is the access window length from now.  Defaults to 30 days.
	Window time.Duration
}

// SeedDev inserts placeholder identities for dev runs.  Existing rows are
// left untouched.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC()
	window := opt.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	nowMs := now.UnixMilli()
	endMs := now.Add(window).UnixMilli()

	for _, id := range opt.IdentityIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO identities(
  identity_id, display_name, access_start_ms, access_end_ms,
  is_active, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, 1, ?, ?);
`, id, "Dev "+id, nowMs, endMs, nowMs, nowMs); err != nil {
			return fmt.Errorf("seed identity %s: %w", id, err)
		}
	}
	return nil
}
