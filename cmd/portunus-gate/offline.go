package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
)

// exportLimit caps how many audit rows one export writes.
const exportLimit = 1000

var (
	exportOut   string
	exportSince string
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List enrolled identities from the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStores(cmd.Context(), cfg, discardLogger())
		if err != nil {
			return err
		}
		defer st.close()
		return listIdentities(cmd.Context(), cmd.OutOrStdout(), st.identities)
	},
}

var exportAuditCmd = &cobra.Command{
	Use:   "export-audit",
	Short: "Export the audit log as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var since time.Time
		if exportSince != "" {
			if since, err = time.Parse(time.RFC3339, exportSince); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
		}
		st, err := openStores(cmd.Context(), cfg, discardLogger())
		if err != nil {
			return err
		}
		defer st.close()

		n, err := exportAudit(cmd.Context(), st.audit, since, exportOut)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d log entries to %s\n", n, exportOut)
		return nil
	},
}

func init() {
	exportAuditCmd.Flags().StringVar(&exportOut, "out", "audit.json", "output file")
	exportAuditCmd.Flags().StringVar(&exportSince, "since", "", "only events at or after this RFC3339 time")
}

func listIdentities(ctx context.Context, w io.Writer, ids store.IdentityStore) error {
	recs, err := ids.ListIdentities(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No identities enrolled.")
		return nil
	}
	for _, r := range recs {
		state := "active"
		if !r.Active {
			state = "inactive"
		}
		fmt.Fprintf(w, "%-20s %-24s %-8s %s .. %s  embeddings=%d\n",
			r.ID, r.DisplayName, state,
			r.AccessStart.Format(time.DateOnly), r.AccessEnd.Format(time.DateOnly), r.EmbeddingCount)
	}
	return nil
}

// exportAudit writes the newest exportLimit events to path as indented JSON.
func exportAudit(ctx context.Context, audit store.AuditStore, since time.Time, path string) (int, error) {
	logs, err := audit.ListAudit(ctx, store.AuditFilter{Since: since, Limit: exportLimit})
	if err != nil {
		return 0, fmt.Errorf("list audit: %w", err)
	}
	if logs == nil {
		logs = []store.AuditRecord{}
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	if err := printJSON(f, logs); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(logs), f.Close()
}
