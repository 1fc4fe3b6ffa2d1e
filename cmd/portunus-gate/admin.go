package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/gate/internal/adminclient"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/protocol"
)

var (
	adminURL       string
	adminSecret    string
	adminChunkSize int
	adminTimeout   time.Duration

	enrollName  string
	enrollStart string
	enrollEnd   string

	auditIdentity string
	auditLimit    int
	auditSince    string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Send signed admin commands to a running gate",
}

func init() {
	pf := adminCmd.PersistentFlags()
	pf.StringVar(&adminURL, "url", "ws://127.0.0.1:8080/v1/admin/ws", "gate admin websocket URL")
	pf.StringVar(&adminSecret, "secret", "", "shared secret (default from config)")
	pf.IntVar(&adminChunkSize, "chunk-size", adminclient.DefaultChunkSize, "photo bytes per PHOTO_CHUNK")
	pf.DurationVar(&adminTimeout, "timeout", 10*time.Second, "per-command timeout")

	adminEnrollCmd.Flags().StringVar(&enrollName, "name", "", "display name")
	adminEnrollCmd.Flags().StringVar(&enrollStart, "start", "", "access start (RFC3339 or YYYY-MM-DD)")
	adminEnrollCmd.Flags().StringVar(&enrollEnd, "end", "", "access end (RFC3339 or YYYY-MM-DD)")
	_ = adminEnrollCmd.MarkFlagRequired("start")
	_ = adminEnrollCmd.MarkFlagRequired("end")

	adminAuditCmd.Flags().StringVar(&auditIdentity, "identity", "", "only events for this identity")
	adminAuditCmd.Flags().IntVar(&auditLimit, "limit", 0, "max events")
	adminAuditCmd.Flags().StringVar(&auditSince, "since", "", "only events at or after this time")

	adminCmd.AddCommand(adminStatusCmd, adminListCmd, adminAuditCmd,
		adminDeactivateCmd, adminDeleteCmd, adminUpdatePeriodCmd, adminEnrollCmd)
}

// withClient dials the gate, runs fn and prints its response as JSON.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *adminclient.Client) (protocol.Response, error)) error {
	secret := adminSecret
	if secret == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secret = cfg.SharedSecret
	}

	ctx := cmd.Context()
	dialCtx, cancel := context.WithTimeout(ctx, adminTimeout)
	defer cancel()

	c, err := adminclient.Dial(dialCtx, adminURL, secret, adminclient.Options{
		ChunkSize: adminChunkSize,
		Timeout:   adminTimeout,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := fn(ctx, c)
	if resp.Type != "" {
		if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

var adminStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gate status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.Status(ctx)
		})
	},
}

var adminListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.ListIdentities(ctx)
		})
	},
}

var adminAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Fetch audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.AuditLogs(ctx, auditIdentity, auditLimit, auditSince)
		})
	},
}

var adminDeactivateCmd = &cobra.Command{
	Use:   "deactivate <identity-id>",
	Short: "Deactivate an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.Deactivate(ctx, args[0])
		})
	},
}

var adminDeleteCmd = &cobra.Command{
	Use:   "delete <identity-id>",
	Short: "Delete an identity and its embeddings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.Delete(ctx, args[0])
		})
	},
}

var adminUpdatePeriodCmd = &cobra.Command{
	Use:   "update-period <identity-id> <start> <end>",
	Short: "Change an identity's access window",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.UpdatePeriod(ctx, args[0], args[1], args[2])
		})
	},
}

var adminEnrollCmd = &cobra.Command{
	Use:   "enroll <identity-id> <photo>...",
	Short: "Enroll or replace an identity from photo files",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		photos := make([][]byte, 0, len(args)-1)
		for _, path := range args[1:] {
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read photo: %w", err)
			}
			photos = append(photos, b)
		}
		return withClient(cmd, func(ctx context.Context, c *adminclient.Client) (protocol.Response, error) {
			return c.Enroll(ctx, adminclient.Enrollment{
				IdentityID:  args[0],
				DisplayName: enrollName,
				AccessStart: enrollStart,
				AccessEnd:   enrollEnd,
				Photos:      photos,
			})
		})
	},
}
