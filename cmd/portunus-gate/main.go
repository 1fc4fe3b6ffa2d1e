package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/gate/internal/config"
)

var (
	configPath string
	envFile    string

	rootCmd = &cobra.Command{
		Use:   "portunus-gate",
		Short: "Offline face-recognition access gate",
		Long: `portunus-gate matches faces against locally enrolled identities and
drives the door relay.  Identities are managed over a signed admin channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default .env)")

	rootCmd.AddCommand(serveCmd, identitiesCmd, exportAuditCmd, adminCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if envFile != "" {
		return config.Load(configPath, envFile)
	}
	return config.Load(configPath)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "portunus-gate ", log.LstdFlags|log.LUTC)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
