package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meszmate/xmppconn/internal/config"
)

var (
	configDir string

	rootCmd = &cobra.Command{
		Use:   "xmppconn",
		Short: "XMPP client connection worker",
		Long: `xmppconn keeps the configured XMPP accounts connected: it authenticates,
binds, resumes stream management sessions across network changes and
reconnects with backoff.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing config.toml and accounts.toml")
	rootCmd.AddCommand(runCmd, stateCmd)
}

// paths returns the XDG paths with the config directory flag applied.
func paths() (*config.Paths, error) {
	p, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	if configDir != "" {
		p.ConfigDir = configDir
	} else if env := os.Getenv("XMPPCONN_CONFIG_DIR"); env != "" {
		p.ConfigDir = env
	}
	return p, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
