// Package commands implements the govpnctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// socketPath is the daemon's Unix-domain control socket.
	socketPath string
)

// rootCmd is the top-level cobra command for govpnctl.
var rootCmd = &cobra.Command{
	Use:   "govpnctl",
	Short: "CLI client for the govpnd tunnel daemon",
	Long:  "govpnctl talks to the govpnd daemon over its Unix-domain control socket to inspect and manage tunnel sessions.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/govpnd/control.sock",
		"govpnd control socket path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
