// Package cli implements the gpugov command-line interface using Cobra.
// Each subcommand maps to one governor operation or report.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gpugov",
	Short: "gpugov keeps a rented GPU fleet inside its idle and budget policy",
	Long: `gpugov watches GPU machines across one or more cloud accounts.
It samples utilization over SSH, accrues estimated cost per ownership key and
per account, terminates machines that sat idle past the policy, and enforces
per-account budgets with Discord alerts.

Configuration lives in $GPUGOV_HOME (default ~/.gpugov): config.toml for
policy and schedules, accounts.yaml for credentials and budgets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
