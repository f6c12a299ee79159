// Package commands implements the dppctl operator CLI: a thin client
// over the admin JSON API (internal/adminapi) plus direct bootstrap-file
// inspection, distinct from the in-scope daemon's own flags (spec.md §1
// Non-goals — dppd's CLI option parsing is out of scope; dppctl is
// SPEC_FULL.md's operator tooling, not a reimplementation of that
// surface).
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient talks to a running dppd's admin API.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// serverAddr is the admin API's host:port.
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for dppctl.
var rootCmd = &cobra.Command{
	Use:   "dppctl",
	Short: "Operator CLI for the dppd DPP/PKEX endpoint daemon",
	Long:  "dppctl introspects a running dppd over its admin JSON API (live DPP/PKEX sessions, relay client states) and reads the bootstrap key store directly from its file.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"dppd admin API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(clientsCmd())
	rootCmd.AddCommand(bootstrapCmd())
	rootCmd.AddCommand(chirpCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func adminURL(path string) string {
	return "http://" + serverAddr + path
}
