package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ekmixon/dpp/internal/bootstrap"
)

// bootstrapCmd reads a bootstrap file directly rather than through the
// admin API: the file path is local to wherever dppctl runs, and dumping
// it does not require a live daemon (spec.md §4.2, §6 "Bootstrap file").
func bootstrapCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Dump the bootstrap key store",
		RunE: func(_ *cobra.Command, _ []string) error {
			if path == "" {
				return fmt.Errorf("dppctl: --file is required")
			}
			entries, err := bootstrap.New(path).All()
			if err != nil {
				return fmt.Errorf("dppctl: read bootstrap file %s: %w", path, err)
			}
			if outputFormat == "json" {
				return printJSON(entries)
			}

			fmt.Printf("%-6s %-4s %-4s %-18s %s\n", "IDX", "OPC", "CH", "PEER_MAC", "SPKI (b64, truncated)")
			for _, e := range entries {
				fmt.Printf("%-6d %-4d %-4d %-18s %s\n", e.Index, e.OpClass, e.Channel, e.PeerMAC.String(), truncate(e.SPKIB64, 32))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "file", "", "path to the bootstrap key store file (required)")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
