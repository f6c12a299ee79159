package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/ekmixon/dpp/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print dppctl version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("dppctl"))
			return nil
		},
	}
}
