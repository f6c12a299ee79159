package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func chirpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chirp",
		Short: "Trigger an immediate chirp transmission on an sss endpoint",
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := httpClient.Post(adminURL("/api/v1/chirp"), "", http.NoBody) //nolint:noctx // one-shot CLI
			if err != nil {
				return fmt.Errorf("dppctl: trigger chirp: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("dppctl: chirp trigger returned %s", resp.Status)
			}
			fmt.Println("chirp triggered")
			return nil
		},
	}
}
