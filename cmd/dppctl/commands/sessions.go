package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// sessionView mirrors internal/adminapi's JSON projection of a live DPP
// or PKEX session; dppctl decodes the same shape it serves.
type sessionView struct {
	Handle  uint32 `json:"handle"`
	MyMAC   string `json:"my_mac"`
	PeerMAC string `json:"peer_mac"`
	Kind    string `json:"kind"`
}

// clientStateView mirrors internal/adminapi's Relay/Controller client
// state projection.
type clientStateView struct {
	MyMAC   string `json:"my_mac"`
	PeerMAC string `json:"peer_mac"`
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live DPP and PKEX sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			var views []sessionView
			if err := getJSON(adminURL("/api/v1/sessions"), &views); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(views)
			}
			fmt.Printf("%-10s %-10s %-18s %-18s\n", "KIND", "HANDLE", "MY_MAC", "PEER_MAC")
			for _, v := range views {
				fmt.Printf("%-10s %-10d %-18s %-18s\n", v.Kind, v.Handle, v.MyMAC, v.PeerMAC)
			}
			return nil
		},
	}
}

func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List Relay/Controller client states",
		RunE: func(_ *cobra.Command, _ []string) error {
			var views []clientStateView
			if err := getJSON(adminURL("/api/v1/clients"), &views); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(views)
			}
			fmt.Printf("%-18s %-18s\n", "MY_MAC", "PEER_MAC")
			for _, v := range views {
				fmt.Printf("%-18s %-18s\n", v.MyMAC, v.PeerMAC)
			}
			return nil
		},
	}
}

func getJSON(url string, out any) error {
	resp, err := httpClient.Get(url) //nolint:noctx // dppctl is a short-lived one-shot CLI invocation
	if err != nil {
		return fmt.Errorf("dppctl: request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dppctl: %s returned %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dppctl: decode response from %s: %w", url, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("dppctl: encode output: %w", err)
	}
	return nil
}
