// dppctl is the operator CLI for dppd, distinct from the daemon's own
// CLI flags (spec.md §6), which this module treats as a thin,
// Non-goal-excluded surface (spec.md §1). dppctl talks to a running
// daemon's admin JSON API (internal/adminapi) to list sessions, list
// relay client states, trigger a chirp transmission, and dump a
// bootstrap key store file.
package main

import "github.com/ekmixon/dpp/cmd/dppctl/commands"

func main() {
	commands.Execute()
}
