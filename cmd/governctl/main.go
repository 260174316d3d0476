// Command governctl is the operator-facing client for a governanced node,
// grounded on cmd/cli's package-per-domain-command layout: one small cobra
// command group per concern (identity, node, proposal, federation, debug),
// wired together from a single root in main.go the way access_control.go and
// its siblings are wired from cmd/synnergy/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiAddr string
	keyfile string
)

func apiBase() string { return apiAddr }

func keyfilePath() string { return keyfile }

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governctl",
		Short: "operate and inspect a governance-runtime node",
	}
	cmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "base URL of the governanced REST API")
	cmd.PersistentFlags().StringVar(&keyfile, "keyfile", defaultKeyfilePath(), "path to this operator's local signing keyfile")

	cmd.AddCommand(identityCmd(), nodeCmd(), proposalCmd(), federationCmd(), debugCmd())
	return cmd
}

func defaultKeyfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "governctl.key.json"
	}
	return home + "/.governctl/operator.key.json"
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "governctl:", err)
		os.Exit(1)
	}
}
