package main

import (
	"github.com/spf13/cobra"
)

func debugCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "debug", Short: "low-level diagnostics for operators"}
	cmd.AddCommand(debugReplayCmd())
	return cmd
}

func debugReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <cid>",
		Short: "print the single DAG node stored at <cid> (its thread is not walked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := newClient(apiBase()).do("GET", "/debug/proposal/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
