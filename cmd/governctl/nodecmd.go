package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "inspect the raw DAG"}
	cmd.AddCommand(nodeTipsCmd(), nodeGetCmd())
	return cmd
}

func nodeTipsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tips",
		Short: "list the DAG's global tip set",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string][]string
			if err := newClient(apiBase()).do("GET", "/tips", nil, &out); err != nil {
				return err
			}
			for _, cid := range out["tips"] {
				fmt.Fprintln(cmd.OutOrStdout(), cid)
			}
			return nil
		},
	}
}

func nodeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <cid>",
		Short: "fetch a single DAG node by CID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := newClient(apiBase()).do("GET", "/nodes/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
