package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func federationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "federation", Short: "inspect trust bundles and peer status"}
	cmd.AddCommand(federationStatusCmd(), federationBundleCmd())
	return cmd
}

func federationStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the node's federation status (currently only its DAG tip count; no peer or replication data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := newClient(apiBase()).do("GET", "/federation/status", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func federationBundleCmd() *cobra.Command {
	var epoch uint64
	var latest bool

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "fetch a trust bundle (latest by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			path := "/federation/bundles/latest"
			if !latest {
				path = "/federation/bundles/" + strconv.FormatUint(epoch, 10)
			}
			if err := newClient(apiBase()).do("GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "epoch number (ignored when --latest)")
	cmd.Flags().BoolVar(&latest, "latest", true, "fetch the most recent bundle instead of a specific epoch")
	return cmd
}
