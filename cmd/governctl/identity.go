package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"governance-runtime/internal/identity"
	"governance-runtime/internal/node"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "manage this operator's local signing identity"}
	cmd.AddCommand(identityCreateCmd(), identityShowCmd())
	return cmd
}

func identityCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "generate a new local keyfile (overwriting none; fails if one already exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := keyfilePath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("keyfile %s already exists", path)
			}
			did, _, err := node.LoadOrCreateOperatorKey(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created identity %s (keyfile: %s)\n", did, path)
			return nil
		},
	}
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print this operator's DID and public key (for seeding a federation's genesis file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			did, secret, err := node.LoadOrCreateOperatorKey(keyfilePath())
			if err != nil {
				return err
			}
			pub := identity.PublicKeyOf(secret)
			fmt.Fprintf(cmd.OutOrStdout(), "did: %s\nalgorithm: %s\npublic_key_hex: %s\n",
				did, pub.Algorithm, hex.EncodeToString(pub.Ed25519))
			return nil
		},
	}
}
