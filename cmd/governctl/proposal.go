package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/governance"
	"governance-runtime/internal/identity"
	"governance-runtime/internal/node"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "submit and inspect governance proposals"}
	cmd.AddCommand(proposalSubmitCmd(), proposalVoteCmd(), proposalFinalizeCmd(), proposalExecuteCmd(), proposalShowCmd())
	return cmd
}

// anchorSigned builds, signs, and submits a single DAG node via POST /nodes,
// mirroring internal/node's anchor helper on the client side since governanced
// never holds a caller's private key.
func anchorSigned(c *client, kind dag.PayloadKind, proposalID string, body interface{}, parents []codec.CID, did identity.DID, secret identity.Secret) (codec.CID, error) {
	n, err := dag.New(kind, "", mustJSON(body), parents, did, time.Now().UTC())
	if err != nil {
		return codec.CID{}, err
	}
	if proposalID != "" {
		n.Metadata["proposal_id"] = proposalID
	}
	sig, err := identity.Sign(secret, dag.SigningBytes(n))
	if err != nil {
		return codec.CID{}, err
	}
	n.Signature = sig

	req := putNodeRequest{
		Kind: uint8(n.Payload.Kind), CustomTag: n.Payload.CustomTag, Data: n.Payload.Data,
		Issuer: n.Issuer, Timestamp: n.Timestamp, Signature: n.Signature, Metadata: n.Metadata,
	}
	for _, p := range n.Parents {
		req.Parents = append(req.Parents, p.String())
	}

	var out map[string]string
	if err := c.do("POST", "/nodes", req, &out); err != nil {
		return codec.CID{}, err
	}
	return codec.ParseCID(out["cid"])
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func threadTips(c *client, proposalID string) ([]codec.CID, error) {
	var out map[string][]string
	if err := c.do("GET", "/proposals/"+proposalID+"/tips", nil, &out); err != nil {
		return nil, err
	}
	tips := make([]codec.CID, 0, len(out["tips"]))
	for _, s := range out["tips"] {
		cid, err := codec.ParseCID(s)
		if err != nil {
			return nil, err
		}
		tips = append(tips, cid)
	}
	return tips, nil
}

func proposalSubmitCmd() *cobra.Command {
	var id, description string
	var windowSecs int64
	var thresholdPct uint32

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "anchor a new proposal as the root of its own thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			did, secret, err := node.LoadOrCreateOperatorKey(keyfilePath())
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			body := node.ProposalBody{
				ID: id, Description: description,
				Quorum:      governance.QuorumRule{Kind: governance.QuorumSimpleMajority, ThresholdPct: thresholdPct},
				WindowStart: now,
				WindowEnd:   now.Add(time.Duration(windowSecs) * time.Second),
			}
			c := newClient(apiBase())
			cid, err := anchorSigned(c, dag.KindProposal, id, body, nil, did, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cid.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "proposal id")
	cmd.Flags().StringVar(&description, "description", "", "proposal description")
	cmd.Flags().Int64Var(&windowSecs, "window-seconds", 3600, "voting window length in seconds")
	cmd.Flags().Uint32Var(&thresholdPct, "threshold-pct", 50, "simple-majority threshold percentage")
	cmd.MarkFlagRequired("id") //nolint:errcheck
	return cmd
}

func proposalVoteCmd() *cobra.Command {
	var id string
	var approve bool
	var weight uint64

	cmd := &cobra.Command{
		Use:   "vote",
		Short: "cast a vote against the current thread tips",
		RunE: func(cmd *cobra.Command, args []string) error {
			did, secret, err := node.LoadOrCreateOperatorKey(keyfilePath())
			if err != nil {
				return err
			}
			c := newClient(apiBase())
			parents, err := threadTips(c, id)
			if err != nil {
				return err
			}
			body := node.VoteBody{ProposalID: id, Approve: approve, Weight: weight}
			cid, err := anchorSigned(c, dag.KindVote, id, body, parents, did, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cid.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "proposal id")
	cmd.Flags().BoolVar(&approve, "approve", true, "cast an approving vote (false for a reject)")
	cmd.Flags().Uint64Var(&weight, "weight", 1, "vote weight")
	cmd.MarkFlagRequired("id") //nolint:errcheck
	return cmd
}

func proposalFinalizeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "close voting on a proposal once its window has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			did, secret, err := node.LoadOrCreateOperatorKey(keyfilePath())
			if err != nil {
				return err
			}
			c := newClient(apiBase())
			parents, err := threadTips(c, id)
			if err != nil {
				return err
			}
			cid, err := anchorSigned(c, dag.KindFinalize, id, node.FinalizeBody{ProposalID: id}, parents, did, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cid.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "proposal id")
	cmd.MarkFlagRequired("id") //nolint:errcheck
	return cmd
}

func proposalExecuteCmd() *cobra.Command {
	var id, moduleCIDStr, modulePath, entrypoint string

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "anchor an execute request for an approved proposal (the receiving node stores the request; no module is run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			did, secret, err := node.LoadOrCreateOperatorKey(keyfilePath())
			if err != nil {
				return err
			}
			if modulePath != "" {
				if _, err := os.Stat(modulePath); err != nil {
					return err
				}
			}
			moduleCID, err := codec.ParseCID(moduleCIDStr)
			if err != nil {
				return err
			}
			c := newClient(apiBase())
			parents, err := threadTips(c, id)
			if err != nil {
				return err
			}
			body := node.ExecuteBody{ProposalID: id, ModuleCID: moduleCID.String(), Entrypoint: entrypoint}
			cid, err := anchorSigned(c, dag.KindExecute, id, body, parents, did, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cid.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "proposal id")
	cmd.Flags().StringVar(&moduleCIDStr, "module-cid", "", "CID of the wasm module blob, already stored on the node")
	cmd.Flags().StringVar(&modulePath, "module-file", "", "optional local path used only to sanity-check the module exists before anchoring")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "exported wasm function to invoke")
	cmd.MarkFlagRequired("id")         //nolint:errcheck
	cmd.MarkFlagRequired("module-cid") //nolint:errcheck
	cmd.MarkFlagRequired("entrypoint") //nolint:errcheck
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "fold a proposal's thread into its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := newClient(apiBase()).do("GET", "/proposals/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
