package node

import (
	"encoding/json"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/governance"
)

// The *Body types are the JSON-encoded contents of a dag.Node's Payload.Data
// for each recognized PayloadKind, matching the teacher's habit
// (core/storage.go's StorageListing/StorageDeal) of JSON-marshaling
// structured records into the value half of a content-addressed key-value
// write rather than inventing a bespoke binary schema per record type.

type ProposalBody struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Quorum      governance.QuorumRule `json:"quorum"`
	WindowStart time.Time           `json:"window_start"`
	WindowEnd   time.Time           `json:"window_end"`
}

type VoteBody struct {
	ProposalID string `json:"proposal_id"`
	Approve    bool   `json:"approve"`
	Weight     uint64 `json:"weight"`
}

type FinalizeBody struct {
	ProposalID string `json:"proposal_id"`
}

type ExecuteBody struct {
	ProposalID string    `json:"proposal_id"`
	ModuleCID  string    `json:"module_cid"`
	Entrypoint string    `json:"entrypoint"`
	Args       []byte    `json:"args"`
}

type ReceiptBody struct {
	ProposalID string `json:"proposal_id"`
	OK         bool   `json:"ok"`
	ReceiptCID string `json:"receipt_cid"`
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // every *Body value here is a plain struct; Marshal cannot fail
	}
	return b
}

// toGovernanceEvent decodes a dag.Node's payload into a governance.Event,
// the generalization point between this runtime's content-addressed wire
// format and the proposal state machine's pure reducer input.
func toGovernanceEvent(n dag.Node) (governance.Event, error) {
	switch n.Payload.Kind {
	case dag.KindProposal:
		var body ProposalBody
		if err := json.Unmarshal(n.Payload.Data, &body); err != nil {
			return governance.Event{}, errs.Wrap(errs.MalformedEncoding, "decode proposal body", err)
		}
		return governance.Event{ProposalSubmitted: &governance.Proposal{
			ID: body.ID, Creator: n.Issuer, Description: body.Description,
			Quorum: body.Quorum, WindowStart: body.WindowStart, WindowEnd: body.WindowEnd,
		}}, nil

	case dag.KindVote:
		var body VoteBody
		if err := json.Unmarshal(n.Payload.Data, &body); err != nil {
			return governance.Event{}, errs.Wrap(errs.MalformedEncoding, "decode vote body", err)
		}
		return governance.Event{VoteCast: &governance.Vote{
			Voter: n.Issuer, Approve: body.Approve, Weight: body.Weight, At: n.Timestamp,
		}}, nil

	case dag.KindFinalize:
		return governance.Event{FinalizeRequested: &governance.Finalize{At: n.Timestamp}}, nil

	case dag.KindExecute:
		var body ExecuteBody
		if err := json.Unmarshal(n.Payload.Data, &body); err != nil {
			return governance.Event{}, errs.Wrap(errs.MalformedEncoding, "decode execute body", err)
		}
		moduleCID, err := codec.ParseCID(body.ModuleCID)
		if err != nil {
			return governance.Event{}, err
		}
		return governance.Event{ExecuteRequested: &governance.Execute{At: n.Timestamp, TriggerCID: moduleCID}}, nil

	case dag.KindReceipt:
		var body ReceiptBody
		if err := json.Unmarshal(n.Payload.Data, &body); err != nil {
			return governance.Event{}, errs.Wrap(errs.MalformedEncoding, "decode receipt body", err)
		}
		receiptCID, _ := codec.ParseCID(body.ReceiptCID)
		return governance.Event{ReceiptRecorded: &governance.ReceiptOutcome{OK: body.OK, ReceiptCID: receiptCID}}, nil

	default:
		return governance.Event{}, nil
	}
}

// proposalIDOf extracts the proposal-id tag every node in a proposal's
// thread carries in its Metadata, set by this package when constructing
// the node (never part of the signed/CID'd fields, per dag.Node's own
// metadata-is-excluded-from-CID rule).
func proposalIDOf(n dag.Node) (string, bool) {
	id, ok := n.Metadata["proposal_id"]
	return id, ok
}
