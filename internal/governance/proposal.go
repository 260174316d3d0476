// Package governance implements the proposal lifecycle state machine:
// Submitted -> Deliberating -> Voting -> (Approved|Rejected) -> Executed ->
// Finalized. Grounded on the teacher's core/dao_proposal.go
// (CreateDAOProposal/VoteDAOProposal/TallyDAOProposal/ExecuteDAOProposal),
// generalized from quadratic-vote DAO proposals to the full spec.md state
// machine with pluggable quorum rules.
package governance

import (
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// State is a proposal's computed state.
type State int

const (
	Submitted State = iota
	Deliberating
	Voting
	Approved
	Rejected
	Executed
	Finalized
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "Submitted"
	case Deliberating:
		return "Deliberating"
	case Voting:
		return "Voting"
	case Approved:
		return "Approved"
	case Rejected:
		return "Rejected"
	case Executed:
		return "Executed"
	case Finalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// terminal reports whether s is an absorbing state (Rejected, Finalized).
func (s State) terminal() bool { return s == Rejected || s == Finalized }

// Proposal is the admissible payload that opens a proposal's lifecycle.
type Proposal struct {
	ID          string
	Creator     identity.DID
	Description string
	Quorum      QuorumRule
	WindowStart time.Time
	WindowEnd   time.Time
}

// Vote is admissible while the proposal's state is Voting; votes cast
// outside the window are recorded (for audit) but not counted.
type Vote struct {
	Voter   identity.DID
	Approve bool
	Weight  uint64
	At      time.Time
}

// Finalize is admissible only after the voting window has closed; it
// freezes the tally and resolves Approved/Rejected.
type Finalize struct {
	At time.Time
}

// Execute is admissible only in the Approved state; repeated Execute for
// the same proposal is rejected (idempotency key = proposal ID).
type Execute struct {
	At         time.Time
	TriggerCID codec.CID
}

// ReceiptOutcome mirrors the engine's outcome without importing the engine
// package, keeping governance's dependency on execution one-directional.
type ReceiptOutcome struct {
	OK         bool
	ReceiptCID codec.CID
}

// Event is one DAG node's contribution to a proposal's reduction, in
// causal (topological) order.
type Event struct {
	ProposalSubmitted *Proposal
	VoteCast          *Vote
	FinalizeRequested *Finalize
	ExecuteRequested  *Execute
	ReceiptRecorded   *ReceiptOutcome
}

// Result is the output of reducing a proposal's events: its computed
// state, accumulated tally, and whether Execute has already been applied
// (for idempotency).
type Result struct {
	Proposal *Proposal
	State    State
	Tally    Tally
	Executed bool
}

// Reduce computes a proposal's state by folding events in causal order, per
// spec.md §4.F's acceptance rules. It never panics; inadmissible events for
// the current state are simply ignored, matching "transitions are
// triggered only by payload kinds admissible for that state."
func Reduce(events []Event) (Result, error) {
	var res Result
	res.State = Submitted

	for _, ev := range events {
		switch {
		case ev.ProposalSubmitted != nil:
			if res.Proposal != nil {
				continue // a proposal may only be opened once
			}
			res.Proposal = ev.ProposalSubmitted
			res.State = Deliberating

		case ev.VoteCast != nil:
			if res.Proposal == nil || res.State.terminal() {
				continue
			}
			if res.State == Deliberating {
				res.State = Voting
			}
			if res.State != Voting {
				continue
			}
			v := ev.VoteCast
			if v.At.Before(res.Proposal.WindowStart) || !v.At.Before(res.Proposal.WindowEnd) {
				continue // recorded by the DAG store itself; not counted here
			}
			weight := v.Weight
			if weight == 0 {
				weight = 1
			}
			if v.Approve {
				res.Tally.For += weight
			} else {
				res.Tally.Against += weight
			}

		case ev.FinalizeRequested != nil:
			if res.Proposal == nil || res.State.terminal() {
				continue
			}
			if res.State != Voting && res.State != Deliberating {
				continue
			}
			if ev.FinalizeRequested.At.Before(res.Proposal.WindowEnd) {
				continue // voting window has not closed yet
			}
			if res.Proposal.Quorum.Approved(res.Tally) {
				res.State = Approved
			} else {
				res.State = Rejected
			}

		case ev.ExecuteRequested != nil:
			if res.State != Approved {
				continue // Execute is only admissible in Approved
			}
			if res.Executed {
				continue // idempotent: repeated Execute is rejected by the caller
			}
			res.State = Executed
			res.Executed = true

		case ev.ReceiptRecorded != nil:
			if res.State != Executed {
				continue
			}
			if ev.ReceiptRecorded.OK {
				res.State = Finalized
			}
			// A failed receipt leaves the proposal in Executed. Neither
			// this reducer nor ValidateExecuteAdmissible admits a further
			// Execute from that state, since both require Approved.
		}
	}
	return res, nil
}

// ValidateExecuteAdmissible is the precondition check callers (e.g. the
// REST/CLI surface) run before anchoring an Execute node, surfacing
// PolicyViolation for a double-execute attempt (S3 in spec.md §8).
func ValidateExecuteAdmissible(res Result) error {
	if res.State != Approved {
		return errs.New(errs.PolicyViolation, "execute only admissible for an approved proposal")
	}
	if res.Executed {
		return errs.New(errs.PolicyViolation, "proposal already executed")
	}
	return nil
}
