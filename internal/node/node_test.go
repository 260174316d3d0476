package node

import (
	"testing"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/engine"
	"governance-runtime/internal/events"
	"governance-runtime/internal/governance"
	"governance-runtime/internal/identity"
	"governance-runtime/internal/ledger"
	"governance-runtime/internal/observability"
)

func newTestNode(t *testing.T) (*Node, identity.DID, identity.Secret, map[identity.DID]identity.Secret) {
	t.Helper()
	reg := identity.NewRegistry()

	signerDID, signerSecret, err := identity.Generate(identity.AlgEd25519)
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	if err := reg.Register(signerDID, identity.PublicKeyOf(signerSecret), identity.ScopeIndividual, time.Unix(0, 0)); err != nil {
		t.Fatalf("register signer: %v", err)
	}

	secrets := map[identity.DID]identity.Secret{signerDID: signerSecret}
	for _, name := range []string{"b", "c"} {
		did, secret, err := identity.Generate(identity.AlgEd25519)
		if err != nil {
			t.Fatalf("generate %s: %v", name, err)
		}
		if err := reg.Register(did, identity.PublicKeyOf(secret), identity.ScopeIndividual, time.Unix(0, 0)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		secrets[did] = secret
	}

	store, err := dag.NewStore(dag.Config{OrphanBufferCap: 16, HashAlg: codec.AlgSHA256}, reg)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}

	n := New(Config{
		DAG: store, Ledger: ledger.New(), Identity: reg, Engine: engine.New(),
		Events: events.NewBus(64), Metrics: observability.NewMetrics(),
		KV: NewScopedKV(), HashAlg: codec.AlgSHA256, SignerDID: signerDID, Signer: signerSecret,
	})
	return n, signerDID, signerSecret, secrets
}

func TestProposalLifecycleThroughDAG(t *testing.T) {
	n, signerDID, signerSecret, secrets := newTestNode(t)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	prop := governance.Proposal{
		ID: "p1", Creator: signerDID,
		Quorum: governance.QuorumRule{Kind: governance.QuorumSimpleMajority, ThresholdPct: 51},
		WindowStart: start, WindowEnd: end,
	}
	if _, err := n.SubmitProposal(prop, signerDID, signerSecret, start); err != nil {
		t.Fatalf("submit proposal: %v", err)
	}

	var voterB, voterC identity.DID
	for did := range secrets {
		if did == signerDID {
			continue
		}
		if voterB == "" {
			voterB = did
		} else {
			voterC = did
		}
	}

	if _, err := n.Vote("p1", voterB, true, 1, secrets[voterB], start.Add(time.Minute)); err != nil {
		t.Fatalf("vote b: %v", err)
	}
	if _, err := n.Vote("p1", voterC, true, 1, secrets[voterC], start.Add(2*time.Minute)); err != nil {
		t.Fatalf("vote c: %v", err)
	}

	res, err := n.GetProposal("p1")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if res.State != governance.Voting {
		t.Fatalf("expected Voting before finalize, got %s", res.State)
	}
	if res.Tally.For != 2 {
		t.Fatalf("expected tally.For=2, got %d", res.Tally.For)
	}

	if _, err := n.Finalize("p1", signerDID, signerSecret, end.Add(time.Second)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	res, err = n.GetProposal("p1")
	if err != nil {
		t.Fatalf("get proposal after finalize: %v", err)
	}
	if res.State != governance.Approved {
		t.Fatalf("expected Approved after finalize, got %s", res.State)
	}
}

func TestTipsReflectsLatestNode(t *testing.T) {
	n, signerDID, signerSecret, _ := newTestNode(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prop := governance.Proposal{ID: "p2", Creator: signerDID, Quorum: governance.QuorumRule{Kind: governance.QuorumSimpleMajority, ThresholdPct: 51}, WindowStart: start, WindowEnd: start.Add(time.Hour)}
	cid, err := n.SubmitProposal(prop, signerDID, signerSecret, start)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tips := n.Tips()
	if len(tips) != 1 || tips[0].String() != cid.String() {
		t.Fatalf("expected tip set to be exactly the submitted node, got %v", tips)
	}
}
