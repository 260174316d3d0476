package federation

import (
	"context"
	"testing"
	"time"

	"governance-runtime/internal/capability"
	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/governance"
	"governance-runtime/internal/identity"
)

func zeroTime() time.Time { return time.Unix(0, 0).UTC() }

func simpleMajorityRule() governance.QuorumRule {
	return governance.QuorumRule{Kind: governance.QuorumSimpleMajority, ThresholdPct: 51}
}

func TestTrustBundleQuorumAcceptance(t *testing.T) {
	reg := identity.NewRegistry()
	var guardians []identity.DID
	secrets := map[identity.DID]identity.Secret{}
	for i := 0; i < 3; i++ {
		did, secret, err := identity.Generate(identity.AlgEd25519)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := reg.Register(did, identity.PublicKeyOf(secret), identity.ScopeFederation, zeroTime()); err != nil {
			t.Fatalf("register: %v", err)
		}
		guardians = append(guardians, did)
		secrets[did] = secret
	}
	gset := GuardianSet{Guardians: map[identity.DID]struct{}{guardians[0]: {}, guardians[1]: {}, guardians[2]: {}}}

	bundle := TrustBundle{Epoch: 1, FederationID: "fed-a", DAGRoot: codec.Sum(codec.AlgSHA256, []byte("root-1"))}
	if err := bundle.Sign(guardians[0], secrets[guardians[0]]); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := bundle.Sign(guardians[1], secrets[guardians[1]]); err != nil {
		t.Fatalf("sign: %v", err)
	}

	rule := simpleMajorityRule()
	if !bundle.Accepted(reg, gset, rule) {
		t.Fatal("expected 2-of-3 guardian signatures to meet simple majority quorum")
	}

	onlyOne := TrustBundle{Epoch: 1, FederationID: "fed-a", DAGRoot: bundle.DAGRoot}
	if err := onlyOne.Sign(guardians[0], secrets[guardians[0]]); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if onlyOne.Accepted(reg, gset, rule) {
		t.Fatal("expected a single signature to fall short of quorum")
	}
}

func TestTrustBundleCIDStableUnderSignatureOrder(t *testing.T) {
	reg := identity.NewRegistry()
	didA, secretA := mustGuardianFixed(t, reg, "a")
	didB, secretB := mustGuardianFixed(t, reg, "b")

	root := codec.Sum(codec.AlgSHA256, []byte("root"))
	b1 := TrustBundle{Epoch: 5, FederationID: "fed-x", DAGRoot: root}
	if err := b1.Sign(didA, secretA); err != nil {
		t.Fatalf("sign a: %v", err)
	}
	if err := b1.Sign(didB, secretB); err != nil {
		t.Fatalf("sign b: %v", err)
	}

	b2 := TrustBundle{Epoch: 5, FederationID: "fed-x", DAGRoot: root}
	if err := b2.Sign(didB, secretB); err != nil {
		t.Fatalf("sign b: %v", err)
	}
	if err := b2.Sign(didA, secretA); err != nil {
		t.Fatalf("sign a: %v", err)
	}

	if b1.CID().String() != b2.CID().String() {
		t.Fatal("bundle CID must not depend on the order signatures were collected")
	}
}

func mustGuardianFixed(t *testing.T, reg *identity.Registry, seed string) (identity.DID, identity.Secret) {
	t.Helper()
	did, secret, err := identity.Generate(identity.AlgEd25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := reg.Register(did, identity.PublicKeyOf(secret), identity.ScopeFederation, zeroTime()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return did, secret
}

func TestLedgerDetectsForkAtSameEpoch(t *testing.T) {
	reg := identity.NewRegistry()
	did, secret := mustGuardianFixed(t, reg, "only")
	gset := GuardianSet{Guardians: map[identity.DID]struct{}{did: {}}}
	rule := governance.QuorumRule{Kind: governance.QuorumThreshold, K: 1, N: 1}

	ledger := NewLedger()

	b1 := TrustBundle{Epoch: 1, FederationID: "fed", DAGRoot: codec.Sum(codec.AlgSHA256, []byte("root-a"))}
	if err := b1.Sign(did, secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := ledger.Accept(b1, reg, gset, rule); err != nil {
		t.Fatalf("accept b1: %v", err)
	}

	b2 := TrustBundle{Epoch: 1, FederationID: "fed", DAGRoot: codec.Sum(codec.AlgSHA256, []byte("root-b"))}
	if err := b2.Sign(did, secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	err := ledger.Accept(b2, reg, gset, rule)
	if err == nil {
		t.Fatal("expected a fork error for a conflicting bundle at the same epoch")
	}
	if _, ok := err.(*ForkError); !ok {
		t.Fatalf("expected *ForkError, got %T: %v", err, err)
	}
}

func TestLedgerRequiresPreviousBundleAccepted(t *testing.T) {
	reg := identity.NewRegistry()
	did, secret := mustGuardianFixed(t, reg, "solo")
	gset := GuardianSet{Guardians: map[identity.DID]struct{}{did: {}}}
	rule := governance.QuorumRule{Kind: governance.QuorumThreshold, K: 1, N: 1}
	ledger := NewLedger()

	orphanPrev := codec.Sum(codec.AlgSHA256, []byte("never-accepted"))
	bundle := TrustBundle{Epoch: 2, FederationID: "fed", PreviousBundleCID: orphanPrev, DAGRoot: codec.Sum(codec.AlgSHA256, []byte("root"))}
	if err := bundle.Sign(did, secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	err := ledger.Accept(bundle, reg, gset, rule)
	if errs.KindOf(err) != errs.MissingParent {
		t.Fatalf("expected MissingParent, got %v", err)
	}
}

type fakeTransport struct {
	announced []codec.CID
	providers map[string][]capability.PeerRecord
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{providers: map[string][]capability.PeerRecord{}}
}
func (f *fakeTransport) Send(ctx context.Context, peer capability.PeerRecord, topic string, payload []byte) error {
	return nil
}
func (f *fakeTransport) Receive(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (f *fakeTransport) AnnounceProvider(ctx context.Context, cid codec.CID) error {
	f.announced = append(f.announced, cid)
	key := string(cid.Bytes())
	f.providers[key] = append(f.providers[key], capability.PeerRecord{PeerID: "self"})
	return nil
}
func (f *fakeTransport) FindProviders(ctx context.Context, cid codec.CID, limit int) ([]capability.PeerRecord, error) {
	return f.providers[string(cid.Bytes())], nil
}

func TestReplicatorReportsShortfall(t *testing.T) {
	transport := newFakeTransport()
	replicator := NewReplicator(transport, FactorPolicy{N: 3})
	cid := codec.Sum(codec.AlgSHA256, []byte("blob"))

	status, err := replicator.Replicate(context.Background(), cid)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if status.Shortfall != 2 {
		t.Fatalf("expected shortfall of 2 (1 achieved of 3 required), got %d", status.Shortfall)
	}
}

func TestReplicatorNonePolicySkipsAnnouncement(t *testing.T) {
	transport := newFakeTransport()
	replicator := NewReplicator(transport, NonePolicy{})
	cid := codec.Sum(codec.AlgSHA256, []byte("blob"))
	status, err := replicator.Replicate(context.Background(), cid)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if status.Required != 0 || len(transport.announced) != 0 {
		t.Fatal("NonePolicy must skip announcement entirely")
	}
}
