package ledger

import (
	"testing"

	"governance-runtime/internal/identity"
)

func TestBalanceConservation(t *testing.T) {
	l := New()
	tok := TokenID{Type: "credit", Scope: identity.ScopeCooperative}
	alice, bob, carol := identity.DID("did:gov:alice"), identity.DID("did:gov:bob"), identity.DID("did:gov:carol")

	l.Mint(alice, tok, 100)
	l.Mint(bob, tok, 50)
	if err := l.Transfer(alice, carol, tok, 30); err != nil {
		t.Fatal(err)
	}
	if err := l.Burn(bob, tok, 20); err != nil {
		t.Fatal(err)
	}

	sum, net := l.ConservationCheck(tok, []identity.DID{alice, bob, carol})
	if int64(sum) != net {
		t.Fatalf("conservation violated: balances sum %d, mints-burns %d", sum, net)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := New()
	tok := TokenID{Type: "credit", Scope: identity.ScopeIndividual}
	a, b := identity.DID("did:gov:a"), identity.DID("did:gov:b")
	l.Mint(a, tok, 10)
	if err := l.Transfer(a, b, tok, 20); err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if l.Balance(a, tok) != 10 {
		t.Fatal("failed transfer must not mutate balances")
	}
}

func TestTxnAuthorizeRecordCommit(t *testing.T) {
	l := New()
	tok := TokenID{Type: "budget", Scope: identity.ScopeCooperative}
	did := identity.DID("did:gov:coop")
	l.Mint(did, tok, 1000)

	txn := l.Begin(did, identity.ScopeCooperative, tok)
	if err := txn.Authorize(200); err != nil {
		t.Fatal(err)
	}
	if err := txn.Record(200); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	if l.Balance(did, tok) != 800 {
		t.Fatalf("expected balance 800, got %d", l.Balance(did, tok))
	}
}

func TestTxnRollbackRestoresBalance(t *testing.T) {
	l := New()
	tok := TokenID{Type: "budget", Scope: identity.ScopeCooperative}
	did := identity.DID("did:gov:coop")
	l.Mint(did, tok, 1000)

	txn := l.Begin(did, identity.ScopeCooperative, tok)
	if err := txn.Authorize(300); err != nil {
		t.Fatal(err)
	}
	if err := txn.Record(300); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}
	if l.Balance(did, tok) != 1000 {
		t.Fatalf("expected rollback to restore balance to 1000, got %d", l.Balance(did, tok))
	}
}

func TestMaxBurstPolicyEnforced(t *testing.T) {
	l := New()
	tok := TokenID{Type: "budget", Scope: identity.ScopeCooperative}
	did := identity.DID("did:gov:coop")
	l.Mint(did, tok, 1000)
	l.SetPolicy(identity.ScopeCooperative, "budget", Policy{MaxBurst: 100})

	txn := l.Begin(did, identity.ScopeCooperative, tok)
	if err := txn.Authorize(150); err == nil {
		t.Fatal("expected policy violation for exceeding max burst")
	}
}
