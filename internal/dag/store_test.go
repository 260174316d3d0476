package dag

import (
	"testing"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

func newTestStore(t *testing.T) (*Store, identity.DID, identity.Secret, *identity.Registry) {
	t.Helper()
	reg := identity.NewRegistry()
	did, secret, err := identity.Generate(identity.AlgEd25519)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(did, identity.PublicKeyOf(secret), identity.ScopeIndividual, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(Config{HashAlg: codec.AlgSHA256, OrphanBufferCap: 4}, reg)
	if err != nil {
		t.Fatal(err)
	}
	return store, did, secret, reg
}

func signAndPut(t *testing.T, store *Store, secret identity.Secret, n Node) (codec.CID, error) {
	t.Helper()
	sig, err := identity.Sign(secret, SigningBytes(n))
	if err != nil {
		t.Fatal(err)
	}
	n.Signature = sig
	return store.Put(n)
}

func TestPutGetRoundTrip(t *testing.T) {
	store, did, secret, _ := newTestStore(t)
	n, err := New(KindCustom, "note", []byte("hello"), nil, did, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	cid, err := signAndPut(t, store, secret, n)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := store.Get(cid)
	if !ok {
		t.Fatal("expected node to be stored")
	}
	if got.Payload.Kind != KindCustom || string(got.Payload.Data) != "hello" {
		t.Fatalf("unexpected stored payload: %+v", got.Payload)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store, did, secret, _ := newTestStore(t)
	n, _ := New(KindCustom, "x", []byte("a"), nil, did, time.Now().UTC())
	cid1, err := signAndPut(t, store, secret, n)
	if err != nil {
		t.Fatal(err)
	}
	// Re-deriving and re-putting the identical node must be a no-op, not
	// an error (DuplicateCid is never an error, per the taxonomy).
	sig, _ := identity.Sign(secret, SigningBytes(n))
	n.Signature = sig
	cid2, err := store.Put(n)
	if err != nil {
		t.Fatalf("expected idempotent put to succeed: %v", err)
	}
	if cid1.String() != cid2.String() {
		t.Fatal("expected identical CID on repeated put")
	}
}

func TestMissingParentBuffersWithoutBlockingOtherPuts(t *testing.T) {
	store, did, secret, _ := newTestStore(t)
	parentCID := codec.Sum(codec.AlgSHA256, []byte("not yet stored"))

	child, _ := New(KindCustom, "c", []byte("child"), []codec.CID{parentCID}, did, time.Now().UTC())
	_, err := signAndPut(t, store, secret, child)
	if !errs.Is(err, errs.MissingParent) {
		t.Fatalf("expected MissingParent, got %v", err)
	}
	if _, ok := store.Get(parentCID); ok {
		t.Fatal("parent should not exist yet")
	}

	// Now put an unrelated node with no parents; since the real "parent" is
	// a fabricated CID it will never resolve, but this shows put of other
	// nodes still succeeds while an orphan is buffered.
	other, _ := New(KindCustom, "o", []byte("other"), nil, did, time.Now().UTC().Add(time.Second))
	if _, err := signAndPut(t, store, secret, other); err != nil {
		t.Fatal(err)
	}
}

func TestOrphanOverflowDropsOldest(t *testing.T) {
	store, did, secret, _ := newTestStore(t) // OrphanBufferCap: 4
	var dropped []codec.CID
	store.OnOrphanDropped(func(cid codec.CID) { dropped = append(dropped, cid) })

	var orphans []codec.CID
	for i := 0; i < 6; i++ {
		missing := codec.Sum(codec.AlgSHA256, []byte{byte(i)})
		n, _ := New(KindCustom, "o", []byte{byte(i)}, []codec.CID{missing}, did, time.Now().UTC().Add(time.Duration(i)*time.Second))
		cid, err := signAndPut(t, store, secret, n)
		if !errs.Is(err, errs.MissingParent) {
			t.Fatalf("expected MissingParent: %v", err)
		}
		orphans = append(orphans, cid)
	}
	if len(dropped) == 0 {
		t.Fatal("expected at least one orphan to be dropped on overflow")
	}
	if dropped[0].String() != orphans[0].String() {
		t.Fatalf("expected the oldest orphan to be dropped first, got %s", dropped[0])
	}
}

func TestNonMonotonicIssuerRejected(t *testing.T) {
	store, did, secret, _ := newTestStore(t)
	now := time.Now().UTC()
	n1, _ := New(KindCustom, "a", []byte("1"), nil, did, now)
	if _, err := signAndPut(t, store, secret, n1); err != nil {
		t.Fatal(err)
	}
	n2, _ := New(KindCustom, "b", []byte("2"), nil, did, now.Add(-time.Second))
	if _, err := signAndPut(t, store, secret, n2); !errs.Is(err, errs.NonMonotonicIssuer) {
		t.Fatalf("expected NonMonotonicIssuer, got %v", err)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	store, did, secret, _ := newTestStore(t)
	n, _ := New(KindCustom, "a", []byte("1"), nil, did, time.Now().UTC())
	n.Signature = make([]byte, 64) // garbage, not a real signature
	if _, err := store.Put(n); !errs.Is(err, errs.InvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
	_ = secret
}

func TestTipsAndChildrenAndWalk(t *testing.T) {
	store, did, secret, _ := newTestStore(t)
	root, _ := New(KindCustom, "root", []byte("r"), nil, did, time.Now().UTC())
	rootCID, err := signAndPut(t, store, secret, root)
	if err != nil {
		t.Fatal(err)
	}
	child, _ := New(KindCustom, "child", []byte("c"), []codec.CID{rootCID}, did, time.Now().UTC().Add(time.Second))
	childCID, err := signAndPut(t, store, secret, child)
	if err != nil {
		t.Fatal(err)
	}

	tips := store.Tips()
	if len(tips) != 1 || tips[0].String() != childCID.String() {
		t.Fatalf("expected single tip (child), got %v", tips)
	}
	children := store.Children(rootCID)
	if len(children) != 1 || children[0].String() != childCID.String() {
		t.Fatalf("expected root's only child to be child, got %v", children)
	}
	order := store.WalkAll()
	if len(order) != 2 || order[0].String() != rootCID.String() || order[1].String() != childCID.String() {
		t.Fatalf("expected topological [root, child], got %v", order)
	}
}

// TestMerkleRootStableUnderReorder is part of property-level coverage for
// epoch sealing: the merkle root only depends on the sorted CID set.
func TestMerkleRootStableUnderReorder(t *testing.T) {
	a := codec.Sum(codec.AlgSHA256, []byte("a"))
	b := codec.Sum(codec.AlgSHA256, []byte("b"))
	c := codec.Sum(codec.AlgSHA256, []byte("c"))

	r1 := EpochMerkleRoot([]codec.CID{a, b, c})
	r2 := EpochMerkleRoot([]codec.CID{c, a, b})
	if r1 != r2 {
		t.Fatal("expected merkle root to be order-independent")
	}
}

func TestMerkleProofVerifies(t *testing.T) {
	a := codec.Sum(codec.AlgSHA256, []byte("a"))
	b := codec.Sum(codec.AlgSHA256, []byte("b"))
	c := codec.Sum(codec.AlgSHA256, []byte("c"))
	cids := []codec.CID{a, b, c}

	sorted := sortCIDs(cids)
	for i, leaf := range sorted {
		proof, root, err := MerkleProof(cids, i)
		if err != nil {
			t.Fatal(err)
		}
		if !VerifyMerklePath(root, leaf, proof, i) {
			t.Fatalf("proof for index %d failed to verify", i)
		}
	}
}
