package engine

import (
	"testing"
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// fakeStorage, fakeBlobs, fakeAnchorer, fakeResources, and fakeVerifier
// stand in for the DAG/ledger/identity implementations so the engine
// package can be tested without wiring a full store. The teacher's own
// tests/virtual_machine_test.go never exercises its HeavyVM (wasmer) tier
// either, for the same reason: it needs real compiled module bytes. This
// package follows that precedent and tests the deterministic, host-call
// level machinery directly.

type fakeStorage struct{ data map[string][]byte }

func newFakeStorage() *fakeStorage { return &fakeStorage{data: map[string][]byte{}} }
func (s *fakeStorage) Get(scope string, key []byte) ([]byte, bool) {
	v, ok := s.data[scope+"/"+string(key)]
	return v, ok
}
func (s *fakeStorage) Put(scope string, key, value []byte) {
	s.data[scope+"/"+string(key)] = append([]byte(nil), value...)
}

type fakeBlobs struct{ data map[string][]byte }

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: map[string][]byte{}} }
func (b *fakeBlobs) Put(data []byte) (codec.CID, error) {
	cid := codec.Sum(codec.AlgSHA256, data)
	b.data[string(cid.Bytes())] = append([]byte(nil), data...)
	return cid, nil
}
func (b *fakeBlobs) Get(cid codec.CID) ([]byte, bool, error) {
	v, ok := b.data[string(cid.Bytes())]
	return v, ok, nil
}

type fakeAnchorer struct {
	calls   int
	parents [][]codec.CID
}

func (a *fakeAnchorer) Anchor(kind uint8, tag string, data []byte, parents []codec.CID, issuer identity.DID, at time.Time) (codec.CID, error) {
	a.calls++
	a.parents = append(a.parents, parents)
	return codec.Sum(codec.AlgSHA256, append([]byte(tag), data...)), nil
}

type fakeResources struct {
	balances map[string]int64
	denyAll  bool
}

func newFakeResources() *fakeResources { return &fakeResources{balances: map[string]int64{}} }
func (r *fakeResources) key(did identity.DID, tok string, scope identity.Scope) string {
	return string(did) + "|" + tok + "|" + string(scope)
}
func (r *fakeResources) Check(did identity.DID, tok string, scope identity.Scope, amount uint64) bool {
	if r.denyAll {
		return false
	}
	return r.balances[r.key(did, tok, scope)] >= int64(amount) || amount == 0
}
func (r *fakeResources) Record(did identity.DID, tok string, scope identity.Scope, amount int64) error {
	r.balances[r.key(did, tok, scope)] += amount
	return nil
}
func (r *fakeResources) Allocate(proposalID, tok string, scope identity.Scope, amount uint64) error {
	return nil
}

type fakeVerifier struct{ allow bool }

func (v fakeVerifier) Verify(did identity.DID, msg, sig []byte) bool { return v.allow }

func testBudget() Budget {
	return Budget{Fuel: 1000, FuelPerByte: 1, FuelPerBlock: 0, MaxMemory: 1 << 20, MaxCallLen: 4096}
}

func newTestEnvironment(budget Budget) (*Environment, *fakeStorage, *fakeBlobs, *fakeAnchorer, *fakeResources) {
	st := newFakeStorage()
	bl := newFakeBlobs()
	an := &fakeAnchorer{}
	rs := newFakeResources()
	env := NewEnvironment("did:gov:caller", identity.ScopeIndividual, budget, st, bl, an, rs, fakeVerifier{allow: true})
	return env, st, bl, an, rs
}

func TestHostCallsChargeFuelAndBufferEffects(t *testing.T) {
	env, st, _, _, _ := newTestEnvironment(testBudget())

	if err := env.StoragePut([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("storage_put: %v", err)
	}
	if _, ok := st.Get("did:gov:caller", []byte("k")); ok {
		t.Fatal("storage_put must not apply before Commit")
	}
	if _, err := env.Commit(codec.CID{}, "did:gov:caller", time.Unix(0, 0)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	v, ok := st.Get("did:gov:caller", []byte("k"))
	if !ok || string(v) != "v" {
		t.Fatalf("expected committed value, got %q ok=%v", v, ok)
	}
}

// TestOutOfFuelTrapsAndAbortsCleanly matches scenario S2: a budget too
// small to complete every host call traps with OutOfFuel, and nothing it
// buffered before the trap survives Abort.
func TestOutOfFuelTrapsAndAbortsCleanly(t *testing.T) {
	budget := Budget{Fuel: 3, FuelPerByte: 1, MaxMemory: 1 << 20, MaxCallLen: 4096}
	env, st, _, an, rs := newTestEnvironment(budget)

	if err := env.StoragePut([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("first put should fit in budget: %v", err)
	}
	rs.balances[rs.key("did:gov:caller", "gov", identity.ScopeIndividual)] = 100
	if err := env.RecordResource("did:gov:caller", "gov", identity.ScopeIndividual, 1); err == nil {
		t.Fatal("expected OutOfFuel trap on exhausted budget")
	} else if errs.KindOf(err) != errs.OutOfFuel {
		t.Fatalf("expected OutOfFuel, got %v", errs.KindOf(err))
	}
	if got := trapReasonFromErr(err); got != TrapOutOfFuel {
		t.Fatalf("trapReasonFromErr: got %v want %v", got, TrapOutOfFuel)
	}

	env.Abort()
	if _, ok := st.Get("did:gov:caller", []byte("k")); ok {
		t.Fatal("Abort must discard buffered storage writes")
	}
	if an.calls != 0 {
		t.Fatal("Abort must prevent any anchor from ever being committed")
	}
	if len(env.ResourceDeltas()) != 0 {
		t.Fatal("Abort must discard buffered resource deltas")
	}
}

func TestCommitOrdersAnchorsAndChainsParents(t *testing.T) {
	env, _, _, an, _ := newTestEnvironment(testBudget())
	if err := env.AnchorCall(1, "first", []byte("a"), nil); err != nil {
		t.Fatalf("anchor 1: %v", err)
	}
	if err := env.AnchorCall(2, "second", []byte("b"), nil); err != nil {
		t.Fatalf("anchor 2: %v", err)
	}
	written, err := env.Commit(codec.CID{}, "did:gov:caller", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("expected 2 written cids, got %d", len(written))
	}
	if an.calls != 2 {
		t.Fatalf("expected 2 anchor calls, got %d", an.calls)
	}
	if len(an.parents[1]) != 1 || an.parents[1][0].String() != written[0].String() {
		t.Fatalf("expected the second anchor's parent to be the first anchor, got %v", an.parents[1])
	}
}

func TestRecordResourceRejectsOverdraw(t *testing.T) {
	env, _, _, _, rs := newTestEnvironment(testBudget())
	rs.balances[rs.key("did:gov:caller", "gov", identity.ScopeIndividual)] = 5
	err := env.RecordResource("did:gov:caller", "gov", identity.ScopeIndividual, -10)
	if err == nil || errs.KindOf(err) != errs.UnauthorizedResource {
		t.Fatalf("expected UnauthorizedResource, got %v", err)
	}
}

// TestInvocationInputHashDeterministic is property 1 at the granularity this
// package can test without a compiled module: the same request shape always
// hashes identically, which is the precondition determinism depends on.
func TestInvocationInputHashDeterministic(t *testing.T) {
	req := InvocationRequest{
		ModuleCID:   codec.Sum(codec.AlgSHA256, []byte("module")),
		Entrypoint:  "run",
		Args:        []byte("args"),
		Budget:      testBudget(),
		CallerDID:   "did:gov:caller",
		CallerScope: identity.ScopeIndividual,
	}
	h1 := req.InputHash()
	h2 := req.InputHash()
	if h1.String() != h2.String() {
		t.Fatal("InputHash must be a pure function of the request")
	}

	other := req
	other.Args = []byte("different")
	if other.InputHash().String() == h1.String() {
		t.Fatal("different args must change the input hash")
	}
}

func TestReceiptSigningBytesDeterministic(t *testing.T) {
	cid := codec.Sum(codec.AlgSHA256, []byte("x"))
	r1 := Receipt{
		InvocationInputHash: cid,
		Outcome:             Outcome{OK: true, ReturnData: []byte("ok")},
		ConsumedFuel:        42,
		ConsumedMemoryPeak:  7,
		WrittenCIDs:         []codec.CID{cid},
		WallClock:           time.Unix(1000, 0),
	}
	r2 := r1
	if string(r1.SigningBytes()) != string(r2.SigningBytes()) {
		t.Fatal("identical receipts must sign identical bytes")
	}

	r3 := r1
	r3.ConsumedFuel = 43
	if string(r1.SigningBytes()) == string(r3.SigningBytes()) {
		t.Fatal("differing fuel consumption must change the signing bytes")
	}
}

func TestFuelMeterChargeExhaustion(t *testing.T) {
	m := NewFuelMeter(10, 1, 0)
	if err := m.ChargeCall(CallLog, 0); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := m.ChargeCall(CallStoragePut, 100); err == nil {
		t.Fatal("expected OutOfFuel")
	}
	if m.Remaining() != 0 {
		t.Fatalf("remaining should be clamped to 0, got %d", m.Remaining())
	}
}

func TestGuestMemoryBoundsChecked(t *testing.T) {
	m := NewGuestMemory(64, 32)
	if _, err := m.Read(0, 33); err == nil {
		t.Fatal("expected OutOfMemory for a read exceeding max call length")
	}
	if _, err := m.Alloc(16); err != nil {
		t.Fatalf("unexpected alloc error: %v", err)
	}
	if _, err := m.Alloc(1000); err == nil {
		t.Fatal("expected OutOfMemory for an allocation exceeding max call length")
	}
}
