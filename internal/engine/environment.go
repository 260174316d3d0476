package engine

import (
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// StorageBackend is the narrow interface the engine uses to read/write
// scoped invocation-local key-value state. The execution engine depends
// only on this interface layer, never on a concrete store implementation,
// per the §9 re-architecture note splitting core/storage-manager/blob-store
// into interfaces that implementations depend on, not the reverse.
type StorageBackend interface {
	Get(scope string, key []byte) ([]byte, bool)
	Put(scope string, key, value []byte)
}

// BlobBackend is the content-addressed blob interface exposed to guests via
// blob_put/blob_get. Fetching may block for replication (spec.md §4.D).
type BlobBackend interface {
	Put(data []byte) (codec.CID, error)
	Get(cid codec.CID) ([]byte, bool, error)
}

// Anchorer writes a new DAG node on behalf of a guest's anchor() call.
type Anchorer interface {
	Anchor(kind uint8, tag string, data []byte, parents []codec.CID, issuer identity.DID, at time.Time) (codec.CID, error)
}

// ResourcePolicy is the ledger-facing surface the engine needs: policy
// queries and commits, scoped to the invoking identity.
type ResourcePolicy interface {
	Check(did identity.DID, tokenType string, scope identity.Scope, amount uint64) bool
	Record(did identity.DID, tokenType string, scope identity.Scope, amount int64) error
	Allocate(proposalID string, tokenType string, scope identity.Scope, amount uint64) error
}

// SignatureVerifier is the minimal identity-facing surface the engine
// needs for verify_signature().
type SignatureVerifier interface {
	Verify(did identity.DID, msg, sig []byte) bool
}

// storagePut and pendingAnchor buffer host mutations until the invocation
// completes without trapping; a trap discards every buffered effect.
type storagePut struct {
	scope string
	key   []byte
	value []byte
}

type pendingAnchor struct {
	kind    uint8
	tag     string
	data    []byte
	parents []codec.CID
}

// Environment is constructed fresh for every invocation: caller DID, scope,
// the capability handles above, a per-call budget, and a mutable usage
// tally. Environments are never shared across invocations running in
// parallel, and every dependency is passed in explicitly — no ambient
// static storage, per §9 and §5.
type Environment struct {
	CallerDID   identity.DID
	CallerScope identity.Scope

	Storage   StorageBackend
	Blobs     BlobBackend
	Anchor    Anchorer
	Resources ResourcePolicy
	Verifier  SignatureVerifier

	Fuel   *FuelMeter
	Memory *GuestMemory

	logs            []string
	pendingStorage  []storagePut
	pendingAnchors  []pendingAnchor
	pendingDeltas   []ResourceDelta
	writtenCIDs     []codec.CID
	memoryPeak      uint64
}

// NewEnvironment constructs an invocation-scoped environment.
func NewEnvironment(did identity.DID, scope identity.Scope, budget Budget, storage StorageBackend, blobs BlobBackend, anchor Anchorer, resources ResourcePolicy, verifier SignatureVerifier) *Environment {
	return &Environment{
		CallerDID:   did,
		CallerScope: scope,
		Storage:     storage,
		Blobs:       blobs,
		Anchor:      anchor,
		Resources:   resources,
		Verifier:    verifier,
		Fuel:        NewFuelMeter(budget.Fuel, budget.FuelPerByte, budget.FuelPerBlock),
		Memory:      NewGuestMemory(budget.MaxMemory, budget.MaxCallLen),
	}
}

func (e *Environment) trackPeak() {
	if e.Memory.Len() > e.memoryPeak {
		e.memoryPeak = e.Memory.Len()
	}
}

// Log records a guest log line, buffered like every other host effect so a
// trapped invocation's logs are discarded along with its state mutations.
func (e *Environment) Log(level LogLevel, msg string) error {
	if err := e.Fuel.ChargeCall(CallLog, 0); err != nil {
		return err
	}
	e.logs = append(e.logs, msg)
	return nil
}

// CallerDIDValue backs caller_did().
func (e *Environment) CallerDIDValue() (identity.DID, error) {
	if err := e.Fuel.ChargeCall(CallCallerDID, 0); err != nil {
		return "", err
	}
	return e.CallerDID, nil
}

// CallerScopeValue backs caller_scope().
func (e *Environment) CallerScopeValue() (identity.Scope, error) {
	if err := e.Fuel.ChargeCall(CallCallerScope, 0); err != nil {
		return "", err
	}
	return e.CallerScope, nil
}

// VerifySignature backs verify_signature(did, msg, sig). Unauthenticated
// failures return (false, nil), not an error; only budget exhaustion
// traps. The DID is passed to the verifier as is, without a format check.
func (e *Environment) VerifySignature(did identity.DID, msg, sig []byte) (bool, error) {
	if err := e.Fuel.ChargeCall(CallVerifySignature, uint64(len(msg)+len(sig))); err != nil {
		return false, err
	}
	return e.Verifier.Verify(did, msg, sig), nil
}

// StorageGet backs storage_get(key).
func (e *Environment) StorageGet(key []byte) ([]byte, bool, error) {
	if err := e.Fuel.ChargeCall(CallStorageGet, uint64(len(key))); err != nil {
		return nil, false, err
	}
	v, ok := e.Storage.Get(string(e.CallerDID), key)
	return v, ok, nil
}

// StoragePut backs storage_put(key, bytes); the write is buffered, not
// applied, until the invocation completes without trapping.
func (e *Environment) StoragePut(key, value []byte) error {
	if err := e.Fuel.ChargeCall(CallStoragePut, uint64(len(key)+len(value))); err != nil {
		return err
	}
	e.pendingStorage = append(e.pendingStorage, storagePut{scope: string(e.CallerDID), key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

// BlobPut backs blob_put(bytes) -> cid. Blobs are committed immediately
// (they are content-addressed and therefore idempotent/side-effect-free to
// write eagerly), unlike DAG/ledger mutations which must wait for commit.
func (e *Environment) BlobPut(data []byte) (codec.CID, error) {
	if err := e.Fuel.ChargeCall(CallBlobPut, uint64(len(data))); err != nil {
		return codec.CID{}, err
	}
	cid, err := e.Blobs.Put(data)
	if err != nil {
		return codec.CID{}, errs.Wrap(errs.InternalError, "blob_put", err)
	}
	return cid, nil
}

// BlobGet backs blob_get(cid) -> bytes?.
func (e *Environment) BlobGet(cid codec.CID) ([]byte, bool, error) {
	if err := e.Fuel.ChargeCall(CallBlobGet, uint64(len(cid.Digest))); err != nil {
		return nil, false, err
	}
	data, ok, err := e.Blobs.Get(cid)
	if err != nil {
		return nil, false, errs.Wrap(errs.MissingDependency, "blob_get", err)
	}
	return data, ok, nil
}

// CheckResource backs check_resource(did, token, amount) -> bool.
func (e *Environment) CheckResource(did identity.DID, tokenType string, scope identity.Scope, amount uint64) (bool, error) {
	if err := e.Fuel.ChargeCall(CallCheckResource, 0); err != nil {
		return false, err
	}
	return e.Resources.Check(did, tokenType, scope, amount), nil
}

// RecordResource backs record_resource(did, token, amount). The debit is
// buffered until commit so a trap never leaves a partial ledger effect.
func (e *Environment) RecordResource(did identity.DID, tokenType string, scope identity.Scope, amount int64) error {
	if err := e.Fuel.ChargeCall(CallRecordResource, 0); err != nil {
		return err
	}
	if !e.Resources.Check(did, tokenType, scope, amountAbs(amount)) {
		return errs.New(errs.UnauthorizedResource, "record_resource would overdraw")
	}
	e.pendingDeltas = append(e.pendingDeltas, ResourceDelta{DID: did, Type: tokenType, Scope: scope, Amount: amount})
	return nil
}

func amountAbs(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// BudgetAllocate backs budget_allocate(proposal, token, amount). The call
// goes to ResourcePolicy.Allocate at once; unlike record_resource it is
// not buffered until Commit.
func (e *Environment) BudgetAllocate(proposalID, tokenType string, scope identity.Scope, amount uint64) error {
	if err := e.Fuel.ChargeCall(CallBudgetAllocate, 0); err != nil {
		return err
	}
	if err := e.Resources.Allocate(proposalID, tokenType, scope, amount); err != nil {
		return errs.Wrap(errs.PolicyViolation, "budget_allocate", err)
	}
	return nil
}

// AnchorCall backs anchor(payload_kind, bytes, parents) -> cid. The node
// itself is only actually written on successful Commit(); until then it is
// buffered and no CID is computed for it. Commit links each buffered anchor
// to the one written before it (the first to the trigger) as a parent.
func (e *Environment) AnchorCall(kind uint8, tag string, data []byte, parents []codec.CID) error {
	if err := e.Fuel.ChargeCall(CallAnchor, uint64(len(data))); err != nil {
		return err
	}
	e.pendingAnchors = append(e.pendingAnchors, pendingAnchor{kind: kind, tag: tag, data: append([]byte(nil), data...), parents: parents})
	return nil
}

// MemAlloc backs mem_alloc(size) -> ptr.
func (e *Environment) MemAlloc(size uint64) (uint64, error) {
	if err := e.Fuel.ChargeCall(CallMemAlloc, 0); err != nil {
		return 0, err
	}
	ptr, err := e.Memory.Alloc(size)
	e.trackPeak()
	return ptr, err
}

// MemFree backs mem_free(ptr).
func (e *Environment) MemFree(ptr uint64) error {
	if err := e.Fuel.ChargeCall(CallMemFree, 0); err != nil {
		return err
	}
	e.Memory.Free(ptr)
	return nil
}

// ChargeBlock backs charge_block(), the periodic guest-instruction-block
// checkpoint a compiled module calls at every loop back-edge and function
// entry, mirroring the teacher's hostConsumeGas checkpoint convention
// (core/virtual_machine.go) generalized from a single gas counter to the
// fuel budget. wasmer-go exposes no bytecode-level metering middleware, so
// this checkpoint is how guest-instruction-block fuel is actually charged.
func (e *Environment) ChargeBlock() error {
	return e.Fuel.ChargeBlock()
}

// Commit flushes every buffered host mutation atomically: storage writes,
// DAG anchors (in order, each able to reference the previous anchor's CID
// as a parent), and ledger deltas. Called only on non-trapping completion.
func (e *Environment) Commit(trigger codec.CID, issuer identity.DID, at time.Time) ([]codec.CID, error) {
	for _, p := range e.pendingStorage {
		e.Storage.Put(p.scope, p.key, p.value)
	}
	parents := []codec.CID{trigger}
	for _, a := range e.pendingAnchors {
		anchorParents := append(append([]codec.CID(nil), a.parents...), parents...)
		cid, err := e.Anchor.Anchor(a.kind, a.tag, a.data, anchorParents, issuer, at)
		if err != nil {
			return e.writtenCIDs, errs.Wrap(errs.InternalError, "commit anchor", err)
		}
		e.writtenCIDs = append(e.writtenCIDs, cid)
		parents = []codec.CID{cid}
	}
	for _, d := range e.pendingDeltas {
		if err := e.Resources.Record(d.DID, d.Type, d.Scope, d.Amount); err != nil {
			return e.writtenCIDs, errs.Wrap(errs.InternalError, "commit resource delta", err)
		}
	}
	return e.writtenCIDs, nil
}

// Abort discards every buffered host mutation; called when an invocation
// traps. Nothing committed up to the trap point is retained.
func (e *Environment) Abort() {
	e.pendingStorage = nil
	e.pendingAnchors = nil
	e.pendingDeltas = nil
	e.writtenCIDs = nil
	e.logs = nil
}

// ResourceDeltas exposes the buffered (or, post-commit, applied) deltas for
// receipt construction.
func (e *Environment) ResourceDeltas() []ResourceDelta { return e.pendingDeltas }

// Logs exposes accumulated log lines for diagnostics.
func (e *Environment) Logs() []string { return e.logs }

// MemoryPeak reports the high-water mark of guest memory used.
func (e *Environment) MemoryPeak() uint64 { return e.memoryPeak }
