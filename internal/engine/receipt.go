package engine

import (
	"time"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// TrapReason is the typed reason a guest invocation trapped. The engine
// never throws across the host boundary; every failure converts to one of
// these, matching the §9 re-architecture note's "typed result, not
// exceptions" guidance.
type TrapReason string

const (
	TrapBadString            TrapReason = "BadString"
	TrapOutOfFuel            TrapReason = "OutOfFuel"
	TrapOutOfMemory          TrapReason = "OutOfMemory"
	TrapUnauthorizedResource TrapReason = "UnauthorizedResource"
	TrapMissingDependency    TrapReason = "MissingDependency"
	TrapInvalidSignature     TrapReason = "InvalidSignature"
	TrapInternalError        TrapReason = "InternalError"
)

// trapReasonFromErr maps a taxonomy error (internal/errs) onto the
// engine's narrower trap vocabulary.
func trapReasonFromErr(err error) TrapReason {
	switch errs.KindOf(err) {
	case errs.BadString:
		return TrapBadString
	case errs.OutOfFuel:
		return TrapOutOfFuel
	case errs.OutOfMemory:
		return TrapOutOfMemory
	case errs.UnauthorizedResource, errs.InsufficientBalance, errs.PolicyViolation:
		return TrapUnauthorizedResource
	case errs.MissingDependency, errs.NotFound, errs.MissingParent:
		return TrapMissingDependency
	case errs.InvalidSignature:
		return TrapInvalidSignature
	default:
		return TrapInternalError
	}
}

// Outcome is Ok(return_bytes) | Failed(reason).
type Outcome struct {
	OK         bool
	ReturnData []byte
	Reason     TrapReason
}

// ResourceDelta records one ledger effect produced by an invocation.
type ResourceDelta struct {
	DID    identity.DID
	Type   string
	Scope  identity.Scope
	Amount int64 // positive credit, negative debit
}

// Receipt is the signed outcome artifact of a single execution invocation.
type Receipt struct {
	InvocationInputHash codec.CID
	Outcome              Outcome
	ConsumedFuel          uint64
	ConsumedMemoryPeak    uint64
	WrittenCIDs           []codec.CID
	ResourceDeltas        []ResourceDelta
	WallClock             time.Time
	Signer                identity.DID
	Signature             []byte
}

// SigningBytes returns the canonical bytes the engine signs over to
// produce Receipt.Signature.
func (r Receipt) SigningBytes() []byte {
	w := codec.NewWriter()
	w.PutBytes(r.InvocationInputHash.Bytes())
	if r.Outcome.OK {
		w.PutByte(1)
		w.PutBytes(r.Outcome.ReturnData)
	} else {
		w.PutByte(0)
		w.PutString(string(r.Outcome.Reason))
	}
	w.PutUint64(r.ConsumedFuel)
	w.PutUint64(r.ConsumedMemoryPeak)
	cidElems := make([][]byte, len(r.WrittenCIDs))
	for i, c := range r.WrittenCIDs {
		cw := codec.NewWriter()
		cw.PutBytes(c.Bytes())
		cidElems[i] = cw.Bytes()
	}
	w.PutSequence(cidElems)
	w.PutUint64(uint64(r.WallClock.UTC().UnixNano()))
	return w.Bytes()
}
