// Package engine implements the sandboxed execution engine: the hardest of
// the three coupled subsystems. It loads untrusted wasm bytecode modules,
// exposes the fixed host ABI below, meters every operation against a
// per-invocation fuel and memory budget, and produces a deterministic,
// signed receipt. Grounded on the teacher's core/virtual_machine.go, which
// already selects a VM tier (superlight/light/heavy) behind a GasMeter and
// a wasmerio/wasmer-go engine for the heavy tier; this package keeps only
// the wasmer-go engine, with no lighter tiers, replaces the host surface with the closed union below
// and replaces immediate-write state mutation with buffer-then-commit
// semantics so a trap never leaves partial effects.
package engine

import "governance-runtime/internal/identity"

// HostCall is the exhaustive, closed tagged union of host functions exposed
// to a guest module. It has no custom or escape-hatch member: every host
// function is one of the constants below, never open string-keyed
// dispatch.
type HostCall int

const (
	CallLog HostCall = iota
	CallCallerDID
	CallCallerScope
	CallVerifySignature
	CallStorageGet
	CallStoragePut
	CallBlobPut
	CallBlobGet
	CallCheckResource
	CallRecordResource
	CallBudgetAllocate
	CallAnchor
	CallMemAlloc
	CallMemFree
	CallChargeBlock
)

// FuelCostClass buckets host calls by how their fuel cost scales.
type FuelCostClass int

const (
	CostConstant FuelCostClass = iota
	CostConstantPlusLength
	CostPerByteRead
	CostPerByteWrite
	CostPerBytePlusHash
	CostPerBytePlusIO
	CostPerBytePlusSignature
)

// costTable documents, per spec.md §4.D, the deterministic fuel cost class
// of every host call. The precise per-unit constants are a deployment
// knob (Budget.CostPerUnit); what must hold is that the same (module,
// inputs, budget) tuple always consumes identical fuel — which holds here
// because cost is a pure function of the call and its argument lengths.
// CallChargeBlock has no entry here: it is charged at the fixed
// Budget.FuelPerBlock rate via FuelMeter.ChargeBlock, not the per-call
// base+length formula below.
var costTable = map[HostCall]FuelCostClass{
	CallLog:              CostConstant,
	CallCallerDID:         CostConstant,
	CallCallerScope:       CostConstant,
	CallVerifySignature:   CostConstantPlusLength,
	CallStorageGet:        CostPerByteRead,
	CallStoragePut:        CostPerByteWrite,
	CallBlobPut:           CostPerBytePlusHash,
	CallBlobGet:           CostPerBytePlusIO,
	CallCheckResource:     CostConstant,
	CallRecordResource:    CostConstant,
	CallBudgetAllocate:    CostConstant,
	CallAnchor:            CostPerBytePlusSignature,
	CallMemAlloc:          CostConstant,
	CallMemFree:           CostConstant,
}

// LogLevel mirrors the guest-visible log severity for the log() host call.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ScopeOf exposes the caller's declared scope to a guest via caller_scope().
func ScopeOf(s identity.Scope) string { return string(s) }
