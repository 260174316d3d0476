package engine

import "governance-runtime/internal/errs"

// FuelMeter is the deterministic, strictly positive counter decremented
// before every host call and every configurable block of guest
// instructions. It generalizes the teacher's GasMeter (core/virtual_machine.go)
// from a single "gas" unit to the cost-class table in abi.go.
type FuelMeter struct {
	remaining uint64
	consumed  uint64
	perByte   uint64 // fuel per byte, for CostPerByte* classes
	perBlock  uint64 // fuel per configured guest-instruction block
}

// NewFuelMeter creates a meter with the given budget. perByte and perBlock
// are deployment knobs (environment-knob "fuel-per-invocation" governs the
// budget; the per-unit constants are documented alongside it).
func NewFuelMeter(budget, perByte, perBlock uint64) *FuelMeter {
	return &FuelMeter{remaining: budget, perByte: perByte, perBlock: perBlock}
}

// Remaining reports unspent fuel.
func (f *FuelMeter) Remaining() uint64 { return f.remaining }

// Consumed reports total fuel spent so far.
func (f *FuelMeter) Consumed() uint64 { return f.consumed }

// charge deducts amount fuel, trapping with OutOfFuel on exhaustion. The
// deduction happens before the corresponding host effect runs, so the trap
// point is always the precise call that would have overdrawn the budget.
func (f *FuelMeter) charge(amount uint64) error {
	if amount > f.remaining {
		f.consumed += f.remaining
		f.remaining = 0
		return errs.New(errs.OutOfFuel, "fuel budget exhausted")
	}
	f.remaining -= amount
	f.consumed += amount
	return nil
}

// ChargeCall deducts the fuel cost of a host call given its cost class and
// the byte length of its payload (zero for constant-cost calls).
func (f *FuelMeter) ChargeCall(call HostCall, payloadLen uint64) error {
	class := costTable[call]
	base := uint64(1)
	switch class {
	case CostConstant:
		return f.charge(base)
	case CostConstantPlusLength, CostPerByteRead, CostPerByteWrite, CostPerBytePlusHash, CostPerBytePlusIO, CostPerBytePlusSignature:
		return f.charge(base + f.perByte*payloadLen)
	default:
		return f.charge(base)
	}
}

// ChargeBlock deducts the fuel cost of one configured guest-instruction
// block, called at each metering checkpoint the guest module exposes.
func (f *FuelMeter) ChargeBlock() error {
	if f.perBlock == 0 {
		return nil
	}
	return f.charge(f.perBlock)
}
