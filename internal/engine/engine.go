package engine

import (
	"time"
	"unicode/utf8"

	"github.com/wasmerio/wasmer-go/wasmer"

	"governance-runtime/internal/codec"
	"governance-runtime/internal/errs"
	"governance-runtime/internal/identity"
)

// wasmPageSize is the wasm linear memory page size in bytes, fixed by the
// wasm spec itself (not a deployment knob).
const wasmPageSize = 65536

// Budget bounds a single invocation: fuel spendable, the per-byte/per-block
// fuel rates that make cost a pure function of call shape, and the guest
// memory ceiling. Deployment-wide defaults come from internal/config;
// individual proposals may request a tighter budget.
type Budget struct {
	Fuel         uint64
	FuelPerByte  uint64
	FuelPerBlock uint64
	MaxMemory    uint64
	MaxCallLen   uint64
}

// InvocationRequest is everything that must be identical across two nodes
// for property 1 (determinism) to hold: the module's own CID (not its raw
// bytes — two nodes holding the same CID are holding bit-identical bytes by
// construction), the entrypoint name, opaque argument bytes, the budget,
// and the caller's identity and scope.
type InvocationRequest struct {
	ModuleCID   codec.CID
	Entrypoint  string
	Args        []byte
	Budget      Budget
	CallerDID   identity.DID
	CallerScope identity.Scope
}

// CanonicalBytes is the encoding InvocationInputHash is derived from.
func (r InvocationRequest) CanonicalBytes() []byte {
	w := codec.NewWriter()
	w.PutBytes(r.ModuleCID.Bytes())
	w.PutString(r.Entrypoint)
	w.PutBytes(r.Args)
	w.PutUint64(r.Budget.Fuel)
	w.PutUint64(r.Budget.MaxMemory)
	w.PutString(string(r.CallerDID))
	w.PutString(string(r.CallerScope))
	return w.Bytes()
}

// InputHash derives the Receipt.InvocationInputHash for this request.
func (r InvocationRequest) InputHash() codec.CID {
	return codec.Sum(codec.AlgSHA256, r.CanonicalBytes())
}

// Engine owns a single wasmer compilation/runtime engine and hands out
// invocations against it. It generalizes the teacher's HeavyVM tier
// (core/virtual_machine.go), which is the only tier that already wraps
// wasmer-go; the lighter interpreter tiers have no analogue in this
// runtime because every invocation here is untrusted guest wasm.
type Engine struct {
	wasm *wasmer.Engine
}

// New constructs an Engine with a fresh wasmer runtime.
func New() *Engine {
	return &Engine{wasm: wasmer.NewEngine()}
}

// hostMemory lets host import closures reach the instance's exported
// linear memory, which only exists once instantiation has completed —
// the closures are built first and this indirection is filled in after.
type hostMemory struct {
	mem *wasmer.Memory
}

func (h *hostMemory) ensure(minBytes uint64) error {
	have := uint64(len(h.mem.Data()))
	if minBytes <= have {
		return nil
	}
	deltaBytes := minBytes - have
	deltaPages := wasmer.Pages((deltaBytes + wasmPageSize - 1) / wasmPageSize)
	if !h.mem.Grow(deltaPages) {
		return errs.New(errs.OutOfMemory, "guest memory grow failed")
	}
	return nil
}

func (h *hostMemory) read(gm *GuestMemory, ptr, length uint64) ([]byte, error) {
	if err := gm.checkBounds(ptr, length); err != nil {
		return nil, err
	}
	if err := h.ensure(ptr + length); err != nil {
		return nil, err
	}
	data := h.mem.Data()
	out := make([]byte, length)
	copy(out, data[ptr:ptr+length])
	return out, nil
}

// readString reads a guest-supplied (ptr, len) pair out of the real wasm
// linear memory and validates it as UTF-8, the same check GuestMemory's own
// ReadString applies to its shadow buffer — guest strings may legitimately
// contain any valid UTF-8, not just ASCII.
func (h *hostMemory) readString(gm *GuestMemory, ptr, length uint64) (string, error) {
	b, err := h.read(gm, ptr, length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errs.New(errs.BadString, "invalid utf-8 from guest")
	}
	return string(b), nil
}

func (h *hostMemory) write(gm *GuestMemory, ptr uint64, value []byte) error {
	if err := gm.checkBounds(ptr, uint64(len(value))); err != nil {
		return err
	}
	if err := h.ensure(ptr + uint64(len(value))); err != nil {
		return err
	}
	copy(h.mem.Data()[ptr:], value)
	return nil
}

// writeResult bump-allocates space in guest memory for data and writes it,
// returning the pointer for the caller to pack into its host-call result.
func (h *hostMemory) writeResult(env *Environment, data []byte) (uint64, error) {
	ptr, err := env.MemAlloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := h.write(env.Memory, ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}

func i32s(n int) []wasmer.ValueKind {
	out := make([]wasmer.ValueKind, n)
	for i := range out {
		out[i] = wasmer.ValueKind(wasmer.I32)
	}
	return out
}

// registerHost builds the closed host import object implementing every
// HostCall in abi.go. Each closure's Go return error, if non-nil, traps the
// wasm call and propagates back to the Invoke caller as the entrypoint
// function's error — wasmer-go's standard host-trap path.
func registerHost(store *wasmer.Store, env *Environment, hm *hostMemory) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	fnLog := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(3)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			level, ptr, length := args[0].I32(), args[1].I32(), args[2].I32()
			msg, err := hm.readString(env.Memory, uint64(ptr), uint64(length))
			if err != nil {
				return nil, err
			}
			if err := env.Log(LogLevel(level), msg); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	fnChargeBlock := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := env.ChargeBlock(); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	fnCallerDID := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i32s(2)...)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			did, err := env.CallerDIDValue()
			if err != nil {
				return nil, err
			}
			ptr, err := hm.writeResult(env, []byte(did))
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(int32(ptr)), wasmer.NewI32(int32(len(did)))}, nil
		})

	fnCallerScope := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i32s(2)...)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			scope, err := env.CallerScopeValue()
			if err != nil {
				return nil, err
			}
			ptr, err := hm.writeResult(env, []byte(scope))
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(int32(ptr)), wasmer.NewI32(int32(len(scope)))}, nil
		})

	fnVerifySignature := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(6)...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			didPtr, didLen := args[0].I32(), args[1].I32()
			msgPtr, msgLen := args[2].I32(), args[3].I32()
			sigPtr, sigLen := args[4].I32(), args[5].I32()
			didBytes, err := hm.read(env.Memory, uint64(didPtr), uint64(didLen))
			if err != nil {
				return nil, err
			}
			msg, err := hm.read(env.Memory, uint64(msgPtr), uint64(msgLen))
			if err != nil {
				return nil, err
			}
			sig, err := hm.read(env.Memory, uint64(sigPtr), uint64(sigLen))
			if err != nil {
				return nil, err
			}
			ok, err := env.VerifySignature(identity.DID(didBytes), msg, sig)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(boolToI32(ok))}, nil
		})

	fnStorageGet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(2)...), wasmer.NewValueTypes(i32s(3)...)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen := args[0].I32(), args[1].I32()
			key, err := hm.read(env.Memory, uint64(keyPtr), uint64(keyLen))
			if err != nil {
				return nil, err
			}
			val, ok, err := env.StorageGet(key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return []wasmer.Value{wasmer.NewI32(0), wasmer.NewI32(0), wasmer.NewI32(0)}, nil
			}
			ptr, err := hm.writeResult(env, val)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(1), wasmer.NewI32(int32(ptr)), wasmer.NewI32(int32(len(val)))}, nil
		})

	fnStoragePut := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(4)...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen := args[0].I32(), args[1].I32()
			valPtr, valLen := args[2].I32(), args[3].I32()
			key, err := hm.read(env.Memory, uint64(keyPtr), uint64(keyLen))
			if err != nil {
				return nil, err
			}
			val, err := hm.read(env.Memory, uint64(valPtr), uint64(valLen))
			if err != nil {
				return nil, err
			}
			if err := env.StoragePut(key, val); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	fnBlobPut := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(2)...), wasmer.NewValueTypes(i32s(2)...)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			data, err := hm.read(env.Memory, uint64(ptr), uint64(length))
			if err != nil {
				return nil, err
			}
			cid, err := env.BlobPut(data)
			if err != nil {
				return nil, err
			}
			cidBytes := cid.Bytes()
			outPtr, err := hm.writeResult(env, cidBytes)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(int32(outPtr)), wasmer.NewI32(int32(len(cidBytes)))}, nil
		})

	fnBlobGet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32s(2)...), wasmer.NewValueTypes(i32s(3)...)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			cidBytes, err := hm.read(env.Memory, uint64(ptr), uint64(length))
			if err != nil {
				return nil, err
			}
			cid, decErr := codec.ParseCID(string(cidBytes))
			if decErr != nil {
				return nil, errs.Wrap(errs.MalformedEncoding, "blob_get cid", decErr)
			}
			data, ok, err := env.BlobGet(cid)
			if err != nil {
				return nil, err
			}
			if !ok {
				return []wasmer.Value{wasmer.NewI32(0), wasmer.NewI32(0), wasmer.NewI32(0)}, nil
			}
			outPtr, err := hm.writeResult(env, data)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(1), wasmer.NewI32(int32(outPtr)), wasmer.NewI32(int32(len(data)))}, nil
		})

	fnCheckResource := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(append(i32s(2), wasmer.ValueKind(wasmer.I64))...), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			tokPtr, tokLen, amount := args[0].I32(), args[1].I32(), args[2].I64()
			tok, err := hm.read(env.Memory, uint64(tokPtr), uint64(tokLen))
			if err != nil {
				return nil, err
			}
			ok, err := env.CheckResource(env.CallerDID, string(tok), env.CallerScope, uint64(amount))
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(boolToI32(ok))}, nil
		})

	fnRecordResource := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(append(i32s(2), wasmer.ValueKind(wasmer.I64))...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			tokPtr, tokLen, amount := args[0].I32(), args[1].I32(), args[2].I64()
			tok, err := hm.read(env.Memory, uint64(tokPtr), uint64(tokLen))
			if err != nil {
				return nil, err
			}
			if err := env.RecordResource(env.CallerDID, string(tok), env.CallerScope, amount); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	fnBudgetAllocate := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(append(i32s(4), wasmer.ValueKind(wasmer.I64))...), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			propPtr, propLen := args[0].I32(), args[1].I32()
			tokPtr, tokLen := args[2].I32(), args[3].I32()
			amount := args[4].I64()
			prop, err := hm.read(env.Memory, uint64(propPtr), uint64(propLen))
			if err != nil {
				return nil, err
			}
			tok, err := hm.read(env.Memory, uint64(tokPtr), uint64(tokLen))
			if err != nil {
				return nil, err
			}
			if err := env.BudgetAllocate(string(prop), string(tok), env.CallerScope, uint64(amount)); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	fnAnchor := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(append([]wasmer.ValueKind{wasmer.ValueKind(wasmer.I32)}, i32s(4)...)...), wasmer.NewValueTypes(i32s(2)...)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			kind := uint8(args[0].I32())
			tagPtr, tagLen := args[1].I32(), args[2].I32()
			dataPtr, dataLen := args[3].I32(), args[4].I32()
			tag, err := hm.read(env.Memory, uint64(tagPtr), uint64(tagLen))
			if err != nil {
				return nil, err
			}
			data, err := hm.read(env.Memory, uint64(dataPtr), uint64(dataLen))
			if err != nil {
				return nil, err
			}
			if err := env.AnchorCall(kind, string(tag), data, nil); err != nil {
				return nil, err
			}
			// the provisional CID is not known until commit; the guest
			// receives a zero-value placeholder and must treat anchor() as
			// fire-and-forget within a single invocation, matching the
			// buffer-then-commit contract.
			placeholder := codec.CID{}.Bytes()
			outPtr, err := hm.writeResult(env, placeholder)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(int32(outPtr)), wasmer.NewI32(int32(len(placeholder)))}, nil
		})

	fnMemAlloc := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			size := uint64(args[0].I32())
			ptr, err := env.MemAlloc(size)
			if err != nil {
				return nil, err
			}
			if err := hm.ensure(ptr + size); err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(int32(ptr))}, nil
		})

	fnMemFree := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := env.MemFree(uint64(args[0].I32())); err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"log":              fnLog,
		"caller_did":       fnCallerDID,
		"caller_scope":     fnCallerScope,
		"verify_signature": fnVerifySignature,
		"storage_get":      fnStorageGet,
		"storage_put":      fnStoragePut,
		"blob_put":         fnBlobPut,
		"blob_get":         fnBlobGet,
		"check_resource":   fnCheckResource,
		"record_resource":  fnRecordResource,
		"budget_allocate":  fnBudgetAllocate,
		"anchor":           fnAnchor,
		"mem_alloc":        fnMemAlloc,
		"mem_free":         fnMemFree,
		"charge_block":     fnChargeBlock,
	})

	return imports
}

func boolToI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Invoke compiles moduleBytes, wires the host ABI against env, writes
// req.Args into guest memory, calls req.Entrypoint, and returns a signed
// Receipt. Invoke itself never returns a Go error for a guest-side
// failure: every trap is captured as Outcome.Failed in the receipt, which
// is always produced and signed — only a host-side setup failure (e.g. the
// signer's own secret is malformed) is a Go error.
func (e *Engine) Invoke(moduleBytes []byte, req InvocationRequest, env *Environment, trigger codec.CID, signerDID identity.DID, signerSecret identity.Secret, now time.Time) (Receipt, error) {
	inputHash := req.InputHash()

	receipt := Receipt{InvocationInputHash: inputHash, WallClock: now.UTC(), Signer: signerDID}

	fail := func(reason TrapReason) (Receipt, error) {
		env.Abort()
		receipt.Outcome = Outcome{OK: false, Reason: reason}
		receipt.ConsumedFuel = env.Fuel.Consumed()
		receipt.ConsumedMemoryPeak = env.MemoryPeak()
		sig, err := identity.Sign(signerSecret, receipt.SigningBytes())
		if err != nil {
			return Receipt{}, errs.Wrap(errs.InternalError, "sign failed receipt", err)
		}
		receipt.Signature = sig
		return receipt, nil
	}

	store := wasmer.NewStore(e.wasm)
	module, err := wasmer.NewModule(store, moduleBytes)
	if err != nil {
		return fail(TrapInternalError)
	}

	hm := &hostMemory{}
	imports := registerHost(store, env, hm)

	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return fail(TrapInternalError)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return fail(TrapMissingDependency)
	}
	hm.mem = mem

	entry, err := instance.Exports.GetFunction(req.Entrypoint)
	if err != nil {
		return fail(TrapMissingDependency)
	}

	argPtr, err := hm.writeResult(env, req.Args)
	if err != nil {
		return fail(trapReasonFromErr(err))
	}

	result, callErr := entry(int32(argPtr), int32(len(req.Args)))
	if callErr != nil {
		return fail(trapReasonFromErr(callErr))
	}

	packed, ok := result.(int64)
	if !ok {
		return fail(TrapInternalError)
	}
	resPtr := uint64(uint32(packed >> 32))
	resLen := uint64(uint32(packed))
	returnData, err := hm.read(env.Memory, resPtr, resLen)
	if err != nil {
		return fail(trapReasonFromErr(err))
	}

	written, commitErr := env.Commit(trigger, signerDID, now)
	if commitErr != nil {
		return fail(TrapInternalError)
	}

	receipt.Outcome = Outcome{OK: true, ReturnData: returnData}
	receipt.ConsumedFuel = env.Fuel.Consumed()
	receipt.ConsumedMemoryPeak = env.MemoryPeak()
	receipt.WrittenCIDs = written
	receipt.ResourceDeltas = env.ResourceDeltas()

	sig, err := identity.Sign(signerSecret, receipt.SigningBytes())
	if err != nil {
		return Receipt{}, errs.Wrap(errs.InternalError, "sign receipt", err)
	}
	receipt.Signature = sig
	return receipt, nil
}
