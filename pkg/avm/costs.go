// Package avm defines the execution budget of the virtual machine: the
// energy cost tables, the per-task helper that meters every observable
// action, and the control-flow error kinds that terminate a call.
package avm

import "github.com/rleor/avm/pkg/classfile"

// Energy cost constants for bytecode execution.
// The per-opcode vector is summed per basic block by the metering pass.
const (
	// Base costs
	EnergySimpleOp  = uint64(1)  // ALU, stack and local slot traffic
	EnergyMulOp     = uint64(4)  // Multiplication
	EnergyDivOp     = uint64(12) // Division/modulo
	EnergyBranchOp  = uint64(2)  // Conditional and unconditional jumps
	EnergyFieldOp   = uint64(5)  // getfield/putfield/getstatic/putstatic
	EnergyInvokeOp  = uint64(10) // Method invocation
	EnergyAllocBase = uint64(32) // new/newarray/anewarray base
	EnergyThrowOp   = uint64(20) // athrow
	EnergyLdcOp     = uint64(3)  // Constant pool loads

	// Allocation size charge: per byte of computed object size.
	EnergyAllocPerByte = uint64(1)

	// Object size model: header plus per-slot footprint.
	ObjectHeaderSize  = uint64(16)
	ArrayHeaderSize   = uint64(20)
	ReferenceSlotSize = uint64(8)
)

// Storage fee constants, debited through the fee processor during
// serialization and deserialization.
const (
	FeeFieldRead   = uint64(2)
	FeeFieldWrite  = uint64(3)
	FeeStubCreate  = uint64(10)
	FeePayloadByte = uint64(1)
)

// Runtime bridge operation costs.
const (
	FeeBridgeBase  = uint64(100)   // Any bridge call
	FeeHashPerByte = uint64(1)     // sha256/blake2b/keccak256 input
	FeeLogBase     = uint64(375)   // log() base
	FeeLogPerByte  = uint64(8)     // log() payload
	FeeStoragePut  = uint64(5_000) // putStorage
	FeeStorageGet  = uint64(200)   // getStorage
	FeeNestedCall  = uint64(1_000) // call/create dispatch
)

// Execution ceilings.
const (
	// StackDepthMax is the per-task frame ceiling enforced at method entry.
	StackDepthMax = 32

	// CallDepthMax is the nested-call ceiling enforced by the bridge.
	CallDepthMax = 10
)

// OpcodeCost returns the static energy cost of one opcode. The metering
// pass sums this vector over each basic block.
func OpcodeCost(op uint8) uint64 {
	switch op {
	case classfile.OpIMul, classfile.OpLMul:
		return EnergyMulOp
	case classfile.OpIDiv, classfile.OpIRem, classfile.OpLDiv, classfile.OpLRem:
		return EnergyDivOp
	case classfile.OpGetField, classfile.OpPutField, classfile.OpGetStatic, classfile.OpPutStatic:
		return EnergyFieldOp
	case classfile.OpInvokeStatic, classfile.OpInvokeVirtual, classfile.OpInvokeSpecial:
		return EnergyInvokeOp
	case classfile.OpNew, classfile.OpNewArray, classfile.OpANewArray:
		return EnergyAllocBase
	case classfile.OpAThrow:
		return EnergyThrowOp
	case classfile.OpLdc:
		return EnergyLdcOp
	default:
		if classfile.IsBranch(op) {
			return EnergyBranchOp
		}
		return EnergySimpleOp
	}
}
