package transform

import (
	"encoding/binary"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// MeteringPass injects energy accounting:
//
//   - before each basic block, one charge equal to the summed per-opcode
//     cost of the block;
//   - before each `new`, a charge equal to the computed size of the
//     allocated class (array allocations charge at the wrapper
//     construction path, where the length is known).
//
// Block leaders are the method entry, branch targets, the instructions
// following branches and terminators, and exception handler entries.
func MeteringPass(ctx *Context, c *classfile.Class) error {
	chargeEnergy := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperChargeEnergy,
		Descriptor: "(J)V",
	}.String())
	chargeAlloc := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperChargeAlloc,
		Descriptor: "(J)V",
	}.String())

	for i := range c.Methods {
		m := &c.Methods[i]
		if m.Flags&classfile.FlagAbstract != 0 || len(m.Code) == 0 {
			continue
		}
		p, err := newPatcher(m)
		if err != nil {
			return err
		}

		leaders := blockLeaders(p.insns, m.Handlers)

		// Sum each block's cost and charge it at the leader.
		blockCost := uint64(0)
		blockStart := -1
		flush := func() {
			if blockStart >= 0 && blockCost > 0 {
				p.insertBefore(blockStart,
					lconst(int64(blockCost)),
					invokeStatic(chargeEnergy),
				)
			}
		}
		for idx, in := range p.insns {
			if leaders[idx] {
				flush()
				blockStart = idx
				blockCost = 0
			}
			blockCost += avm.OpcodeCost(in.Op)

			if in.Op == classfile.OpNew {
				k, err := c.Constant(in.U16())
				if err != nil {
					return err
				}
				if size, ok := ctx.ObjectSizes[k.Value]; ok {
					p.insertBefore(idx,
						lconst(int64(size*avm.EnergyAllocPerByte)),
						invokeStatic(chargeAlloc),
					)
				}
			}
		}
		flush()

		if err := p.apply(); err != nil {
			return err
		}
	}
	return nil
}

// blockLeaders marks the instruction indices that begin a basic block.
func blockLeaders(insns []classfile.Instruction, handlers []classfile.Handler) map[int]bool {
	indexAt := make(map[int]int, len(insns))
	for i, in := range insns {
		indexAt[in.PC] = i
	}
	leaders := map[int]bool{0: true}
	for i, in := range insns {
		if classfile.IsBranch(in.Op) {
			if target, ok := indexAt[in.PC+int(in.S16())]; ok {
				leaders[target] = true
			}
			if i+1 < len(insns) {
				leaders[i+1] = true
			}
		}
		switch in.Op {
		case classfile.OpAThrow, classfile.OpReturn, classfile.OpIReturn,
			classfile.OpLReturn, classfile.OpAReturn:
			if i+1 < len(insns) {
				leaders[i+1] = true
			}
		}
	}
	for _, h := range handlers {
		if idx, ok := indexAt[int(h.HandlerPC)]; ok {
			leaders[idx] = true
		}
	}
	return leaders
}

func lconst(v int64) classfile.Instruction {
	operand := make([]byte, 8)
	binary.BigEndian.PutUint64(operand, uint64(v))
	return classfile.Instruction{Op: classfile.OpLConst, Operand: operand}
}

func invokeStatic(constIndex uint16) classfile.Instruction {
	return classfile.Instruction{
		Op:      classfile.OpInvokeStatic,
		Operand: []byte{byte(constIndex >> 8), byte(constIndex)},
	}
}
