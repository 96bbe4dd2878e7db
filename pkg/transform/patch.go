package transform

import (
	"encoding/binary"
	"fmt"

	"github.com/rleor/avm/pkg/classfile"
)

// patcher splices instruction sequences into a method body, repairing
// branch offsets and the exception table. Passes queue insertions and
// replacements against decoded instruction indices, then apply once.
//
// A branch or handler whose target is an instruction with insertions lands
// on the first inserted instruction, so injected prologues (charges,
// unwrap-rethrow) are executed no matter how control reaches the site.
type patcher struct {
	method *classfile.Method
	insns  []classfile.Instruction

	inserts  map[int][]classfile.Instruction
	replaces map[int][]classfile.Instruction
}

func newPatcher(m *classfile.Method) (*patcher, error) {
	insns, err := classfile.Decode(m.Code)
	if err != nil {
		return nil, err
	}
	return &patcher{
		method:   m,
		insns:    insns,
		inserts:  make(map[int][]classfile.Instruction),
		replaces: make(map[int][]classfile.Instruction),
	}, nil
}

// insertBefore queues ins to run before the instruction at index idx.
// Multiple insertions at one index run in queue order. Inserted
// instructions must not be branches.
func (p *patcher) insertBefore(idx int, ins ...classfile.Instruction) {
	for _, in := range ins {
		if classfile.IsBranch(in.Op) {
			panic("transform: branch in inserted sequence")
		}
	}
	p.inserts[idx] = append(p.inserts[idx], ins...)
}

// replace substitutes the instruction at index idx with ins. Replacement
// instructions must not be branches.
func (p *patcher) replace(idx int, ins ...classfile.Instruction) {
	for _, in := range ins {
		if classfile.IsBranch(in.Op) {
			panic("transform: branch in replacement sequence")
		}
	}
	p.replaces[idx] = ins
}

// width returns the encoded size of a sequence.
func width(ins []classfile.Instruction) int {
	n := 0
	for _, in := range ins {
		n += in.Width()
	}
	return n
}

// apply rewrites the method code and exception table.
func (p *patcher) apply() error {
	// Index instructions by their original pc.
	indexAt := make(map[int]int, len(p.insns))
	for i, in := range p.insns {
		indexAt[in.PC] = i
	}
	oldEnd := len(p.method.Code)

	// First pass: lay out new positions. mappedPC[i] is where control
	// transferred to instruction i lands (the start of its insertions);
	// insnPC[i] is where the instruction itself begins.
	mappedPC := make([]int, len(p.insns))
	insnPC := make([]int, len(p.insns))
	pc := 0
	for i, in := range p.insns {
		mappedPC[i] = pc
		pc += width(p.inserts[i])
		insnPC[i] = pc
		if rep, ok := p.replaces[i]; ok {
			pc += width(rep)
		} else {
			pc += in.Width()
		}
	}
	// Insertions queued past the last instruction are appended.
	pc += width(p.inserts[len(p.insns)])
	newEnd := pc

	mapTarget := func(oldPC int) (int, error) {
		if oldPC == oldEnd {
			return newEnd, nil
		}
		idx, ok := indexAt[oldPC]
		if !ok {
			return 0, fmt.Errorf("%w: branch or handler into middle of instruction (pc %d)", classfile.ErrBadCode, oldPC)
		}
		return mappedPC[idx], nil
	}

	// Second pass: emit.
	out := make([]byte, 0, newEnd)
	emit := func(in classfile.Instruction) {
		out = append(out, in.Op)
		out = append(out, in.Operand...)
	}
	for i, in := range p.insns {
		for _, ins := range p.inserts[i] {
			emit(ins)
		}
		if rep, ok := p.replaces[i]; ok {
			for _, ins := range rep {
				emit(ins)
			}
			continue
		}
		if classfile.IsBranch(in.Op) {
			target, err := mapTarget(in.PC + int(in.S16()))
			if err != nil {
				return err
			}
			delta := target - insnPC[i]
			if delta < -32768 || delta > 32767 {
				return fmt.Errorf("%w: rewritten branch out of range (%d)", classfile.ErrBadCode, delta)
			}
			operand := make([]byte, 2)
			binary.BigEndian.PutUint16(operand, uint16(int16(delta)))
			emit(classfile.Instruction{Op: in.Op, Operand: operand})
			continue
		}
		emit(in)
	}
	for _, ins := range p.inserts[len(p.insns)] {
		emit(ins)
	}

	// Repair the exception table.
	for i := range p.method.Handlers {
		h := &p.method.Handlers[i]
		start, err := mapTarget(int(h.StartPC))
		if err != nil {
			return err
		}
		end, err := mapTarget(int(h.EndPC))
		if err != nil {
			return err
		}
		handler, err := mapTarget(int(h.HandlerPC))
		if err != nil {
			return err
		}
		h.StartPC = uint16(start)
		h.EndPC = uint16(end)
		h.HandlerPC = uint16(handler)
	}

	p.method.Code = out
	return nil
}
