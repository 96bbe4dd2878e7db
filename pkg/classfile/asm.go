package classfile

import (
	"encoding/binary"
	"fmt"
)

// CodeBuilder assembles a method body. Branch targets are named labels
// resolved when the code is finished, so callers never compute offsets by
// hand.
type CodeBuilder struct {
	class  *Class
	code   []byte
	labels map[string]int
	refs   []labelRef
	errs   []error
}

type labelRef struct {
	insnPC   int // start of the branch instruction
	offsetAt int // position of the s16 offset operand
	label    string
}

// NewCodeBuilder creates a builder emitting constants into class.
func NewCodeBuilder(class *Class) *CodeBuilder {
	return &CodeBuilder{class: class, labels: make(map[string]int)}
}

// Label binds a name to the current position.
func (b *CodeBuilder) Label(name string) *CodeBuilder {
	if _, dup := b.labels[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate label %q", name))
	}
	b.labels[name] = len(b.code)
	return b
}

// PC returns the current code position.
func (b *CodeBuilder) PC() int {
	return len(b.code)
}

// Op emits a zero-operand instruction.
func (b *CodeBuilder) Op(op uint8) *CodeBuilder {
	b.code = append(b.code, op)
	return b
}

// U8 emits an instruction with a one-byte operand.
func (b *CodeBuilder) U8(op uint8, v uint8) *CodeBuilder {
	b.code = append(b.code, op, v)
	return b
}

// U16 emits an instruction with a two-byte operand.
func (b *CodeBuilder) U16(op uint8, v uint16) *CodeBuilder {
	b.code = append(b.code, op)
	b.code = binary.BigEndian.AppendUint16(b.code, v)
	return b
}

// IConst pushes a 32-bit constant.
func (b *CodeBuilder) IConst(v int32) *CodeBuilder {
	b.code = append(b.code, OpIConst)
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(v))
	return b
}

// LConst pushes a 64-bit constant.
func (b *CodeBuilder) LConst(v int64) *CodeBuilder {
	b.code = append(b.code, OpLConst)
	b.code = binary.BigEndian.AppendUint64(b.code, uint64(v))
	return b
}

// Ldc pushes a string constant.
func (b *CodeBuilder) Ldc(s string) *CodeBuilder {
	return b.U16(OpLdc, b.class.AddConstant(ConstUTF8, s))
}

// LdcType pushes a type constant.
func (b *CodeBuilder) LdcType(name string) *CodeBuilder {
	return b.U16(OpLdc, b.class.AddConstant(ConstType, name))
}

// New emits an allocation of the named class.
func (b *CodeBuilder) New(name string) *CodeBuilder {
	return b.U16(OpNew, b.class.AddConstant(ConstType, name))
}

// Field emits a field access instruction.
func (b *CodeBuilder) Field(op uint8, owner, name, desc string) *CodeBuilder {
	ref := FieldRef{Owner: owner, Name: name, Descriptor: desc}
	return b.U16(op, b.class.AddConstant(ConstFieldRef, ref.String()))
}

// Invoke emits a method invocation instruction.
func (b *CodeBuilder) Invoke(op uint8, owner, name, desc string) *CodeBuilder {
	ref := MethodRef{Owner: owner, Name: name, Descriptor: desc}
	return b.U16(op, b.class.AddConstant(ConstMethodRef, ref.String()))
}

// Branch emits a branch to a label resolved at Finish time.
func (b *CodeBuilder) Branch(op uint8, label string) *CodeBuilder {
	if !IsBranch(op) {
		b.errs = append(b.errs, fmt.Errorf("%s is not a branch", OpName(op)))
	}
	b.refs = append(b.refs, labelRef{insnPC: len(b.code), offsetAt: len(b.code) + 1, label: label})
	b.code = append(b.code, op, 0, 0)
	return b
}

// Finish resolves labels and returns the code.
func (b *CodeBuilder) Finish() ([]byte, error) {
	for _, e := range b.errs {
		return nil, e
	}
	for _, ref := range b.refs {
		target, ok := b.labels[ref.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", ref.label)
		}
		delta := target - ref.insnPC
		if delta < -32768 || delta > 32767 {
			return nil, fmt.Errorf("branch to %q out of range (%d)", ref.label, delta)
		}
		binary.BigEndian.PutUint16(b.code[ref.offsetAt:], uint16(int16(delta)))
	}
	return b.code, nil
}

// MustFinish resolves labels, panicking on builder misuse. For tests and
// generated code where a failure is a bug.
func (b *CodeBuilder) MustFinish() []byte {
	code, err := b.Finish()
	if err != nil {
		panic(err)
	}
	return code
}
