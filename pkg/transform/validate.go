package transform

import (
	"errors"
	"fmt"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// Validation errors.
var (
	ErrReservedName   = errors.New("reserved package name")
	ErrNativeMethod   = errors.New("native method")
	ErrDisallowedOp   = errors.New("disallowed opcode")
	ErrUnsupported    = errors.New("unsupported construct")
	ErrMalformedClass = errors.New("malformed class")
)

// Validate rejects a user class the VM will not execute: classes claiming
// VM-owned namespaces, native methods, disallowed or unknown opcodes, and
// structurally broken code or constants. It runs on the raw deployed form,
// before any rewriting.
func Validate(c *classfile.Class) error {
	if avm.IsReservedType(c.Name) || avm.IsHostType(c.Name) {
		return fmt.Errorf("%w: %s", ErrReservedName, c.Name)
	}

	for i := range c.Methods {
		m := &c.Methods[i]
		if m.Flags&classfile.FlagNative != 0 {
			return fmt.Errorf("%w: %s.%s", ErrNativeMethod, c.Name, m.Name)
		}
		if err := validateCode(c, m); err != nil {
			return err
		}
	}

	for _, k := range c.Constants {
		if k.Tag == classfile.ConstType && len(k.Value) > 0 && k.Value[0] == '[' {
			// Array type constants would need a wrapper identity; nothing
			// in the deployment path produces them.
			return fmt.Errorf("%w: array type constant %q", ErrUnsupported, k.Value)
		}
	}
	return nil
}

func validateCode(c *classfile.Class, m *classfile.Method) error {
	if m.Flags&classfile.FlagAbstract != 0 {
		if len(m.Code) != 0 {
			return fmt.Errorf("%w: abstract method %s.%s has code", ErrMalformedClass, c.Name, m.Name)
		}
		return nil
	}

	insns, err := decodeRejectingBanned(m.Code)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", c.Name, m.Name, err)
	}

	// Constant operands must resolve and have the tag the opcode expects.
	for _, in := range insns {
		switch in.Op {
		case classfile.OpLdc:
			k, err := c.Constant(in.U16())
			if err != nil {
				return err
			}
			if k.Tag != classfile.ConstUTF8 && k.Tag != classfile.ConstType {
				return fmt.Errorf("%w: ldc of tag %d", ErrMalformedClass, k.Tag)
			}
		case classfile.OpNew, classfile.OpANewArray, classfile.OpCheckCast, classfile.OpInstanceOf:
			k, err := c.Constant(in.U16())
			if err != nil {
				return err
			}
			if k.Tag != classfile.ConstType {
				return fmt.Errorf("%w: %s of tag %d", ErrMalformedClass, classfile.OpName(in.Op), k.Tag)
			}
		case classfile.OpGetField, classfile.OpPutField, classfile.OpGetStatic, classfile.OpPutStatic:
			k, err := c.Constant(in.U16())
			if err != nil {
				return err
			}
			if k.Tag != classfile.ConstFieldRef {
				return fmt.Errorf("%w: %s of tag %d", ErrMalformedClass, classfile.OpName(in.Op), k.Tag)
			}
			if _, err := classfile.ParseFieldRef(k.Value); err != nil {
				return err
			}
		case classfile.OpInvokeStatic, classfile.OpInvokeVirtual, classfile.OpInvokeSpecial:
			k, err := c.Constant(in.U16())
			if err != nil {
				return err
			}
			if k.Tag != classfile.ConstMethodRef {
				return fmt.Errorf("%w: %s of tag %d", ErrMalformedClass, classfile.OpName(in.Op), k.Tag)
			}
			ref, err := classfile.ParseMethodRef(k.Value)
			if err != nil {
				return err
			}
			if avm.IsReservedType(ref.Owner) {
				return fmt.Errorf("%w: call into %s", ErrReservedName, ref.Owner)
			}
		}
	}

	// Handler ranges must cover instruction boundaries.
	boundaries := make(map[int]bool, len(insns)+1)
	for _, in := range insns {
		boundaries[in.PC] = true
	}
	boundaries[len(m.Code)] = true
	for _, h := range m.Handlers {
		if !boundaries[int(h.StartPC)] || !boundaries[int(h.EndPC)] || !boundaries[int(h.HandlerPC)] ||
			h.StartPC >= h.EndPC || int(h.HandlerPC) == len(m.Code) {
			return fmt.Errorf("%w: bad handler range in %s.%s", ErrMalformedClass, c.Name, m.Name)
		}
		if h.CatchType != 0 {
			k, err := c.Constant(h.CatchType)
			if err != nil {
				return err
			}
			if k.Tag != classfile.ConstType {
				return fmt.Errorf("%w: handler catch type tag %d", ErrMalformedClass, k.Tag)
			}
		}
	}
	return nil
}

// decodeRejectingBanned decodes code, naming banned opcodes explicitly.
func decodeRejectingBanned(code []byte) ([]classfile.Instruction, error) {
	pc := 0
	for pc < len(code) {
		op := code[pc]
		if name, banned := classfile.BannedOpName(op); banned {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedOp, name)
		}
		width, ok := classfile.OperandWidth(op)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedOp, classfile.OpName(op))
		}
		pc += 1 + width
	}
	return classfile.Decode(code)
}
