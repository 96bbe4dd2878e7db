package interp

import (
	"fmt"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// Machine executes methods of one loaded universe against a per-task
// helper and a runtime bridge. One machine serves one transaction task.
type Machine struct {
	Universe *Universe
	Helper   *avm.Helper
	Bridge   Bridge
}

// NewMachine creates an execution machine.
func NewMachine(u *Universe, h *avm.Helper, b Bridge) *Machine {
	return &Machine{Universe: u, Helper: h, Bridge: b}
}

// thrown carries a user throwable up the frame stack. It is converted to
// avm.UserThrow at the outermost Invoke boundary; VM control-flow errors
// pass through frames without ever matching a handler.
type thrown struct {
	obj *Object
}

func (t *thrown) Error() string {
	return "user throwable: " + t.obj.String()
}

// Invoke runs a resolved method with the given arguments. The error is
// either a control-flow kind from pkg/avm, an avm.UserThrow for an escaped
// user throwable, or a VM failure.
func (m *Machine) Invoke(mi *MethodInfo, args []Value) (Value, error) {
	ret, err := m.runMethod(mi, args)
	if t, ok := err.(*thrown); ok {
		return Value{}, &avm.UserThrow{Thrown: t.obj, Message: describeThrowable(t.obj)}
	}
	return ret, err
}

// InvokeStatic resolves and runs a static method by name and descriptor.
func (m *Machine) InvokeStatic(class, name, descriptor string, args []Value) (Value, error) {
	c, err := m.Universe.Class(class)
	if err != nil {
		return Value{}, err
	}
	mi := c.ResolveMethod(name, descriptor)
	if mi == nil {
		return Value{}, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, class, name, descriptor)
	}
	return m.Invoke(mi, args)
}

// describeThrowable renders a throwable for the transaction result.
func describeThrowable(obj *Object) string {
	if obj == nil {
		return "null"
	}
	if slot, ok := obj.Class.FieldSlot("message"); ok {
		if msg := obj.Fields[slot].Ref; msg != nil && msg.IsString() {
			return obj.Class.Name + ": " + msg.Str
		}
	}
	return obj.Class.Name
}

// frame is one method activation.
type frame struct {
	mi     *MethodInfo
	locals []Value
	stack  []Value

	// frameBalance counts enterFrame charges not yet matched by exitFrame,
	// so an unwinding error releases exactly the depth this frame holds.
	frameBalance int
}

func (f *frame) push(v Value)      { f.stack = append(f.stack, v) }
func (f *frame) pushI(v int64)     { f.stack = append(f.stack, IntValue(v)) }
func (f *frame) pushRef(o *Object) { f.stack = append(f.stack, RefValue(o)) }

func (f *frame) pop() (Value, error) {
	if len(f.stack) == 0 {
		return Value{}, ErrStackUnderflow
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

func (f *frame) popN(n int) ([]Value, error) {
	if len(f.stack) < n {
		return nil, ErrStackUnderflow
	}
	out := f.stack[len(f.stack)-n:]
	f.stack = f.stack[:len(f.stack)-n]
	return out, nil
}

// runMethod executes one method body to completion.
func (m *Machine) runMethod(mi *MethodInfo, args []Value) (ret Value, err error) {
	if mi.Abstract {
		return Value{}, fmt.Errorf("%w: %s.%s", ErrAbstractCall, mi.Class.Name, mi.Def.Name)
	}

	nLocals := int(mi.Def.MaxLocals)
	if nLocals < len(args) {
		nLocals = len(args)
	}
	f := &frame{mi: mi, locals: make([]Value, nLocals)}
	copy(f.locals, args)

	defer func() {
		for ; f.frameBalance > 0; f.frameBalance-- {
			m.Helper.ExitFrame()
		}
	}()

	idx := 0
	for idx >= 0 && idx < len(mi.Insns) {
		in := mi.Insns[idx]
		next := idx + 1

		switch in.Op {
		case classfile.OpNop:

		case classfile.OpAConstNull:
			f.pushRef(nil)
		case classfile.OpIConst:
			f.pushI(int64(in.I32()))
		case classfile.OpLConst:
			f.pushI(in.I64())
		case classfile.OpLdc:
			if err := m.execLdc(f, in); err != nil {
				return Value{}, err
			}

		case classfile.OpILoad, classfile.OpLLoad, classfile.OpALoad:
			slot := int(in.Operand[0])
			if slot >= len(f.locals) {
				return Value{}, fmt.Errorf("%w: local %d", classfile.ErrBadCode, slot)
			}
			f.push(f.locals[slot])
		case classfile.OpIStore, classfile.OpLStore, classfile.OpAStore:
			slot := int(in.Operand[0])
			if slot >= len(f.locals) {
				return Value{}, fmt.Errorf("%w: local %d", classfile.ErrBadCode, slot)
			}
			v, err := f.pop()
			if err != nil {
				return Value{}, err
			}
			f.locals[slot] = v

		case classfile.OpPop:
			if _, err := f.pop(); err != nil {
				return Value{}, err
			}
		case classfile.OpDup:
			v, err := f.pop()
			if err != nil {
				return Value{}, err
			}
			f.push(v)
			f.push(v)
		case classfile.OpSwap:
			vals, err := f.popN(2)
			if err != nil {
				return Value{}, err
			}
			f.push(vals[1])
			f.push(vals[0])

		case classfile.OpIAdd, classfile.OpISub, classfile.OpIMul, classfile.OpIDiv,
			classfile.OpIRem, classfile.OpIAnd, classfile.OpIOr, classfile.OpIXor,
			classfile.OpIShl, classfile.OpIShr, classfile.OpIUshr:
			if err := execIntALU(f, in.Op); err != nil {
				return Value{}, err
			}
		case classfile.OpINeg:
			v, err := f.pop()
			if err != nil {
				return Value{}, err
			}
			f.pushI(int64(-int32(v.I)))

		case classfile.OpLAdd, classfile.OpLSub, classfile.OpLMul, classfile.OpLDiv,
			classfile.OpLRem, classfile.OpLAnd, classfile.OpLOr, classfile.OpLXor,
			classfile.OpLShl, classfile.OpLShr, classfile.OpLUshr:
			if err := execLongALU(f, in.Op); err != nil {
				return Value{}, err
			}
		case classfile.OpLNeg:
			v, err := f.pop()
			if err != nil {
				return Value{}, err
			}
			f.pushI(-v.I)
		case classfile.OpI2L:
			v, err := f.pop()
			if err != nil {
				return Value{}, err
			}
			f.pushI(int64(int32(v.I)))
		case classfile.OpL2I:
			v, err := f.pop()
			if err != nil {
				return Value{}, err
			}
			f.pushI(int64(int32(v.I)))
		case classfile.OpLCmp:
			vals, err := f.popN(2)
			if err != nil {
				return Value{}, err
			}
			switch {
			case vals[0].I < vals[1].I:
				f.pushI(-1)
			case vals[0].I > vals[1].I:
				f.pushI(1)
			default:
				f.pushI(0)
			}

		case classfile.OpGoto:
			target, ok := mi.IndexAt[in.PC+int(in.S16())]
			if !ok {
				return Value{}, fmt.Errorf("%w: branch target", classfile.ErrBadCode)
			}
			next = target
		default:
			taken, handled, err := m.execBranchOrComplex(f, mi, in, &next, &ret)
			if err != nil {
				// A user throwable may be caught by a handler of this frame.
				if t, ok := err.(*thrown); ok {
					if hidx, ok2 := m.findHandler(mi, in.PC, t.obj); ok2 {
						f.stack = f.stack[:0]
						f.pushRef(t.obj)
						idx = hidx
						continue
					}
				}
				return Value{}, err
			}
			if handled && taken == returnSignal {
				return ret, nil
			}
		}
		idx = next
	}
	return Value{}, nil
}

// returnSignal marks a return instruction inside execBranchOrComplex.
const returnSignal = -2

// execBranchOrComplex executes conditional branches, member access,
// invocations, allocation, array traffic, casts, throw and return.
func (m *Machine) execBranchOrComplex(f *frame, mi *MethodInfo, in classfile.Instruction, next *int, ret *Value) (int, bool, error) {
	branchTo := func() (int, error) {
		target, ok := mi.IndexAt[in.PC+int(in.S16())]
		if !ok {
			return 0, fmt.Errorf("%w: branch target", classfile.ErrBadCode)
		}
		return target, nil
	}

	switch in.Op {
	case classfile.OpIfEq, classfile.OpIfNe, classfile.OpIfLt,
		classfile.OpIfGe, classfile.OpIfGt, classfile.OpIfLe:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		a := int32(v.I)
		take := false
		switch in.Op {
		case classfile.OpIfEq:
			take = a == 0
		case classfile.OpIfNe:
			take = a != 0
		case classfile.OpIfLt:
			take = a < 0
		case classfile.OpIfGe:
			take = a >= 0
		case classfile.OpIfGt:
			take = a > 0
		case classfile.OpIfLe:
			take = a <= 0
		}
		if take {
			target, err := branchTo()
			if err != nil {
				return 0, false, err
			}
			*next = target
		}
		return 0, true, nil

	case classfile.OpIfICmpEq, classfile.OpIfICmpNe, classfile.OpIfICmpLt,
		classfile.OpIfICmpGe, classfile.OpIfICmpGt, classfile.OpIfICmpLe:
		vals, err := f.popN(2)
		if err != nil {
			return 0, false, err
		}
		a, b := int32(vals[0].I), int32(vals[1].I)
		take := false
		switch in.Op {
		case classfile.OpIfICmpEq:
			take = a == b
		case classfile.OpIfICmpNe:
			take = a != b
		case classfile.OpIfICmpLt:
			take = a < b
		case classfile.OpIfICmpGe:
			take = a >= b
		case classfile.OpIfICmpGt:
			take = a > b
		case classfile.OpIfICmpLe:
			take = a <= b
		}
		if take {
			target, err := branchTo()
			if err != nil {
				return 0, false, err
			}
			*next = target
		}
		return 0, true, nil

	case classfile.OpIfNull, classfile.OpIfNonNull:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		take := (v.Ref == nil) == (in.Op == classfile.OpIfNull)
		if take {
			target, err := branchTo()
			if err != nil {
				return 0, false, err
			}
			*next = target
		}
		return 0, true, nil

	case classfile.OpIfACmpEq, classfile.OpIfACmpNe:
		vals, err := f.popN(2)
		if err != nil {
			return 0, false, err
		}
		take := (vals[0].Ref == vals[1].Ref) == (in.Op == classfile.OpIfACmpEq)
		if take {
			target, err := branchTo()
			if err != nil {
				return 0, false, err
			}
			*next = target
		}
		return 0, true, nil

	case classfile.OpNew:
		return 0, true, m.execNew(f, in)
	case classfile.OpGetField, classfile.OpPutField:
		return 0, true, m.execInstanceField(f, in)
	case classfile.OpGetStatic, classfile.OpPutStatic:
		return 0, true, m.execStaticField(f, in)
	case classfile.OpInvokeStatic, classfile.OpInvokeVirtual, classfile.OpInvokeSpecial:
		return 0, true, m.execInvoke(f, in)
	case classfile.OpCheckCast, classfile.OpInstanceOf:
		return 0, true, m.execCast(f, in)

	case classfile.OpNewArray:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		wrapper, ok := avm.ArrayWrapperByLetter[in.Operand[0]]
		if !ok {
			return 0, false, fmt.Errorf("%w: newarray kind %q", classfile.ErrBadCode, string(in.Operand[0]))
		}
		obj, err := m.allocArray(wrapper, int32(v.I))
		if err != nil {
			return 0, false, err
		}
		f.pushRef(obj)
		return 0, true, nil
	case classfile.OpANewArray:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		obj, err := m.allocArray(avm.ObjectArrayClass, int32(v.I))
		if err != nil {
			return 0, false, err
		}
		f.pushRef(obj)
		return 0, true, nil
	case classfile.OpArrayLength:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		if v.Ref == nil {
			return 0, false, ErrNullReference
		}
		if err := v.Ref.LazyLoad(); err != nil {
			return 0, false, err
		}
		f.pushI(int64(len(v.Ref.Elems)))
		return 0, true, nil

	case classfile.OpIALoad, classfile.OpAALoad, classfile.OpBALoad, classfile.OpLALoad:
		vals, err := f.popN(2)
		if err != nil {
			return 0, false, err
		}
		arr, index := vals[0].Ref, int32(vals[1].I)
		if arr == nil {
			return 0, false, ErrNullReference
		}
		if err := arr.LazyLoad(); err != nil {
			return 0, false, err
		}
		if index < 0 || int(index) >= len(arr.Elems) {
			return 0, false, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, index, len(arr.Elems))
		}
		f.push(arr.Elems[index])
		return 0, true, nil
	case classfile.OpIAStore, classfile.OpAAStore, classfile.OpBAStore, classfile.OpLAStore:
		vals, err := f.popN(3)
		if err != nil {
			return 0, false, err
		}
		arr, index, v := vals[0].Ref, int32(vals[1].I), vals[2]
		if arr == nil {
			return 0, false, ErrNullReference
		}
		if err := arr.LazyLoad(); err != nil {
			return 0, false, err
		}
		if index < 0 || int(index) >= len(arr.Elems) {
			return 0, false, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, index, len(arr.Elems))
		}
		arr.Elems[index] = v
		return 0, true, nil

	case classfile.OpAThrow:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		if v.Ref == nil {
			return 0, false, ErrNullReference
		}
		return 0, false, &thrown{obj: v.Ref}

	case classfile.OpReturn:
		*ret = Value{}
		return returnSignal, true, nil
	case classfile.OpIReturn, classfile.OpLReturn, classfile.OpAReturn:
		v, err := f.pop()
		if err != nil {
			return 0, false, err
		}
		*ret = v
		return returnSignal, true, nil
	}

	return 0, false, fmt.Errorf("%w: %s", classfile.ErrBadCode, classfile.OpName(in.Op))
}

// findHandler locates a handler of mi covering pc that catches obj.
func (m *Machine) findHandler(mi *MethodInfo, pc int, obj *Object) (int, bool) {
	for _, h := range mi.Def.Handlers {
		if pc < int(h.StartPC) || pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType != 0 {
			k, err := mi.Class.File.Constant(h.CatchType)
			if err != nil {
				continue
			}
			target, err := m.Universe.Class(k.Value)
			if err != nil || !obj.Class.AssignableTo(target) {
				continue
			}
		}
		if idx, ok := mi.IndexAt[int(h.HandlerPC)]; ok {
			return idx, true
		}
	}
	return 0, false
}

func (m *Machine) execLdc(f *frame, in classfile.Instruction) error {
	k, err := f.mi.Class.File.Constant(in.U16())
	if err != nil {
		return err
	}
	switch k.Tag {
	case classfile.ConstUTF8:
		f.pushRef(m.Universe.NewString(k.Value, m.Helper))
	case classfile.ConstType:
		token := m.Universe.NewInstance(m.Universe.classFor(avm.ShadowClassClass), nil,
			m.Helper.NextInstanceID(), m.Helper.NextHashCode())
		token.Str = k.Value
		f.pushRef(token)
	default:
		return fmt.Errorf("%w: ldc tag %d", classfile.ErrBadCode, k.Tag)
	}
	return nil
}

func (m *Machine) execNew(f *frame, in classfile.Instruction) error {
	k, err := f.mi.Class.File.Constant(in.U16())
	if err != nil {
		return err
	}
	c, err := m.Universe.Class(k.Value)
	if err != nil {
		return err
	}
	if c.Abstract {
		return fmt.Errorf("%w: new of abstract %s", ErrAbstractCall, c.Name)
	}
	f.pushRef(m.Universe.NewInstance(c, nil, m.Helper.NextInstanceID(), m.Helper.NextHashCode()))
	return nil
}

func (m *Machine) execInstanceField(f *frame, in classfile.Instruction) error {
	ref, err := m.fieldRefAt(f, in)
	if err != nil {
		return err
	}
	if in.Op == classfile.OpGetField {
		v, err := f.pop()
		if err != nil {
			return err
		}
		if v.Ref == nil {
			return fmt.Errorf("%w: getfield %s", ErrNullReference, ref.Name)
		}
		if err := v.Ref.LazyLoad(); err != nil {
			return err
		}
		slot, ok := v.Ref.Class.FieldSlot(ref.Name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrNoSuchField, v.Ref.Class.Name, ref.Name)
		}
		f.push(v.Ref.Fields[slot])
		return nil
	}
	vals, err := f.popN(2)
	if err != nil {
		return err
	}
	obj, v := vals[0].Ref, vals[1]
	if obj == nil {
		return fmt.Errorf("%w: putfield %s", ErrNullReference, ref.Name)
	}
	if err := obj.LazyLoad(); err != nil {
		return err
	}
	slot, ok := obj.Class.FieldSlot(ref.Name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchField, obj.Class.Name, ref.Name)
	}
	obj.Fields[slot] = v
	return nil
}

func (m *Machine) execStaticField(f *frame, in classfile.Instruction) error {
	ref, err := m.fieldRefAt(f, in)
	if err != nil {
		return err
	}
	owner, err := m.Universe.Class(ref.Owner)
	if err != nil {
		return err
	}
	idx, ok := owner.StaticIndex(ref.Name)
	if !ok {
		return fmt.Errorf("%w: static %s.%s", ErrNoSuchField, ref.Owner, ref.Name)
	}
	if in.Op == classfile.OpGetStatic {
		f.push(owner.StaticValues[idx])
		return nil
	}
	v, err := f.pop()
	if err != nil {
		return err
	}
	owner.StaticValues[idx] = v
	return nil
}

func (m *Machine) fieldRefAt(f *frame, in classfile.Instruction) (classfile.FieldRef, error) {
	k, err := f.mi.Class.File.Constant(in.U16())
	if err != nil {
		return classfile.FieldRef{}, err
	}
	return classfile.ParseFieldRef(k.Value)
}

func (m *Machine) execCast(f *frame, in classfile.Instruction) error {
	k, err := f.mi.Class.File.Constant(in.U16())
	if err != nil {
		return err
	}
	target, err := m.Universe.Class(k.Value)
	if err != nil {
		return err
	}
	v, err := f.pop()
	if err != nil {
		return err
	}
	if in.Op == classfile.OpInstanceOf {
		if v.Ref != nil && v.Ref.Class.AssignableTo(target) {
			f.pushI(1)
		} else {
			f.pushI(0)
		}
		return nil
	}
	if v.Ref != nil && !v.Ref.Class.AssignableTo(target) {
		return fmt.Errorf("%w: %s to %s", ErrBadCast, v.Ref.Class.Name, target.Name)
	}
	f.push(v)
	return nil
}

// execInvoke dispatches an invocation: intrinsics for VM-owned owners,
// resolved bytecode methods otherwise.
func (m *Machine) execInvoke(f *frame, in classfile.Instruction) error {
	k, err := f.mi.Class.File.Constant(in.U16())
	if err != nil {
		return err
	}
	ref, err := classfile.ParseMethodRef(k.Value)
	if err != nil {
		return err
	}
	params, retType, err := classfile.SplitMethodDescriptor(ref.Descriptor)
	if err != nil {
		return err
	}
	nArgs := len(params)
	if in.Op != classfile.OpInvokeStatic {
		nArgs++
	}
	args, err := f.popN(nArgs)
	if err != nil {
		return err
	}
	args = append([]Value(nil), args...)

	if handled, out, err := m.invokeIntrinsic(f, ref, in.Op, args); handled {
		if err != nil {
			return err
		}
		if retType != "V" {
			f.push(out)
		}
		return nil
	}

	var mi *MethodInfo
	switch in.Op {
	case classfile.OpInvokeStatic, classfile.OpInvokeSpecial:
		owner, err := m.Universe.Class(ref.Owner)
		if err != nil {
			return err
		}
		mi = owner.ResolveMethod(ref.Name, ref.Descriptor)
	case classfile.OpInvokeVirtual:
		recv := args[0].Ref
		if recv == nil {
			return fmt.Errorf("%w: invoke %s.%s", ErrNullReference, ref.Owner, ref.Name)
		}
		if err := recv.LazyLoad(); err != nil {
			return err
		}
		mi = recv.Class.ResolveMethod(ref.Name, ref.Descriptor)
	}
	if mi == nil {
		return fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, ref.Owner, ref.Name, ref.Descriptor)
	}

	out, err := m.runMethod(mi, args)
	if err != nil {
		return err
	}
	if retType != "V" {
		f.push(out)
	}
	return nil
}
