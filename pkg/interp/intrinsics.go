package interp

import (
	"fmt"
	"strings"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

func execIntALU(f *frame, op uint8) error {
	vals, err := f.popN(2)
	if err != nil {
		return err
	}
	a, b := int32(vals[0].I), int32(vals[1].I)
	var r int32
	switch op {
	case classfile.OpIAdd:
		r = a + b
	case classfile.OpISub:
		r = a - b
	case classfile.OpIMul:
		r = a * b
	case classfile.OpIDiv:
		if b == 0 {
			return ErrDivideByZero
		}
		r = a / b
	case classfile.OpIRem:
		if b == 0 {
			return ErrDivideByZero
		}
		r = a % b
	case classfile.OpIAnd:
		r = a & b
	case classfile.OpIOr:
		r = a | b
	case classfile.OpIXor:
		r = a ^ b
	case classfile.OpIShl:
		r = a << (uint32(b) & 31)
	case classfile.OpIShr:
		r = a >> (uint32(b) & 31)
	case classfile.OpIUshr:
		r = int32(uint32(a) >> (uint32(b) & 31))
	}
	f.pushI(int64(r))
	return nil
}

func execLongALU(f *frame, op uint8) error {
	vals, err := f.popN(2)
	if err != nil {
		return err
	}
	a, b := vals[0].I, vals[1].I
	var r int64
	switch op {
	case classfile.OpLAdd:
		r = a + b
	case classfile.OpLSub:
		r = a - b
	case classfile.OpLMul:
		r = a * b
	case classfile.OpLDiv:
		if b == 0 {
			return ErrDivideByZero
		}
		r = a / b
	case classfile.OpLRem:
		if b == 0 {
			return ErrDivideByZero
		}
		r = a % b
	case classfile.OpLAnd:
		r = a & b
	case classfile.OpLOr:
		r = a | b
	case classfile.OpLXor:
		r = a ^ b
	case classfile.OpLShl:
		r = a << (uint64(b) & 63)
	case classfile.OpLShr:
		r = a >> (uint64(b) & 63)
	case classfile.OpLUshr:
		r = int64(uint64(a) >> (uint64(b) & 63))
	}
	f.pushI(r)
	return nil
}

// allocArray creates an array wrapper, charging its length-proportional
// allocation size.
func (m *Machine) allocArray(wrapperName string, length int32) (*Object, error) {
	if length < 0 {
		return nil, ErrNegativeLength
	}
	c, err := m.Universe.Class(wrapperName)
	if err != nil {
		return nil, err
	}
	elemSize := uint64(classfile.PrimitiveSize(c.ElemKind))
	if elemSize == 0 {
		elemSize = avm.ReferenceSlotSize
	}
	cost := (avm.ArrayHeaderSize + uint64(length)*elemSize) * avm.EnergyAllocPerByte
	if err := m.Helper.ChargeEnergy(cost); err != nil {
		return nil, err
	}
	return m.Universe.NewArray(c, int(length), m.Helper), nil
}

// invokeIntrinsic executes invocations on VM-owned owners: the injected
// helper, the runtime bridge, array wrappers and the shadow runtime
// classes. Returns handled=false for ordinary bytecode targets.
func (m *Machine) invokeIntrinsic(f *frame, ref classfile.MethodRef, op uint8, args []Value) (bool, Value, error) {
	switch {
	case ref.Owner == avm.HelperClass:
		out, err := m.helperIntrinsic(f, ref.Name, args)
		return true, out, err
	case ref.Owner == avm.ShadowBridgeClass || ref.Owner == avm.BridgeClass:
		out, err := m.bridgeIntrinsic(ref.Name, args)
		return true, out, err
	case avm.IsArrayWrapper(ref.Owner) || ref.Owner == avm.ArrayBaseClass:
		out, err := m.arrayIntrinsic(ref, args)
		return true, out, err
	}

	owner, err := m.Universe.Class(ref.Owner)
	if err == nil && owner.Builtin {
		out, err := m.builtinIntrinsic(ref, op, args)
		return true, out, err
	}
	return false, Value{}, nil
}

func (m *Machine) helperIntrinsic(f *frame, name string, args []Value) (Value, error) {
	switch name {
	case avm.HelperChargeEnergy, avm.HelperChargeAlloc:
		return Value{}, m.Helper.ChargeEnergy(uint64(args[0].I))
	case avm.HelperEnterFrame:
		if err := m.Helper.EnterFrame(); err != nil {
			return Value{}, err
		}
		f.frameBalance++
		return Value{}, nil
	case avm.HelperExitFrame:
		m.Helper.ExitFrame()
		if f.frameBalance > 0 {
			f.frameBalance--
		}
		return Value{}, nil
	case avm.HelperWrapString, avm.HelperWrapClass:
		// ldc already pushed the shadow form; wrapping is the identity.
		return args[0], nil
	case avm.HelperUnwrapRethrow:
		// Control-flow kinds unwind as errors and never reach a handler,
		// so the caught object is always a shadow throwable already.
		return args[0], nil
	case avm.HelperWrapThrown:
		return m.wrapThrown(args[0])
	}
	return Value{}, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, avm.HelperClass, name)
}

// wrapThrown boxes a thrown object into its shadow throwable form. Shadow
// throwables pass through; anything else is wrapped into a shadow
// exception carrying the original's class name.
func (m *Machine) wrapThrown(v Value) (Value, error) {
	obj := v.Ref
	if obj == nil {
		return Value{}, ErrNullReference
	}
	throwable := m.Universe.classFor(avm.ShadowThrowableClass)
	if obj.Class.AssignableTo(throwable) {
		return v, nil
	}
	boxed := m.Universe.NewInstance(m.Universe.classFor(avm.ShadowExceptionClass), nil,
		m.Helper.NextInstanceID(), m.Helper.NextHashCode())
	slot, _ := boxed.Class.FieldSlot("message")
	boxed.Fields[slot] = RefValue(m.Universe.NewString(obj.Class.Name, m.Helper))
	return RefValue(boxed), nil
}

func (m *Machine) arrayIntrinsic(ref classfile.MethodRef, args []Value) (Value, error) {
	if ref.Name == "init" {
		obj, err := m.allocArray(ref.Owner, int32(args[0].I))
		if err != nil {
			return Value{}, err
		}
		return RefValue(obj), nil
	}

	recv := args[0].Ref
	if recv == nil {
		return Value{}, fmt.Errorf("%w: %s.%s", ErrNullReference, ref.Owner, ref.Name)
	}
	if err := recv.LazyLoad(); err != nil {
		return Value{}, err
	}
	switch ref.Name {
	case "length":
		return IntValue(int64(len(recv.Elems))), nil
	case "get":
		index := int32(args[1].I)
		if index < 0 || int(index) >= len(recv.Elems) {
			return Value{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, index, len(recv.Elems))
		}
		return recv.Elems[index], nil
	case "set":
		index := int32(args[1].I)
		if index < 0 || int(index) >= len(recv.Elems) {
			return Value{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, index, len(recv.Elems))
		}
		recv.Elems[index] = args[2]
		return Value{}, nil
	case avm.MethodPrefix + "hashCode":
		return IntValue(int64(recv.HashCode)), nil
	}
	return Value{}, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, ref.Owner, ref.Name)
}

// builtinIntrinsic serves the shadow runtime classes: constructors and the
// small metered surface of Object, String, Class and the throwables.
func (m *Machine) builtinIntrinsic(ref classfile.MethodRef, op uint8, args []Value) (Value, error) {
	if ref.Name == classfile.ConstructorName {
		// Throwable and Exception constructors store the message; the
		// Object constructor is a no-op.
		if len(args) == 2 {
			recv := args[0].Ref
			if recv == nil {
				return Value{}, ErrNullReference
			}
			if slot, ok := recv.Class.FieldSlot("message"); ok {
				recv.Fields[slot] = args[1]
			}
		}
		return Value{}, nil
	}

	recv := args[0].Ref
	if recv == nil {
		return Value{}, fmt.Errorf("%w: %s.%s", ErrNullReference, ref.Owner, ref.Name)
	}
	if err := recv.LazyLoad(); err != nil {
		return Value{}, err
	}
	switch strings.TrimPrefix(ref.Name, avm.MethodPrefix) {
	case "hashCode":
		if recv.IsString() {
			return IntValue(int64(stringHash(recv.Str))), nil
		}
		return IntValue(int64(recv.HashCode)), nil
	case "length":
		return IntValue(int64(len(recv.Str))), nil
	case "equals":
		other := args[1].Ref
		if other == nil {
			return IntValue(0), nil
		}
		if recv.IsString() && other.IsString() {
			if recv.Str == other.Str {
				return IntValue(1), nil
			}
			return IntValue(0), nil
		}
		if recv == other {
			return IntValue(1), nil
		}
		return IntValue(0), nil
	case "getMessage":
		if slot, ok := recv.Class.FieldSlot("message"); ok {
			return recv.Fields[slot], nil
		}
		return RefValue(nil), nil
	case "getName":
		return RefValue(m.Universe.NewString(recv.Str, m.Helper)), nil
	}
	return Value{}, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, ref.Owner, ref.Name)
}

// stringHash is the deterministic content hash of shadow strings.
func stringHash(s string) int32 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = 31*h + int32(s[i])
	}
	return h
}

// bridgeIntrinsic marshals a runtime bridge call. Method names arrive with
// the reserved prefix applied by the shadowing pass.
func (m *Machine) bridgeIntrinsic(prefixed string, args []Value) (Value, error) {
	if m.Bridge == nil {
		return Value{}, fmt.Errorf("%w: no runtime bridge attached", avm.ErrVMInternal)
	}
	name := strings.TrimPrefix(prefixed, avm.MethodPrefix)
	if err := m.Bridge.Meter(name); err != nil {
		return Value{}, err
	}

	bytesArg := func(i int) []byte { return ByteArrayBytes(args[i].Ref) }
	byteArray := func(data []byte) Value {
		if data == nil {
			return RefValue(nil)
		}
		return RefValue(m.Universe.NewByteArray(data, m.Helper))
	}

	switch name {
	case "getSender":
		return byteArray(m.Bridge.Sender().Bytes()), nil
	case "getAddress":
		return byteArray(m.Bridge.Address().Bytes()), nil
	case "getOrigin":
		return byteArray(m.Bridge.Origin().Bytes()), nil
	case "getData":
		data := m.Bridge.Data()
		if data == nil {
			data = []byte{}
		}
		return byteArray(data), nil
	case "getValue":
		return IntValue(int64(m.Bridge.Value())), nil
	case "getBlockEpochSeconds":
		return IntValue(int64(m.Bridge.BlockEpochSeconds())), nil
	case "getBlockNumber":
		return IntValue(int64(m.Bridge.BlockNumber())), nil
	case "getBlockDifficulty":
		return IntValue(int64(m.Bridge.BlockDifficulty())), nil
	case "getRemainingEnergy":
		return IntValue(int64(m.Bridge.RemainingEnergy())), nil

	case "call":
		target, err := types.AddressFromBytes(bytesArg(0))
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", avm.ErrVMInternal, err)
		}
		success, ret, err := m.Bridge.Call(target, uint64(args[1].I), bytesArg(2), uint64(args[3].I))
		if err != nil {
			return Value{}, err
		}
		return m.newResult(success, ret), nil
	case "create":
		success, addr, err := m.Bridge.Create(uint64(args[0].I), bytesArg(1), uint64(args[2].I))
		if err != nil {
			return Value{}, err
		}
		return m.newResult(success, addr), nil

	case "getStorage":
		data, err := m.Bridge.GetStorage(bytesArg(0))
		if err != nil {
			return Value{}, err
		}
		return byteArray(data), nil
	case "putStorage":
		return Value{}, m.Bridge.PutStorage(bytesArg(0), bytesArg(1))

	case "log":
		switch len(args) {
		case 1:
			return Value{}, m.Bridge.Log(nil, bytesArg(0))
		case 2:
			return Value{}, m.Bridge.Log([][]byte{bytesArg(0)}, bytesArg(1))
		default:
			var topics [][]byte
			for i := 0; i < len(args)-1; i++ {
				topics = append(topics, bytesArg(i))
			}
			return Value{}, m.Bridge.Log(topics, bytesArg(len(args)-1))
		}
	case "revert":
		return Value{}, m.Bridge.Revert()
	case "invalid":
		return Value{}, m.Bridge.Invalid()

	case "sha256":
		digest, err := m.Bridge.Hash(HashSha256, bytesArg(0))
		if err != nil {
			return Value{}, err
		}
		return byteArray(digest), nil
	case "blake2b":
		digest, err := m.Bridge.Hash(HashBlake2b, bytesArg(0))
		if err != nil {
			return Value{}, err
		}
		return byteArray(digest), nil
	case "keccak256":
		digest, err := m.Bridge.Hash(HashKeccak256, bytesArg(0))
		if err != nil {
			return Value{}, err
		}
		return byteArray(digest), nil
	}
	return Value{}, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, avm.ShadowBridgeClass, prefixed)
}

// newResult builds the shadow result object of call/create.
func (m *Machine) newResult(success bool, data []byte) Value {
	obj := m.Universe.NewInstance(m.Universe.classFor(ResultClass), nil,
		m.Helper.NextInstanceID(), m.Helper.NextHashCode())
	if success {
		obj.Fields[0] = IntValue(1)
	}
	if data != nil {
		obj.Fields[1] = RefValue(m.Universe.NewByteArray(data, m.Helper))
	}
	return RefValue(obj)
}
