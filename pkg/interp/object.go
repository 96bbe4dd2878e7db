// Package interp implements the AVM bytecode interpreter: the runtime
// class model, the heap object representation, and the execution engine
// that runs transformed artifacts against the per-task helper.
package interp

import (
	"errors"
	"fmt"
)

// Interpreter errors. All of these classify as generic VM failures
// attributable to the contract.
var (
	ErrNullReference    = errors.New("null reference")
	ErrNoSuchMethod     = errors.New("no such method")
	ErrNoSuchField      = errors.New("no such field")
	ErrNoSuchClass      = errors.New("no such class")
	ErrBadCast          = errors.New("bad cast")
	ErrIndexOutOfBounds = errors.New("array index out of bounds")
	ErrNegativeLength   = errors.New("negative array length")
	ErrStackUnderflow   = errors.New("operand stack underflow")
	ErrDivideByZero     = errors.New("division by zero")
	ErrAbstractCall     = errors.New("abstract method invocation")
)

// Loader re-populates a stub object on first field access. The persistence
// codec and the reentrant graph processor both implement it.
//
// The contract: the loader populates every field of the instance
// (recursively installing further stubs as needed) and the caller clears
// the instance's loader slot exactly once. Because the slot is cleared
// before the loader runs, an access to the same instance from inside its
// own load sees it as resident and does not run the loader again; such
// re-entry is not reported as an error.
type Loader interface {
	StartDeserializeInstance(instance *Object, instanceID int64) error
}

// Value is one operand stack slot, local slot, or object field: either a
// 64-bit scalar or a reference. Which half is live is determined by the
// field descriptor or the consuming opcode.
type Value struct {
	I   int64
	Ref *Object
}

// IntValue makes a scalar value.
func IntValue(v int64) Value {
	return Value{I: v}
}

// RefValue makes a reference value.
func RefValue(o *Object) Value {
	return Value{Ref: o}
}

// Object is one heap instance. Every persistable object carries the lazy
// loader slot and the instance id required by the persistence protocol;
// array wrappers additionally carry their element storage, and shadow
// strings their interned payload.
type Object struct {
	Class *Class

	// Loader is non-nil while the object is a stub. The first field access
	// runs it and clears the slot.
	Loader Loader

	// ID is the persistent instance id: 0 names the root statics
	// container, the reserved minimum marks an ephemeral callee-space
	// stub, and positive ids are assigned monotonically by the helper.
	ID int64

	// HashCode is the deterministic identity hash.
	HashCode int32

	// Fields is indexed by the class chain's slot assignment.
	Fields []Value

	// Elems is the element storage of array wrappers.
	Elems []Value

	// Str is the payload of shadow strings.
	Str string
}

// IsStub reports whether the object still awaits its lazy loader.
func (o *Object) IsStub() bool {
	return o.Loader != nil
}

// LazyLoad faults a stub in through its loader and clears the loader slot.
// Loading is idempotent: a resident object returns immediately.
func (o *Object) LazyLoad() error {
	if o.Loader == nil {
		return nil
	}
	loader := o.Loader
	// Clear before running so a re-entrant access returns at once instead
	// of recursing into the loader; it is not reported as an error.
	o.Loader = nil
	if err := loader.StartDeserializeInstance(o, o.ID); err != nil {
		o.Loader = loader
		return err
	}
	return nil
}

// IsArray reports whether the object is an array wrapper.
func (o *Object) IsArray() bool {
	return o.Class != nil && o.Class.IsArray
}

// IsString reports whether the object is a shadow string.
func (o *Object) IsString() bool {
	return o.Class != nil && o.Class.IsString
}

// String renders the object for diagnostics.
func (o *Object) String() string {
	if o == nil {
		return "null"
	}
	if o.IsString() {
		return fmt.Sprintf("%s(%q)", o.Class.Name, o.Str)
	}
	return fmt.Sprintf("%s@%d", o.Class.Name, o.ID)
}
