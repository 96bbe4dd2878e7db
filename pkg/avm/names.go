package avm

import "strings"

// Namespace layout of the runtime.
//
// User code compiles against the host runtime root. The shadowing pass
// rewrites every host reference into the shadow root and prefixes host
// method names, so at execution time user code can only reach the metered
// shadow implementations.
const (
	// HostRoot is the runtime namespace user code compiles against.
	HostRoot = "avm/lang"

	// ShadowRoot is the metered reimplementation namespace.
	ShadowRoot = "s/avm/lang"

	// MethodPrefix marks rewritten host method names.
	MethodPrefix = "avm_"

	// HelperClass is the intrinsic class targeted by injected instructions.
	HelperClass = "s/avm/internal/H"

	// BridgeClass is the runtime bridge exposed to user code.
	BridgeClass = "avm/Blockchain"

	// ShadowBridgeClass is the bridge after shadowing.
	ShadowBridgeClass = "s/avm/Blockchain"

	// InternalRoot holds VM-owned classes user code may never name.
	InternalRoot = "s/avm"
)

// Well-known shadow classes.
const (
	ShadowObjectClass    = ShadowRoot + "/Object"
	ShadowStringClass    = ShadowRoot + "/String"
	ShadowClassClass     = ShadowRoot + "/Class"
	ShadowThrowableClass = ShadowRoot + "/Throwable"
	ShadowExceptionClass = ShadowRoot + "/Exception"

	// ArrayWrapperRoot is the namespace of synthesized array wrappers.
	ArrayWrapperRoot = InternalRoot + "/arrays"

	// ArrayBaseClass is the abstract base of all array wrappers.
	ArrayBaseClass = ArrayWrapperRoot + "/Array"

	// ObjectArrayClass wraps reference and nested arrays.
	ObjectArrayClass = ArrayWrapperRoot + "/ObjectArray"
)

// ArrayWrapperByLetter maps a primitive element letter to its wrapper
// class. Nested and reference arrays erase to ObjectArrayClass.
var ArrayWrapperByLetter = map[byte]string{
	'Z': ArrayWrapperRoot + "/BooleanArray",
	'B': ArrayWrapperRoot + "/ByteArray",
	'C': ArrayWrapperRoot + "/CharArray",
	'S': ArrayWrapperRoot + "/ShortArray",
	'I': ArrayWrapperRoot + "/IntArray",
	'J': ArrayWrapperRoot + "/LongArray",
}

// ArrayElementKind returns the primitive element letter of a wrapper
// class, or 0 for ObjectArrayClass and non-wrappers.
func ArrayElementKind(wrapper string) byte {
	for letter, name := range ArrayWrapperByLetter {
		if name == wrapper {
			return letter
		}
	}
	return 0
}

// IsArrayWrapper reports whether an internal class name is a synthesized
// array wrapper.
func IsArrayWrapper(name string) bool {
	return strings.HasPrefix(name, ArrayWrapperRoot+"/")
}

// Helper intrinsic method names, injected by the transformation passes.
const (
	HelperChargeEnergy  = "chargeEnergy"  // (J)V
	HelperChargeAlloc   = "chargeAlloc"   // (J)V
	HelperEnterFrame    = "enterFrame"    // ()V
	HelperExitFrame     = "exitFrame"     // ()V
	HelperWrapString    = "wrapAsString"  // (Lavm/lang/String;)Ls/avm/lang/String;
	HelperWrapClass     = "wrapAsClass"   // (Lavm/lang/Class;)Ls/avm/lang/Class;
	HelperWrapThrown    = "wrapThrown"    // boxes a thrown object on the throw path
	HelperUnwrapRethrow = "unwrapRethrow" // rethrows VM control-flow kinds at handler entry
)

// IsHostType reports whether an internal class name is under the host
// runtime root or is the host bridge class.
func IsHostType(name string) bool {
	return name == "avm/Blockchain" || name == HostRoot ||
		strings.HasPrefix(name, HostRoot+"/")
}

// IsReservedType reports whether an internal class name is owned by the VM
// and therefore forbidden in user class files.
func IsReservedType(name string) bool {
	return name == InternalRoot || strings.HasPrefix(name, InternalRoot+"/")
}
