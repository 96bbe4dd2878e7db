package interp

import (
	"github.com/rleor/avm/pkg/avm"
)

// ResultClass is the shadow object returned by the call and create bridge
// operations. Its two fields are read directly by user code.
const ResultClass = avm.InternalRoot + "/Result"

// installBuiltins registers the VM-provided shadow runtime classes. Array
// wrapper class files arrive with the artifact when user code touches
// arrays, but the runtime set is always present so the bridge can hand out
// byte arrays and strings regardless.
func (u *Universe) installBuiltins() {
	object := &Class{Name: avm.ShadowObjectClass, Builtin: true, methods: map[string]*MethodInfo{}}
	u.register(object)

	throwable := &Class{
		Name:    avm.ShadowThrowableClass,
		Builtin: true,
		Super:   object,
		Fields: []FieldInfo{
			{Name: "message", Descriptor: "L" + avm.ShadowStringClass + ";", Slot: 0},
		},
		methods: map[string]*MethodInfo{},
	}
	throwable.AllFields = throwable.Fields
	u.register(throwable)

	exception := &Class{
		Name:      avm.ShadowExceptionClass,
		Builtin:   true,
		Super:     throwable,
		AllFields: throwable.AllFields,
		methods:   map[string]*MethodInfo{},
	}
	u.register(exception)

	str := &Class{Name: avm.ShadowStringClass, Builtin: true, Super: object, IsString: true, methods: map[string]*MethodInfo{}}
	u.register(str)

	classToken := &Class{
		Name:    avm.ShadowClassClass,
		Builtin: true,
		Super:   object,
		methods: map[string]*MethodInfo{},
	}
	u.register(classToken)

	result := &Class{
		Name:    ResultClass,
		Builtin: true,
		Super:   object,
		Fields: []FieldInfo{
			{Name: "success", Descriptor: "Z", Slot: 0},
			{Name: "data", Descriptor: "L" + avm.ArrayWrapperRoot + "/ByteArray;", Slot: 1},
		},
		methods: map[string]*MethodInfo{},
	}
	result.AllFields = result.Fields
	u.register(result)

	arrayBase := &Class{
		Name:     avm.ArrayBaseClass,
		Builtin:  true,
		Super:    object,
		Abstract: true,
		methods:  map[string]*MethodInfo{},
	}
	u.register(arrayBase)

	for letter, name := range avm.ArrayWrapperByLetter {
		u.register(&Class{
			Name:     name,
			Builtin:  true,
			Super:    arrayBase,
			IsArray:  true,
			ElemKind: letter,
			methods:  map[string]*MethodInfo{},
		})
	}
	u.register(&Class{
		Name:    avm.ObjectArrayClass,
		Builtin: true,
		Super:   arrayBase,
		IsArray: true,
		methods: map[string]*MethodInfo{},
	})
}

func (u *Universe) register(c *Class) {
	u.classes[c.Name] = c
}

// classFor is a must-resolve for VM-provided names.
func (u *Universe) classFor(name string) *Class {
	c, ok := u.classes[name]
	if !ok {
		panic("missing builtin class " + name)
	}
	return c
}

// ByteArrayClass returns the byte array wrapper class.
func (u *Universe) ByteArrayClass() *Class {
	return u.classFor(avm.ArrayWrapperByLetter['B'])
}

// NewString allocates a shadow string. Strings are resident on creation.
func (u *Universe) NewString(s string, h *avm.Helper) *Object {
	obj := u.NewInstance(u.classFor(avm.ShadowStringClass), nil, h.NextInstanceID(), h.NextHashCode())
	obj.Str = s
	return obj
}

// NewArray allocates an array wrapper of the given class and length.
func (u *Universe) NewArray(c *Class, length int, h *avm.Helper) *Object {
	obj := u.NewInstance(c, nil, h.NextInstanceID(), h.NextHashCode())
	obj.Elems = make([]Value, length)
	return obj
}

// NewByteArray allocates and fills a byte array wrapper.
func (u *Universe) NewByteArray(data []byte, h *avm.Helper) *Object {
	obj := u.NewArray(u.ByteArrayClass(), len(data), h)
	for i, b := range data {
		obj.Elems[i] = IntValue(int64(int8(b)))
	}
	return obj
}

// ByteArrayBytes extracts the contents of a byte array wrapper.
func ByteArrayBytes(obj *Object) []byte {
	if obj == nil {
		return nil
	}
	out := make([]byte, len(obj.Elems))
	for i, v := range obj.Elems {
		out[i] = byte(v.I)
	}
	return out
}
