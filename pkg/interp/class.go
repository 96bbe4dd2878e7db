package interp

import (
	"fmt"
	"sort"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// FieldInfo is one declared field with its slot in the instance layout.
type FieldInfo struct {
	Name       string
	Descriptor string
	Slot       int
}

// MethodInfo is one resolvable method with its pre-decoded code.
type MethodInfo struct {
	Class    *Class
	Def      *classfile.Method
	Insns    []classfile.Instruction
	IndexAt  map[int]int
	Abstract bool
}

// Class is the runtime form of one loaded class: linked hierarchy, slot
// layout, static storage and pre-decoded methods.
type Class struct {
	Name       string
	File       *classfile.Class
	Super      *Class
	SuperName  string
	Interfaces []string

	// Fields are the declared instance fields in declaration order.
	Fields []FieldInfo

	// Statics are the declared static fields in declaration order; their
	// values live in StaticValues. Together, across classes in load
	// order, they form the statics vector.
	Statics      []FieldInfo
	StaticValues []Value

	// AllFields is the full instance layout: the parent chain's fields
	// from the root down, then this class's, slot-indexed.
	AllFields []FieldInfo

	methods map[string]*MethodInfo

	// Builtin classes are VM-provided shadow runtime types.
	Builtin  bool
	IsArray  bool
	IsString bool
	ElemKind byte // primitive element letter for array wrappers, else 0
	Abstract bool
}

// Method resolves a declared method by name and descriptor on this class
// only.
func (c *Class) Method(name, descriptor string) *MethodInfo {
	return c.methods[name+descriptor]
}

// MethodByName returns the first declared method with the given name, for
// entry point lookup where the transformed descriptor is not known.
func (c *Class) MethodByName(name string) *MethodInfo {
	for _, mi := range c.methods {
		if mi.Def.Name == name {
			return mi
		}
	}
	return nil
}

// ResolveMethod walks the hierarchy for a method, for virtual dispatch.
func (c *Class) ResolveMethod(name, descriptor string) *MethodInfo {
	for cur := c; cur != nil; cur = cur.Super {
		if m := cur.Method(name, descriptor); m != nil {
			return m
		}
	}
	return nil
}

// FieldSlot resolves a declared instance field slot by name, searching the
// chain from this class upward.
func (c *Class) FieldSlot(name string) (int, bool) {
	for cur := c; cur != nil; cur = cur.Super {
		for _, f := range cur.Fields {
			if f.Name == name {
				return f.Slot, true
			}
		}
	}
	return 0, false
}

// StaticIndex resolves a declared static field index on this class.
func (c *Class) StaticIndex(name string) (int, bool) {
	for i, f := range c.Statics {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// AssignableTo reports whether an instance of c can stand where target is
// expected.
func (c *Class) AssignableTo(target *Class) bool {
	for cur := c; cur != nil; cur = cur.Super {
		if cur == target {
			return true
		}
		for _, iface := range cur.Interfaces {
			if iface == target.Name {
				return true
			}
		}
	}
	return false
}

// Universe is the loaded class set of one DApp artifact plus the built-in
// shadow runtime classes. One universe is shared by every invocation of
// the same loaded DApp within a task.
type Universe struct {
	classes map[string]*Class

	// order is the deterministic class load order: sorted names of the
	// artifact's classes. It fixes the statics vector.
	order []string
}

// NewUniverse links a transformed artifact into a runtime class set.
func NewUniverse(artifact map[string][]byte) (*Universe, error) {
	u := &Universe{classes: make(map[string]*Class)}
	u.installBuiltins()

	names := make([]string, 0, len(artifact))
	for name := range artifact {
		names = append(names, name)
	}
	sort.Strings(names)

	// First pass: parse and create.
	for _, name := range names {
		cf, err := classfile.Parse(artifact[name])
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", name, err)
		}
		if existing, ok := u.classes[name]; ok && existing.Builtin {
			// Artifact wrappers shadow the builtin metadata; keep the
			// builtin behavior.
			continue
		}
		c := &Class{
			Name:       name,
			File:       cf,
			SuperName:  cf.Super,
			Interfaces: append([]string(nil), cf.Interfaces...),
			Abstract:   cf.Flags&classfile.FlagAbstract != 0,
			methods:    make(map[string]*MethodInfo),
		}
		if avm.IsArrayWrapper(name) {
			c.IsArray = name != avm.ArrayBaseClass
			c.ElemKind = avm.ArrayElementKind(name)
		}
		u.classes[name] = c
		u.order = append(u.order, name)
	}

	// Second pass: link supers, lay out fields, decode methods.
	for _, name := range u.order {
		if err := u.link(u.classes[name]); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *Universe) link(c *Class) error {
	if c.Builtin || c.File == nil {
		return nil
	}
	if len(c.AllFields) > 0 || c.Super != nil {
		return nil // already linked via a subclass
	}
	if c.SuperName != "" {
		super, ok := u.classes[c.SuperName]
		if !ok {
			return fmt.Errorf("%w: superclass %s of %s", ErrNoSuchClass, c.SuperName, c.Name)
		}
		if super.File != nil && super.Super == nil && len(super.AllFields) == 0 {
			if err := u.link(super); err != nil {
				return err
			}
		}
		c.Super = super
	}

	if c.Super != nil {
		c.AllFields = append(c.AllFields, c.Super.AllFields...)
	}
	for _, f := range c.File.Fields {
		info := FieldInfo{Name: f.Name, Descriptor: f.Descriptor}
		if f.IsStatic() {
			c.Statics = append(c.Statics, info)
			c.StaticValues = append(c.StaticValues, Value{})
			continue
		}
		info.Slot = len(c.AllFields)
		c.Fields = append(c.Fields, info)
		c.AllFields = append(c.AllFields, info)
	}

	for i := range c.File.Methods {
		m := &c.File.Methods[i]
		info := &MethodInfo{Class: c, Def: m, Abstract: m.Flags&classfile.FlagAbstract != 0}
		if !info.Abstract && len(m.Code) > 0 {
			insns, err := classfile.Decode(m.Code)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", c.Name, m.Name, err)
			}
			info.Insns = insns
			info.IndexAt = make(map[int]int, len(insns))
			for idx, in := range insns {
				info.IndexAt[in.PC] = idx
			}
		}
		c.methods[m.Name+m.Descriptor] = info
	}
	return nil
}

// Class resolves a loaded or builtin class by internal name.
func (u *Universe) Class(name string) (*Class, error) {
	c, ok := u.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchClass, name)
	}
	return c, nil
}

// ClassesInOrder returns the artifact classes in load order.
func (u *Universe) ClassesInOrder() []*Class {
	out := make([]*Class, 0, len(u.order))
	for _, name := range u.order {
		out = append(out, u.classes[name])
	}
	return out
}

// StaticRoot identifies one entry of the statics vector.
type StaticRoot struct {
	Class *Class
	Field FieldInfo
	Index int // index into Class.StaticValues
}

// StaticRoots returns the statics vector: every static field of every
// class in load order, then declaration order.
func (u *Universe) StaticRoots() []StaticRoot {
	var roots []StaticRoot
	for _, c := range u.ClassesInOrder() {
		for i, f := range c.Statics {
			roots = append(roots, StaticRoot{Class: c, Field: f, Index: i})
		}
	}
	return roots
}

// NewInstance allocates an object of the class without running any
// constructor. Stubs are created this way, with their loader installed.
func (u *Universe) NewInstance(c *Class, loader Loader, id int64, hashCode int32) *Object {
	return &Object{
		Class:    c,
		Loader:   loader,
		ID:       id,
		HashCode: hashCode,
		Fields:   make([]Value, len(c.AllFields)),
	}
}
