package transform

import (
	"fmt"
	"strings"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// Array wrapper synthesis. Host arrays do not exist at execution time:
// every array type is replaced by a wrapper class under the VM-owned
// arrays namespace, so length and element access are metered like any
// other member access and arrays participate in the persistence protocol
// as ordinary shadow objects.
//
// The wrapper hierarchy is Array (abstract base) with one subclass per
// element kind. Nested arrays erase to ObjectArray.

// ArrayBaseClass is the abstract base of all wrappers.
const ArrayBaseClass = avm.ArrayBaseClass

// ObjectArrayClass wraps reference and nested arrays.
const ObjectArrayClass = avm.ObjectArrayClass

// WrapperForDescriptor returns the wrapper class for an array descriptor
// ("[I", "[[J", "[Lfoo;").
func WrapperForDescriptor(desc string) (string, error) {
	if len(desc) < 2 || desc[0] != '[' {
		return "", fmt.Errorf("%w: not an array descriptor %q", classfile.ErrBadDescriptor, desc)
	}
	elem := desc[1:]
	if len(elem) == 1 {
		if w, ok := avm.ArrayWrapperByLetter[elem[0]]; ok {
			return w, nil
		}
		return "", fmt.Errorf("%w: array of %q", ErrUnsupported, elem)
	}
	return ObjectArrayClass, nil
}

// ArrayWrapPass rewrites array descriptors into wrapper references and
// array allocations into wrapper construction calls, and arraylength into a
// virtual length call on the wrapper base. Element access opcodes stay in
// place; the interpreter executes them against wrapper objects. Encountered wrappers are recorded on the context so the
// generator emits their class files into the artifact.
func ArrayWrapPass(ctx *Context, c *classfile.Class) error {
	for i := range c.Fields {
		d, err := rewriteArrayDescriptor(ctx, c.Fields[i].Descriptor)
		if err != nil {
			return err
		}
		c.Fields[i].Descriptor = d
	}
	for i := range c.Constants {
		k := &c.Constants[i]
		if k.Tag != classfile.ConstFieldRef && k.Tag != classfile.ConstMethodRef {
			continue
		}
		if k.Tag == classfile.ConstFieldRef {
			ref, err := classfile.ParseFieldRef(k.Value)
			if err != nil {
				return err
			}
			if ref.Descriptor, err = rewriteArrayDescriptor(ctx, ref.Descriptor); err != nil {
				return err
			}
			k.Value = ref.String()
		} else {
			ref, err := classfile.ParseMethodRef(k.Value)
			if err != nil {
				return err
			}
			if ref.Descriptor, err = rewriteArrayDescriptor(ctx, ref.Descriptor); err != nil {
				return err
			}
			k.Value = ref.String()
		}
	}

	for i := range c.Methods {
		m := &c.Methods[i]
		d, err := rewriteArrayDescriptor(ctx, m.Descriptor)
		if err != nil {
			return err
		}
		m.Descriptor = d
		if m.Flags&classfile.FlagAbstract != 0 || len(m.Code) == 0 {
			continue
		}

		p, err := newPatcher(m)
		if err != nil {
			return err
		}
		for idx, in := range p.insns {
			switch in.Op {
			case classfile.OpNewArray:
				wrapper, ok := avm.ArrayWrapperByLetter[in.Operand[0]]
				if !ok {
					return fmt.Errorf("%w: newarray of kind %q", ErrUnsupported, string(in.Operand[0]))
				}
				ctx.noteWrapper(wrapper)
				p.replace(idx, invokeStatic(c.AddConstant(classfile.ConstMethodRef, initRef(wrapper))))
			case classfile.OpANewArray:
				ctx.noteWrapper(ObjectArrayClass)
				p.replace(idx, invokeStatic(c.AddConstant(classfile.ConstMethodRef, initRef(ObjectArrayClass))))
			case classfile.OpArrayLength:
				ctx.noteWrapper(ArrayBaseClass)
				lengthRef := classfile.MethodRef{Owner: ArrayBaseClass, Name: "length", Descriptor: "()I"}
				p.replace(idx, classfile.Instruction{
					Op:      classfile.OpInvokeVirtual,
					Operand: u16Operand(c.AddConstant(classfile.ConstMethodRef, lengthRef.String())),
				})
			}
		}
		if err := p.apply(); err != nil {
			return err
		}
	}
	return nil
}

func initRef(wrapper string) string {
	return classfile.MethodRef{
		Owner:      wrapper,
		Name:       "init",
		Descriptor: "(I)L" + wrapper + ";",
	}.String()
}

func u16Operand(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// rewriteArrayDescriptor replaces each array token with its wrapper
// reference, noting encountered wrappers on the context.
func rewriteArrayDescriptor(ctx *Context, desc string) (string, error) {
	var sb strings.Builder
	i := 0
	for i < len(desc) {
		switch desc[i] {
		case '[':
			end, err := arrayTokenEnd(desc, i)
			if err != nil {
				return "", err
			}
			wrapper, err := WrapperForDescriptor(desc[i:end])
			if err != nil {
				return "", err
			}
			ctx.noteWrapper(wrapper)
			sb.WriteString("L" + wrapper + ";")
			i = end
		case 'L':
			end := strings.IndexByte(desc[i:], ';')
			if end < 0 {
				return "", fmt.Errorf("%w: %q", classfile.ErrBadDescriptor, desc)
			}
			sb.WriteString(desc[i : i+end+1])
			i += end + 1
		default:
			sb.WriteByte(desc[i])
			i++
		}
	}
	return sb.String(), nil
}

// arrayTokenEnd returns the index just past the array token at desc[from].
func arrayTokenEnd(desc string, from int) (int, error) {
	i := from
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i >= len(desc) {
		return 0, fmt.Errorf("%w: %q", classfile.ErrBadDescriptor, desc)
	}
	if desc[i] == 'L' {
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			return 0, fmt.Errorf("%w: %q", classfile.ErrBadDescriptor, desc)
		}
		return i + end + 1, nil
	}
	return i + 1, nil
}

// GenerateWrapper synthesizes the class file of one wrapper. Wrapper
// method bodies are intrinsic: the interpreter dispatches any invocation
// whose owner is under the arrays namespace, so the generated methods
// carry empty code and exist to give the artifact a complete, verifiable
// class set.
func GenerateWrapper(name string) *classfile.Class {
	c := &classfile.Class{
		Flags: classfile.FlagPublic | classfile.FlagFinal,
		Name:  name,
		Super: ArrayBaseClass,
	}
	if name == ArrayBaseClass {
		c.Flags = classfile.FlagPublic | classfile.FlagAbstract
		c.Super = avm.ShadowObjectClass
		c.Methods = append(c.Methods, classfile.Method{
			Flags:      classfile.FlagPublic | classfile.FlagAbstract,
			Name:       "length",
			Descriptor: "()I",
		})
		return c
	}

	elemDesc := "L" + avm.ShadowObjectClass + ";"
	if kind := avm.ArrayElementKind(name); kind != 0 {
		elemDesc = string(kind)
	}
	c.Methods = []classfile.Method{
		{Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "init", Descriptor: "(I)L" + name + ";"},
		{Flags: classfile.FlagPublic, Name: "length", Descriptor: "()I"},
		{Flags: classfile.FlagPublic, Name: "get", Descriptor: "(I)" + elemDesc},
		{Flags: classfile.FlagPublic, Name: "set", Descriptor: "(I" + elemDesc + ")V"},
		{Flags: classfile.FlagPublic, Name: avm.MethodPrefix + "hashCode", Descriptor: "()I"},
	}
	return c
}
