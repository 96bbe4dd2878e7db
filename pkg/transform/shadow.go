package transform

import (
	"fmt"
	"strings"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// ShadowPass rewrites every reference to a host runtime type into the
// shadow namespace: superclasses, interfaces, type constants, member
// references (with the reserved method-name prefix on host owners), and
// every descriptor token. String and type constant loads are followed by a
// call into the intrinsic helper so the pushed value is the shadow form.
func ShadowPass(ctx *Context, c *classfile.Class) error {
	c.Super = ReplaceType(c.Super)
	for i, iface := range c.Interfaces {
		c.Interfaces[i] = ReplaceType(iface)
	}

	for i := range c.Fields {
		c.Fields[i].Descriptor = RewriteDescriptor(c.Fields[i].Descriptor)
	}

	for i := range c.Constants {
		k := &c.Constants[i]
		switch k.Tag {
		case classfile.ConstType:
			if strings.HasPrefix(k.Value, "[") {
				return fmt.Errorf("%w: array type constant %q", ErrUnsupported, k.Value)
			}
			k.Value = ReplaceType(k.Value)
		case classfile.ConstFieldRef:
			ref, err := classfile.ParseFieldRef(k.Value)
			if err != nil {
				return err
			}
			ref.Owner = ReplaceType(ref.Owner)
			ref.Descriptor = RewriteDescriptor(ref.Descriptor)
			k.Value = ref.String()
		case classfile.ConstMethodRef:
			ref, err := classfile.ParseMethodRef(k.Value)
			if err != nil {
				return err
			}
			ref.Name = replaceMethodName(ref.Owner, ref.Name)
			ref.Owner = ReplaceType(ref.Owner)
			ref.Descriptor = RewriteDescriptor(ref.Descriptor)
			k.Value = ref.String()
		}
	}

	wrapString := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperWrapString,
		Descriptor: "(L" + avm.ShadowStringClass + ";)L" + avm.ShadowStringClass + ";",
	}.String())
	wrapClass := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperWrapClass,
		Descriptor: "(L" + avm.ShadowClassClass + ";)L" + avm.ShadowClassClass + ";",
	}.String())

	for i := range c.Methods {
		m := &c.Methods[i]
		m.Descriptor = RewriteDescriptor(m.Descriptor)
		if m.Flags&classfile.FlagAbstract != 0 {
			continue
		}
		p, err := newPatcher(m)
		if err != nil {
			return err
		}
		for idx, in := range p.insns {
			if in.Op != classfile.OpLdc {
				continue
			}
			k, err := c.Constant(in.U16())
			if err != nil {
				return err
			}
			// The loaded constant is wrapped in place so user code only
			// ever observes shadow strings and shadow class tokens.
			var helper uint16
			switch k.Tag {
			case classfile.ConstUTF8:
				helper = wrapString
			case classfile.ConstType:
				helper = wrapClass
			default:
				continue
			}
			p.insertBefore(idx+1, classfile.Instruction{
				Op:      classfile.OpInvokeStatic,
				Operand: []byte{byte(helper >> 8), byte(helper)},
			})
		}
		if err := p.apply(); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceType maps a host-root internal class name into the shadow root;
// all other names pass through.
func ReplaceType(name string) string {
	if name == avm.BridgeClass {
		return avm.ShadowBridgeClass
	}
	if name == "avm/Result" {
		return avm.InternalRoot + "/Result"
	}
	if name == avm.HostRoot || strings.HasPrefix(name, avm.HostRoot+"/") {
		return avm.ShadowRoot + name[len(avm.HostRoot):]
	}
	return name
}

// replaceMethodName prefixes host-owned method names with the reserved
// marker. The constructor sentinel is preserved.
func replaceMethodName(owner, name string) string {
	if !avm.IsHostType(owner) {
		return name
	}
	if name == classfile.ConstructorName || name == classfile.ClassInitName {
		return name
	}
	return avm.MethodPrefix + name
}

// RewriteDescriptor rewrites every reference token of a field or method
// descriptor into the shadow namespace. It is idempotent on already-shadowed
// descriptors, and UndoDescriptor inverts it for host-namespace input.
func RewriteDescriptor(desc string) string {
	var sb strings.Builder
	from := 0
	for from < len(desc) {
		from = rewriteToken(&sb, desc, from, ReplaceType)
	}
	return sb.String()
}

// UndoDescriptor maps shadow-root reference tokens back into the host root.
func UndoDescriptor(desc string) string {
	var sb strings.Builder
	from := 0
	for from < len(desc) {
		from = rewriteToken(&sb, desc, from, unreplaceType)
	}
	return sb.String()
}

func unreplaceType(name string) string {
	if name == avm.ShadowBridgeClass {
		return avm.BridgeClass
	}
	if name == avm.InternalRoot+"/Result" {
		return "avm/Result"
	}
	if name == avm.ShadowRoot || strings.HasPrefix(name, avm.ShadowRoot+"/") {
		return avm.HostRoot + name[len(avm.ShadowRoot):]
	}
	return name
}

// rewriteToken consumes one descriptor token starting at desc[from],
// appending the rewritten form, and returns the index past the token.
// Primitive letters pass through, references are mapped, arrays recurse,
// and method signatures recurse over parameters and return type.
func rewriteToken(sb *strings.Builder, desc string, from int, mapType func(string) string) int {
	c := desc[from]
	switch c {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		sb.WriteByte(c)
		return from + 1
	case 'L':
		end := strings.IndexByte(desc[from:], ';')
		if end < 0 {
			// Malformed input was rejected by the validator; keep the
			// remainder so the error surfaces downstream.
			sb.WriteString(desc[from:])
			return len(desc)
		}
		end += from
		sb.WriteByte('L')
		sb.WriteString(mapType(desc[from+1 : end]))
		sb.WriteByte(';')
		return end + 1
	case '[':
		sb.WriteByte('[')
		return rewriteToken(sb, desc, from+1, mapType)
	case '(':
		end := strings.IndexByte(desc[from:], ')')
		if end < 0 {
			sb.WriteString(desc[from:])
			return len(desc)
		}
		end += from
		sb.WriteByte('(')
		inner := from + 1
		for inner < end {
			inner = rewriteToken(sb, desc, inner, mapType)
		}
		sb.WriteByte(')')
		return end + 1
	default:
		sb.WriteByte(c)
		return from + 1
	}
}
