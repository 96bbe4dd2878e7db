package transform

import (
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// StackTrackingPass injects frame-depth accounting: one enterFrame charge
// at every method entry and an exitFrame release before every return
// instruction. Entry fails with out-of-stack past the ceiling. Frames
// unwound by a throw are released by the interpreter's unwind path, which
// keeps the counter balanced without handler-side bookkeeping.
func StackTrackingPass(ctx *Context, c *classfile.Class) error {
	enterFrame := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperEnterFrame,
		Descriptor: "()V",
	}.String())
	exitFrame := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperExitFrame,
		Descriptor: "()V",
	}.String())

	for i := range c.Methods {
		m := &c.Methods[i]
		if m.Flags&classfile.FlagAbstract != 0 || len(m.Code) == 0 {
			continue
		}
		p, err := newPatcher(m)
		if err != nil {
			return err
		}
		p.insertBefore(0, invokeStatic(enterFrame))
		for idx, in := range p.insns {
			switch in.Op {
			case classfile.OpReturn, classfile.OpIReturn, classfile.OpLReturn, classfile.OpAReturn:
				p.insertBefore(idx, invokeStatic(exitFrame))
			}
		}
		if err := p.apply(); err != nil {
			return err
		}
	}
	return nil
}
