package transform

import (
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// ExceptionPass rewrites throw and catch sites so user code only ever
// throws and catches shadow throwables:
//
//   - every athrow is preceded by a wrapThrown call boxing the thrown
//     object into its shadow counterpart;
//   - every handler entry is preceded by an unwrapRethrow call, which
//     rethrows VM-internal control-flow kinds (energy exhaustion, stack
//     overflow, call depth, revert, invalid, abort) before the shadow
//     object is presented to the handler body.
//
// An uncaught shadow throwable surfaces to the executor as a single
// uncaught-exception kind carrying the shadow object.
func ExceptionPass(ctx *Context, c *classfile.Class) error {
	objDesc := "(L" + avm.ShadowObjectClass + ";)L" + avm.ShadowObjectClass + ";"
	wrapThrown := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperWrapThrown,
		Descriptor: objDesc,
	}.String())
	unwrapRethrow := c.AddConstant(classfile.ConstMethodRef, classfile.MethodRef{
		Owner:      avm.HelperClass,
		Name:       avm.HelperUnwrapRethrow,
		Descriptor: objDesc,
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

		indexAt := make(map[int]int, len(p.insns))
		for idx, in := range p.insns {
			indexAt[in.PC] = idx
		}

		for idx, in := range p.insns {
			if in.Op == classfile.OpAThrow {
				p.insertBefore(idx, invokeStatic(wrapThrown))
			}
		}
		// One unwrap per handler entry, even when several ranges share it.
		seen := map[int]bool{}
		for _, h := range m.Handlers {
			idx, ok := indexAt[int(h.HandlerPC)]
			if !ok || seen[idx] {
				continue
			}
			seen[idx] = true
			p.insertBefore(idx, invokeStatic(unwrapRethrow))
		}

		if err := p.apply(); err != nil {
			return err
		}
	}
	return nil
}
