// Package transform implements the bytecode transformation pipeline that
// turns untrusted deployed classes into the shadowed, metered, stack-safe,
// exception-wrapped artifact the VM executes.
//
// The pipeline is an explicit ordered list of passes over the parsed class
// form. Raw class bytes flow: validate → hierarchy build → size
// computation → metering → shadowing → exception wrapping → stack
// tracking → array wrapping → serialize.
package transform

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rleor/avm/pkg/classfile"
)

// Pipeline errors.
var (
	ErrNoClasses = errors.New("empty class set")
)

// Context carries the shared analysis results through a pipeline run.
type Context struct {
	// Forest is the class hierarchy of the deployed set.
	Forest *Forest

	// ObjectSizes maps class name to computed allocation size.
	ObjectSizes map[string]uint64

	// wrappers are the array wrapper classes encountered by the run.
	wrappers map[string]bool
}

func (ctx *Context) noteWrapper(name string) {
	if ctx.wrappers == nil {
		ctx.wrappers = make(map[string]bool)
	}
	// Every concrete wrapper implies the abstract base.
	ctx.wrappers[ArrayBaseClass] = true
	ctx.wrappers[name] = true
}

// Pass is one rewriting stage. Passes mutate the parsed class in place.
type Pass func(ctx *Context, c *classfile.Class) error

// passes is the fixed transformation order.
var passes = []struct {
	name string
	run  Pass
}{
	{"metering", MeteringPass},
	{"shadowing", ShadowPass},
	{"exception-wrapping", ExceptionPass},
	{"stack-tracking", StackTrackingPass},
	{"array-wrapping", ArrayWrapPass},
}

// Result is the output of one pipeline run: the transformed class bytes
// (including synthesized array wrappers) and the size table used by the
// metering pass.
type Result struct {
	Classes     map[string][]byte
	ObjectSizes map[string]uint64
}

// Transform validates and rewrites a deployed class set into its
// executable artifact form.
func Transform(rawClasses map[string][]byte) (*Result, error) {
	if len(rawClasses) == 0 {
		return nil, ErrNoClasses
	}

	parsed := make(map[string]*classfile.Class, len(rawClasses))
	names := make([]string, 0, len(rawClasses))
	for name, raw := range rawClasses {
		c, err := classfile.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", name, err)
		}
		if c.Name != name {
			return nil, fmt.Errorf("%w: class %q deployed under name %q", ErrMalformedClass, c.Name, name)
		}
		if err := Validate(c); err != nil {
			return nil, err
		}
		parsed[name] = c
		names = append(names, name)
	}
	sort.Strings(names)

	forest, err := BuildForest(parsed)
	if err != nil {
		return nil, err
	}
	sizes, err := ComputeObjectSizes(forest)
	if err != nil {
		return nil, err
	}
	ctx := &Context{Forest: forest, ObjectSizes: sizes}

	for _, name := range names {
		for _, pass := range passes {
			if err := pass.run(ctx, parsed[name]); err != nil {
				return nil, fmt.Errorf("%s pass on %s: %w", pass.name, name, err)
			}
		}
	}

	out := make(map[string][]byte, len(parsed)+len(ctx.wrappers))
	for name, c := range parsed {
		out[name] = c.Bytes()
	}
	for wrapper := range ctx.wrappers {
		if _, exists := out[wrapper]; !exists {
			out[wrapper] = GenerateWrapper(wrapper).Bytes()
		}
	}
	return &Result{Classes: out, ObjectSizes: sizes}, nil
}
