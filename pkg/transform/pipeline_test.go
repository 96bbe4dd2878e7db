package transform

import (
	"testing"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// simpleClass builds a valid single-method user class.
func simpleClass(name string, build func(c *classfile.Class, b *classfile.CodeBuilder)) *classfile.Class {
	c := &classfile.Class{Flags: classfile.FlagPublic, Name: name, Super: "avm/lang/Object"}
	b := classfile.NewCodeBuilder(c)
	build(c, b)
	c.Methods = []classfile.Method{{
		Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "run", Descriptor: "()V",
		MaxStack: 8, MaxLocals: 4, Code: b.MustFinish(),
	}}
	return c
}

func TestValidateRejectsReservedNames(t *testing.T) {
	for _, name := range []string{"s/avm/Sneaky", "s/avm/lang/Object", "avm/lang/Fake", "avm/Blockchain"} {
		c := &classfile.Class{Name: name, Super: "avm/lang/Object"}
		if err := Validate(c); err == nil {
			t.Errorf("expected reserved-name rejection for %s", name)
		}
	}
}

func TestValidateRejectsNativeMethods(t *testing.T) {
	c := &classfile.Class{Name: "com/example/T", Super: "avm/lang/Object"}
	c.Methods = []classfile.Method{{
		Flags: classfile.FlagPublic | classfile.FlagNative, Name: "nat", Descriptor: "()V",
	}}
	if err := Validate(c); err == nil {
		t.Fatal("expected native-method rejection")
	}
}

func TestValidateRejectsDisallowedOpcodes(t *testing.T) {
	for _, op := range []uint8{classfile.OpInvokeDynamic, classfile.OpMonitorEnter, classfile.OpFAdd, 0xEE} {
		c := &classfile.Class{Name: "com/example/T", Super: "avm/lang/Object"}
		c.Methods = []classfile.Method{{
			Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "run", Descriptor: "()V",
			Code: []byte{op},
		}}
		if err := Validate(c); err == nil {
			t.Errorf("expected rejection of opcode 0x%02x", op)
		}
	}
}

func TestValidateRejectsArrayTypeConstant(t *testing.T) {
	c := &classfile.Class{Name: "com/example/T", Super: "avm/lang/Object"}
	c.AddConstant(classfile.ConstType, "[I")
	if err := Validate(c); err == nil {
		t.Fatal("expected array-type-constant rejection")
	}
}

func TestValidateRejectsCallsIntoReservedRoot(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.Invoke(classfile.OpInvokeStatic, "s/avm/internal/H", "chargeEnergy", "(J)V")
		b.Op(classfile.OpReturn)
	})
	if err := Validate(c); err == nil {
		t.Fatal("expected reserved-call rejection")
	}
}

func TestMeteringChargesBlocks(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.IConst(1)
		b.IConst(2)
		b.Op(classfile.OpIAdd)
		b.Op(classfile.OpPop)
		b.Op(classfile.OpReturn)
	})
	wantCost := avm.EnergySimpleOp*4 + avm.OpcodeCost(classfile.OpReturn)

	ctx := &Context{ObjectSizes: map[string]uint64{}}
	if err := MeteringPass(ctx, c); err != nil {
		t.Fatalf("MeteringPass failed: %v", err)
	}
	insns, err := classfile.Decode(c.Methods[0].Code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if insns[0].Op != classfile.OpLConst || insns[1].Op != classfile.OpInvokeStatic {
		t.Fatalf("block charge not injected at entry: %s %s",
			classfile.OpName(insns[0].Op), classfile.OpName(insns[1].Op))
	}
	if got := uint64(insns[0].I64()); got != wantCost {
		t.Errorf("block charge: got %d, want %d", got, wantCost)
	}
	k, _ := c.Constant(insns[1].U16())
	ref, _ := classfile.ParseMethodRef(k.Value)
	if ref.Owner != avm.HelperClass || ref.Name != avm.HelperChargeEnergy {
		t.Errorf("charge call resolves to %s.%s", ref.Owner, ref.Name)
	}
}

func TestMeteringChargesAllocationSize(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.New("com/example/T")
		b.Op(classfile.OpPop)
		b.Op(classfile.OpReturn)
	})
	ctx := &Context{ObjectSizes: map[string]uint64{"com/example/T": 24}}
	if err := MeteringPass(ctx, c); err != nil {
		t.Fatalf("MeteringPass failed: %v", err)
	}
	insns, _ := classfile.Decode(c.Methods[0].Code)

	var sawAllocCharge bool
	for i, in := range insns {
		if in.Op != classfile.OpInvokeStatic {
			continue
		}
		k, _ := c.Constant(in.U16())
		ref, _ := classfile.ParseMethodRef(k.Value)
		if ref.Name != avm.HelperChargeAlloc {
			continue
		}
		sawAllocCharge = true
		if insns[i-1].Op != classfile.OpLConst || uint64(insns[i-1].I64()) != 24*avm.EnergyAllocPerByte {
			t.Errorf("alloc charge operand wrong")
		}
		// The charge must run before the allocation it covers.
		foundNew := false
		for _, later := range insns[i+1:] {
			if later.Op == classfile.OpNew {
				foundNew = true
			}
		}
		if !foundNew {
			t.Errorf("alloc charge not before new")
		}
	}
	if !sawAllocCharge {
		t.Error("no allocation charge injected")
	}
}

func TestMeteringRepairsBranches(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.IConst(3)
		b.U8(classfile.OpIStore, 0)
		b.Label("loop")
		b.U8(classfile.OpILoad, 0)
		b.Branch(classfile.OpIfLe, "done")
		b.U8(classfile.OpILoad, 0)
		b.IConst(1)
		b.Op(classfile.OpISub)
		b.U8(classfile.OpIStore, 0)
		b.Branch(classfile.OpGoto, "loop")
		b.Label("done")
		b.Op(classfile.OpReturn)
	})
	ctx := &Context{ObjectSizes: map[string]uint64{}}
	if err := MeteringPass(ctx, c); err != nil {
		t.Fatalf("MeteringPass failed: %v", err)
	}
	insns, err := classfile.Decode(c.Methods[0].Code)
	if err != nil {
		t.Fatalf("decode after metering: %v", err)
	}
	// Every branch must land on an instruction boundary, and each loop
	// head must begin with a charge.
	indexAt := make(map[int]bool)
	for _, in := range insns {
		indexAt[in.PC] = true
	}
	for _, in := range insns {
		if classfile.IsBranch(in.Op) {
			target := in.PC + int(in.S16())
			if !indexAt[target] {
				t.Fatalf("branch at %d targets mid-instruction %d", in.PC, target)
			}
		}
	}
	// The backward goto must land on the loop block's charge, not past it.
	for _, in := range insns {
		if in.Op == classfile.OpGoto && in.S16() < 0 {
			targetPC := in.PC + int(in.S16())
			for _, tIn := range insns {
				if tIn.PC == targetPC && tIn.Op != classfile.OpLConst {
					t.Errorf("loop head does not begin with charge: %s", classfile.OpName(tIn.Op))
				}
			}
		}
	}
}

func TestStackTrackingInjectsEntryAndExits(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.IConst(0)
		b.Branch(classfile.OpIfNe, "alt")
		b.Op(classfile.OpReturn)
		b.Label("alt")
		b.Op(classfile.OpReturn)
	})
	if err := StackTrackingPass(&Context{}, c); err != nil {
		t.Fatalf("StackTrackingPass failed: %v", err)
	}
	insns, _ := classfile.Decode(c.Methods[0].Code)

	countCalls := func(name string) int {
		n := 0
		for _, in := range insns {
			if in.Op != classfile.OpInvokeStatic {
				continue
			}
			k, _ := c.Constant(in.U16())
			ref, _ := classfile.ParseMethodRef(k.Value)
			if ref.Name == name {
				n++
			}
		}
		return n
	}
	if got := countCalls(avm.HelperEnterFrame); got != 1 {
		t.Errorf("enterFrame injected %d times, want 1", got)
	}
	if got := countCalls(avm.HelperExitFrame); got != 2 {
		t.Errorf("exitFrame injected %d times, want 2", got)
	}
	if insns[0].Op != classfile.OpInvokeStatic {
		t.Error("enterFrame is not the first instruction")
	}
}

func TestExceptionPassWrapsThrowsAndHandlers(t *testing.T) {
	c := &classfile.Class{Flags: classfile.FlagPublic, Name: "com/example/T", Super: "avm/lang/Object"}
	b := classfile.NewCodeBuilder(c)
	start := b.PC()
	b.U8(classfile.OpALoad, 0)
	b.Op(classfile.OpAThrow)
	end := b.PC()
	handler := b.PC()
	b.Op(classfile.OpPop)
	b.Op(classfile.OpReturn)
	c.Methods = []classfile.Method{{
		Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "run", Descriptor: "(Lavm/lang/Object;)V",
		MaxStack: 4, MaxLocals: 1, Code: b.MustFinish(),
		Handlers: []classfile.Handler{{StartPC: uint16(start), EndPC: uint16(end), HandlerPC: uint16(handler)}},
	}}

	if err := ExceptionPass(&Context{}, c); err != nil {
		t.Fatalf("ExceptionPass failed: %v", err)
	}
	insns, _ := classfile.Decode(c.Methods[0].Code)

	nameOf := func(in classfile.Instruction) string {
		k, _ := c.Constant(in.U16())
		ref, _ := classfile.ParseMethodRef(k.Value)
		return ref.Name
	}
	// wrapThrown directly before athrow.
	for i, in := range insns {
		if in.Op == classfile.OpAThrow {
			if insns[i-1].Op != classfile.OpInvokeStatic || nameOf(insns[i-1]) != avm.HelperWrapThrown {
				t.Error("athrow not preceded by wrapThrown")
			}
		}
	}
	// The handler entry must now point at unwrapRethrow.
	h := c.Methods[0].Handlers[0]
	var entry *classfile.Instruction
	for i := range insns {
		if insns[i].PC == int(h.HandlerPC) {
			entry = &insns[i]
		}
	}
	if entry == nil {
		t.Fatal("handler pc is not an instruction boundary")
	}
	if entry.Op != classfile.OpInvokeStatic || nameOf(*entry) != avm.HelperUnwrapRethrow {
		t.Errorf("handler entry is %s, want unwrapRethrow call", classfile.OpName(entry.Op))
	}
}

func TestArrayWrapPass(t *testing.T) {
	c := &classfile.Class{
		Flags: classfile.FlagPublic, Name: "com/example/T", Super: "avm/lang/Object",
		Fields: []classfile.Field{{Flags: classfile.FlagPublic, Name: "buf", Descriptor: "[B"}},
	}
	b := classfile.NewCodeBuilder(c)
	b.IConst(8)
	b.U8(classfile.OpNewArray, classfile.DescByte)
	b.Op(classfile.OpArrayLength)
	b.Op(classfile.OpPop)
	b.Op(classfile.OpReturn)
	c.Methods = []classfile.Method{{
		Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "run", Descriptor: "()[B",
		MaxStack: 4, MaxLocals: 0, Code: b.MustFinish(),
	}}

	ctx := &Context{}
	if err := ArrayWrapPass(ctx, c); err != nil {
		t.Fatalf("ArrayWrapPass failed: %v", err)
	}

	byteWrapper := avm.ArrayWrapperByLetter['B']
	if c.Fields[0].Descriptor != "L"+byteWrapper+";" {
		t.Errorf("field descriptor: %s", c.Fields[0].Descriptor)
	}
	if c.Methods[0].Descriptor != "()L"+byteWrapper+";" {
		t.Errorf("method descriptor: %s", c.Methods[0].Descriptor)
	}
	insns, _ := classfile.Decode(c.Methods[0].Code)
	for _, in := range insns {
		if in.Op == classfile.OpNewArray || in.Op == classfile.OpArrayLength {
			t.Errorf("raw array opcode %s survived", classfile.OpName(in.Op))
		}
	}
	if !ctx.wrappers[byteWrapper] || !ctx.wrappers[ArrayBaseClass] {
		t.Error("encountered wrappers not recorded")
	}
}

func TestTransformPipeline(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.IConst(4)
		b.U8(classfile.OpNewArray, classfile.DescByte)
		b.Op(classfile.OpPop)
		b.Op(classfile.OpReturn)
	})
	result, err := Transform(map[string][]byte{"com/example/T": c.Bytes()})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if _, ok := result.Classes["com/example/T"]; !ok {
		t.Fatal("transformed class missing")
	}
	if _, ok := result.Classes[avm.ArrayWrapperByLetter['B']]; !ok {
		t.Fatal("byte array wrapper not synthesized")
	}
	if _, ok := result.Classes[ArrayBaseClass]; !ok {
		t.Fatal("array base not synthesized")
	}
	// Output parses and the transformed method carries injected calls.
	out, err := classfile.Parse(result.Classes["com/example/T"])
	if err != nil {
		t.Fatalf("transformed class does not parse: %v", err)
	}
	if out.Super != avm.ShadowObjectClass {
		t.Errorf("super not shadowed: %s", out.Super)
	}
	if size := result.ObjectSizes["com/example/T"]; size != avm.ObjectHeaderSize {
		t.Errorf("object size: got %d, want bare header %d", size, avm.ObjectHeaderSize)
	}
}

func TestTransformRejectsMismatchedName(t *testing.T) {
	c := simpleClass("com/example/T", func(c *classfile.Class, b *classfile.CodeBuilder) {
		b.Op(classfile.OpReturn)
	})
	if _, err := Transform(map[string][]byte{"com/example/Other": c.Bytes()}); err == nil {
		t.Fatal("expected deployment-name mismatch rejection")
	}
}

func TestComputeObjectSizes(t *testing.T) {
	parent := &classfile.Class{
		Name: "com/example/P", Super: "avm/lang/Object",
		Fields: []classfile.Field{
			{Name: "a", Descriptor: "J"},
			{Name: "s", Descriptor: "I", Flags: classfile.FlagStatic},
		},
	}
	child := &classfile.Class{
		Name: "com/example/C", Super: "com/example/P",
		Fields: []classfile.Field{
			{Name: "b", Descriptor: "Z"},
			{Name: "r", Descriptor: "Lcom/example/P;"},
		},
	}
	forest, err := BuildForest(map[string]*classfile.Class{
		"com/example/P": parent,
		"com/example/C": child,
	})
	if err != nil {
		t.Fatalf("BuildForest failed: %v", err)
	}
	sizes, err := ComputeObjectSizes(forest)
	if err != nil {
		t.Fatalf("ComputeObjectSizes failed: %v", err)
	}
	wantParent := avm.ObjectHeaderSize + 8
	if sizes["com/example/P"] != wantParent {
		t.Errorf("parent size: got %d, want %d (statics must not count)", sizes["com/example/P"], wantParent)
	}
	wantChild := wantParent + 1 + avm.ReferenceSlotSize
	if sizes["com/example/C"] != wantChild {
		t.Errorf("child size: got %d, want %d", sizes["com/example/C"], wantChild)
	}
}

func TestBuildForestRejectsCycles(t *testing.T) {
	a := &classfile.Class{Name: "t/A", Super: "t/B"}
	b := &classfile.Class{Name: "t/B", Super: "t/A"}
	if _, err := BuildForest(map[string]*classfile.Class{"t/A": a, "t/B": b}); err == nil {
		t.Fatal("expected cycle rejection")
	}
}
