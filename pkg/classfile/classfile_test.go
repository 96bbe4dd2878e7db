package classfile

import (
	"bytes"
	"testing"
)

// sampleClass builds a small class exercising every section of the format.
func sampleClass() *Class {
	c := &Class{
		Flags: FlagPublic,
		Name:  "com/example/Sample",
		Super: "avm/lang/Object",
		Interfaces: []string{
			"com/example/Marker",
		},
		Fields: []Field{
			{Flags: FlagPublic, Name: "value", Descriptor: "I"},
			{Flags: FlagPublic | FlagStatic, Name: "root", Descriptor: "Lcom/example/Sample;"},
		},
	}
	b := NewCodeBuilder(c)
	b.IConst(7)
	b.U8(OpIStore, 1)
	b.Label("loop")
	b.U8(OpILoad, 1)
	b.Branch(OpIfLe, "done")
	b.U8(OpILoad, 1)
	b.IConst(1)
	b.Op(OpISub)
	b.U8(OpIStore, 1)
	b.Branch(OpGoto, "loop")
	b.Label("done")
	b.Op(OpReturn)
	c.Methods = []Method{
		{
			Flags:      FlagPublic | FlagStatic,
			Name:       "countDown",
			Descriptor: "()V",
			MaxStack:   4,
			MaxLocals:  2,
			Code:       b.MustFinish(),
			Handlers: []Handler{
				{StartPC: 0, EndPC: 5, HandlerPC: 5, CatchType: c.AddConstant(ConstType, "avm/lang/Exception")},
			},
		},
	}
	return c
}

func TestParseRoundTrip(t *testing.T) {
	original := sampleClass()
	data := original.Bytes()

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Name != original.Name || parsed.Super != original.Super {
		t.Errorf("name/super mismatch: got %s/%s", parsed.Name, parsed.Super)
	}
	if len(parsed.Fields) != 2 || parsed.Fields[1].Name != "root" {
		t.Errorf("fields not preserved: %+v", parsed.Fields)
	}
	if len(parsed.Methods) != 1 {
		t.Fatalf("methods not preserved: %d", len(parsed.Methods))
	}
	if !bytes.Equal(parsed.Methods[0].Code, original.Methods[0].Code) {
		t.Error("code not preserved")
	}
	if len(parsed.Methods[0].Handlers) != 1 {
		t.Fatalf("handlers not preserved")
	}

	// Serialization must be deterministic.
	if !bytes.Equal(parsed.Bytes(), data) {
		t.Error("re-serialization differs from original bytes")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := sampleClass().Bytes()
	data[0] ^= 0xFF
	if _, err := Parse(data); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	data := sampleClass().Bytes()
	for _, cut := range []int{1, 7, len(data) / 2, len(data) - 1} {
		if _, err := Parse(data[:cut]); err == nil {
			t.Errorf("expected truncation error at %d bytes", cut)
		}
	}
}

func TestSplitMethodDescriptor(t *testing.T) {
	params, ret, err := SplitMethodDescriptor("(I[BLavm/lang/String;J)[I")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	want := []string{"I", "[B", "Lavm/lang/String;", "J"}
	if len(params) != len(want) {
		t.Fatalf("got %d params, want %d", len(params), len(want))
	}
	for i, p := range params {
		if p != want[i] {
			t.Errorf("param %d: got %q, want %q", i, p, want[i])
		}
	}
	if ret != "[I" {
		t.Errorf("return: got %q", ret)
	}

	for _, bad := range []string{"", "I", "(I", "()", "(Q)V", "(I)"} {
		if _, _, err := SplitMethodDescriptor(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestDecodeEncode(t *testing.T) {
	c := &Class{Name: "t/T", Super: "avm/lang/Object"}
	b := NewCodeBuilder(c)
	b.LConst(1 << 40)
	b.Op(OpPop)
	b.IConst(-1)
	b.Op(OpIReturn)
	code := b.MustFinish()

	insns, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(insns) != 4 {
		t.Fatalf("got %d instructions", len(insns))
	}
	if insns[0].I64() != 1<<40 {
		t.Errorf("lconst operand: got %d", insns[0].I64())
	}
	if insns[2].I32() != -1 {
		t.Errorf("iconst operand: got %d", insns[2].I32())
	}
	if !bytes.Equal(Encode(insns), code) {
		t.Error("encode(decode(code)) differs")
	}
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	if _, err := Decode([]byte{0xEE}); err == nil {
		t.Fatal("expected unknown opcode error")
	}
	// Truncated operand.
	if _, err := Decode([]byte{OpIConst, 0x00}); err == nil {
		t.Fatal("expected truncated operand error")
	}
}

func TestFieldAndMethodRefs(t *testing.T) {
	f, err := ParseFieldRef("com/example/Node.next:Lcom/example/Node;")
	if err != nil {
		t.Fatalf("field ref: %v", err)
	}
	if f.Owner != "com/example/Node" || f.Name != "next" || f.Descriptor != "Lcom/example/Node;" {
		t.Errorf("field ref parsed wrong: %+v", f)
	}
	if f.String() != "com/example/Node.next:Lcom/example/Node;" {
		t.Errorf("field ref render: %s", f.String())
	}

	m, err := ParseMethodRef("avm/Blockchain.call([BJ[BJ)[B")
	if err != nil {
		t.Fatalf("method ref: %v", err)
	}
	if m.Owner != "avm/Blockchain" || m.Name != "call" || m.Descriptor != "([BJ[BJ)[B" {
		t.Errorf("method ref parsed wrong: %+v", m)
	}

	for _, bad := range []string{"", "noform", "a.b", "(V)"} {
		if _, err := ParseMethodRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestCodeBuilderBranches(t *testing.T) {
	c := &Class{Name: "t/T", Super: "avm/lang/Object"}
	b := NewCodeBuilder(c)
	b.Branch(OpGoto, "end")
	b.Op(OpNop)
	b.Label("end")
	b.Op(OpReturn)
	code, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	insns, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if insns[0].Op != OpGoto || int(insns[0].S16()) != 4 {
		t.Errorf("branch offset: got %d, want 4", insns[0].S16())
	}

	b2 := NewCodeBuilder(c)
	b2.Branch(OpGoto, "missing")
	if _, err := b2.Finish(); err == nil {
		t.Fatal("expected undefined label error")
	}
}
