package executor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// Entry point selectors of the test contract.
const (
	selEcho          = 1
	selAdd           = 2
	selSetup         = 3
	selCheckRight    = 4
	selModify        = 5
	selReentrant     = 6
	selRevert        = 7
	selIdentity      = 8
	selReentrantFail = 9
	selModifyRevert  = 10
	selThrow         = 11
	selRecurse       = 12
)

const (
	targetClass = "com/example/Target"
	nodeClass   = "com/example/Node"
	nodeDesc    = "L" + nodeClass + ";"
)

// buildNodeClass is the linked node used for the diamond graph.
func buildNodeClass() *classfile.Class {
	c := &classfile.Class{
		Flags: classfile.FlagPublic,
		Name:  nodeClass,
		Super: "avm/lang/Object",
		Fields: []classfile.Field{
			{Flags: classfile.FlagPublic, Name: "value", Descriptor: "I"},
			{Flags: classfile.FlagPublic, Name: "next", Descriptor: nodeDesc},
		},
	}
	b := classfile.NewCodeBuilder(c)
	b.U8(classfile.OpALoad, 0)
	b.U8(classfile.OpILoad, 1)
	b.Field(classfile.OpPutField, nodeClass, "value", "I")
	b.Op(classfile.OpReturn)
	c.Methods = []classfile.Method{{
		Flags: classfile.FlagPublic, Name: classfile.ConstructorName, Descriptor: "(I)V",
		MaxStack: 4, MaxLocals: 2, Code: b.MustFinish(),
	}}
	return c
}

// buildTargetClass is the multi-entry test contract, dispatching on the
// first byte of the call data.
func buildTargetClass() *classfile.Class {
	c := &classfile.Class{
		Flags: classfile.FlagPublic,
		Name:  targetClass,
		Super: "avm/lang/Object",
		Fields: []classfile.Field{
			{Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "rootLeft", Descriptor: nodeDesc},
			{Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "rootRight", Descriptor: nodeDesc},
		},
	}

	// setup()V: build R→{A,B}; A→C; B→D; C→E; D→E with values 0..4.
	s := classfile.NewCodeBuilder(c)
	for i := 0; i < 5; i++ {
		s.New(nodeClass)
		s.Op(classfile.OpDup)
		s.IConst(int32(i))
		s.Invoke(classfile.OpInvokeSpecial, nodeClass, classfile.ConstructorName, "(I)V")
		s.U8(classfile.OpAStore, uint8(i)) // 0=a 1=b 2=c 3=d 4=e
	}
	link := func(from, to uint8) {
		s.U8(classfile.OpALoad, from)
		s.U8(classfile.OpALoad, to)
		s.Field(classfile.OpPutField, nodeClass, "next", nodeDesc)
	}
	link(0, 2) // a -> c
	link(1, 3) // b -> d
	link(2, 4) // c -> e
	link(3, 4) // d -> e
	s.U8(classfile.OpALoad, 0)
	s.Field(classfile.OpPutStatic, targetClass, "rootLeft", nodeDesc)
	s.U8(classfile.OpALoad, 1)
	s.Field(classfile.OpPutStatic, targetClass, "rootRight", nodeDesc)
	s.Op(classfile.OpReturn)

	// main()[B
	b := classfile.NewCodeBuilder(c)
	b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "getData", "()[B")
	b.U8(classfile.OpAStore, 0)
	b.U8(classfile.OpALoad, 0)
	b.Op(classfile.OpArrayLength)
	b.Branch(classfile.OpIfEq, "default")
	b.U8(classfile.OpALoad, 0)
	b.IConst(0)
	b.Op(classfile.OpBALoad)
	b.U8(classfile.OpIStore, 1)

	sel := func(n int32, label string) {
		b.U8(classfile.OpILoad, 1)
		b.IConst(n)
		b.Branch(classfile.OpIfICmpNe, label)
	}
	emptyReturn := func() {
		b.IConst(0)
		b.U8(classfile.OpNewArray, classfile.DescByte)
		b.Op(classfile.OpAReturn)
	}
	// out := new byte[1]; out[0] = rootRight.next.next.value; return out
	readRightReturn := func() {
		b.IConst(1)
		b.U8(classfile.OpNewArray, classfile.DescByte)
		b.U8(classfile.OpAStore, 3)
		b.U8(classfile.OpALoad, 3)
		b.IConst(0)
		b.Field(classfile.OpGetStatic, targetClass, "rootRight", nodeDesc)
		b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
		b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
		b.Field(classfile.OpGetField, nodeClass, "value", "I")
		b.Op(classfile.OpBAStore)
		b.U8(classfile.OpALoad, 3)
		b.Op(classfile.OpAReturn)
	}
	// call(getAddress(), 0, [innerSel], 500000), discard the result
	reentrantCall := func(innerSel int32) {
		b.IConst(1)
		b.U8(classfile.OpNewArray, classfile.DescByte)
		b.U8(classfile.OpAStore, 2)
		b.U8(classfile.OpALoad, 2)
		b.IConst(0)
		b.IConst(innerSel)
		b.Op(classfile.OpBAStore)
		b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "getAddress", "()[B")
		b.LConst(0)
		b.U8(classfile.OpALoad, 2)
		b.LConst(500_000)
		b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "call", "([BJ[BJ)Lavm/Result;")
		b.Op(classfile.OpPop)
	}

	// echo: return data[1:]
	sel(selEcho, "not_echo")
	b.U8(classfile.OpALoad, 0)
	b.Op(classfile.OpArrayLength)
	b.IConst(1)
	b.Op(classfile.OpISub)
	b.U8(classfile.OpIStore, 2)
	b.U8(classfile.OpILoad, 2)
	b.U8(classfile.OpNewArray, classfile.DescByte)
	b.U8(classfile.OpAStore, 3)
	b.IConst(0)
	b.U8(classfile.OpIStore, 4)
	b.Label("echo_loop")
	b.U8(classfile.OpILoad, 4)
	b.U8(classfile.OpILoad, 2)
	b.Branch(classfile.OpIfICmpGe, "echo_done")
	b.U8(classfile.OpALoad, 3)
	b.U8(classfile.OpILoad, 4)
	b.U8(classfile.OpALoad, 0)
	b.U8(classfile.OpILoad, 4)
	b.IConst(1)
	b.Op(classfile.OpIAdd)
	b.Op(classfile.OpBALoad)
	b.Op(classfile.OpBAStore)
	b.U8(classfile.OpILoad, 4)
	b.IConst(1)
	b.Op(classfile.OpIAdd)
	b.U8(classfile.OpIStore, 4)
	b.Branch(classfile.OpGoto, "echo_loop")
	b.Label("echo_done")
	b.U8(classfile.OpALoad, 3)
	b.Op(classfile.OpAReturn)

	// add: return [data[1] + data[2]]
	b.Label("not_echo")
	sel(selAdd, "not_add")
	b.IConst(1)
	b.U8(classfile.OpNewArray, classfile.DescByte)
	b.U8(classfile.OpAStore, 3)
	b.U8(classfile.OpALoad, 3)
	b.IConst(0)
	b.U8(classfile.OpALoad, 0)
	b.IConst(1)
	b.Op(classfile.OpBALoad)
	b.U8(classfile.OpALoad, 0)
	b.IConst(2)
	b.Op(classfile.OpBALoad)
	b.Op(classfile.OpIAdd)
	b.Op(classfile.OpBAStore)
	b.U8(classfile.OpALoad, 3)
	b.Op(classfile.OpAReturn)

	b.Label("not_add")
	sel(selSetup, "not_setup")
	b.Invoke(classfile.OpInvokeStatic, targetClass, "setup", "()V")
	emptyReturn()

	b.Label("not_setup")
	sel(selCheckRight, "not_check")
	readRightReturn()

	// modify: rootLeft.next.next.value = 5
	b.Label("not_check")
	sel(selModify, "not_modify")
	b.Field(classfile.OpGetStatic, targetClass, "rootLeft", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.IConst(5)
	b.Field(classfile.OpPutField, nodeClass, "value", "I")
	emptyReturn()

	// reentrant modify, then read through the right path
	b.Label("not_modify")
	sel(selReentrant, "not_reentrant")
	reentrantCall(selModify)
	readRightReturn()

	b.Label("not_reentrant")
	sel(selRevert, "not_revert")
	b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "revert", "()V")
	emptyReturn()

	// identity: [rootLeft.next.next == rootRight.next.next]
	b.Label("not_revert")
	sel(selIdentity, "not_identity")
	b.IConst(1)
	b.U8(classfile.OpNewArray, classfile.DescByte)
	b.U8(classfile.OpAStore, 3)
	b.Field(classfile.OpGetStatic, targetClass, "rootLeft", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.Field(classfile.OpGetStatic, targetClass, "rootRight", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.Branch(classfile.OpIfACmpEq, "identity_same")
	b.U8(classfile.OpALoad, 3)
	b.IConst(0)
	b.IConst(0)
	b.Op(classfile.OpBAStore)
	b.Branch(classfile.OpGoto, "identity_done")
	b.Label("identity_same")
	b.U8(classfile.OpALoad, 3)
	b.IConst(0)
	b.IConst(1)
	b.Op(classfile.OpBAStore)
	b.Label("identity_done")
	b.U8(classfile.OpALoad, 3)
	b.Op(classfile.OpAReturn)

	// reentrant call whose inner body reverts after modifying
	b.Label("not_identity")
	sel(selReentrantFail, "not_reentrant_fail")
	reentrantCall(selModifyRevert)
	readRightReturn()

	b.Label("not_reentrant_fail")
	sel(selModifyRevert, "not_modify_revert")
	b.Field(classfile.OpGetStatic, targetClass, "rootLeft", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.Field(classfile.OpGetField, nodeClass, "next", nodeDesc)
	b.IConst(5)
	b.Field(classfile.OpPutField, nodeClass, "value", "I")
	b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "revert", "()V")
	emptyReturn()

	b.Label("not_modify_revert")
	sel(selThrow, "not_throw")
	b.New("avm/lang/Exception")
	b.Op(classfile.OpDup)
	b.Invoke(classfile.OpInvokeSpecial, "avm/lang/Exception", classfile.ConstructorName, "()V")
	b.Op(classfile.OpAThrow)

	// recurse: call self with the same selector; return [1] only if the
	// nested call succeeded AND reported [1] itself, so a depth-ceiling
	// failure anywhere below surfaces as [0] at the top.
	b.Label("not_throw")
	sel(selRecurse, "default")
	b.IConst(1)
	b.U8(classfile.OpNewArray, classfile.DescByte)
	b.U8(classfile.OpAStore, 3) // out, zeroed
	b.IConst(1)
	b.U8(classfile.OpNewArray, classfile.DescByte)
	b.U8(classfile.OpAStore, 2)
	b.U8(classfile.OpALoad, 2)
	b.IConst(0)
	b.IConst(selRecurse)
	b.Op(classfile.OpBAStore)
	b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "getAddress", "()[B")
	b.LConst(0)
	b.U8(classfile.OpALoad, 2)
	b.LConst(500_000)
	b.Invoke(classfile.OpInvokeStatic, "avm/Blockchain", "call", "([BJ[BJ)Lavm/Result;")
	b.U8(classfile.OpAStore, 5)
	b.U8(classfile.OpALoad, 5)
	b.Field(classfile.OpGetField, "avm/Result", "success", "Z")
	b.Branch(classfile.OpIfEq, "recurse_done")
	b.U8(classfile.OpALoad, 5)
	b.Field(classfile.OpGetField, "avm/Result", "data", "[B")
	b.U8(classfile.OpAStore, 6)
	b.U8(classfile.OpALoad, 6)
	b.Branch(classfile.OpIfNull, "recurse_done")
	b.U8(classfile.OpALoad, 6)
	b.IConst(0)
	b.Op(classfile.OpBALoad)
	b.Branch(classfile.OpIfEq, "recurse_done")
	b.U8(classfile.OpALoad, 3)
	b.IConst(0)
	b.IConst(1)
	b.Op(classfile.OpBAStore)
	b.Label("recurse_done")
	b.U8(classfile.OpALoad, 3)
	b.Op(classfile.OpAReturn)

	b.Label("default")
	emptyReturn()

	c.Methods = []classfile.Method{
		{
			Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "main", Descriptor: "()[B",
			MaxStack: 16, MaxLocals: 8, Code: b.MustFinish(),
		},
		{
			Flags: classfile.FlagPublic | classfile.FlagStatic, Name: "setup", Descriptor: "()V",
			MaxStack: 8, MaxLocals: 5, Code: s.MustFinish(),
		},
	}
	return c
}

// targetPackage is the untransformed deployment package of the test DApp.
func targetPackage() *Artifact {
	return &Artifact{
		MainClass: targetClass,
		Classes: map[string][]byte{
			targetClass: buildTargetClass().Bytes(),
			nodeClass:   buildNodeClass().Bytes(),
		},
	}
}

const testEnergyLimit = uint64(10_000_000)

func testAddr(fill byte) types.Address {
	var a types.Address
	for i := range a {
		a[i] = fill
	}
	return a
}

func callCtx(addr types.Address, data []byte, limit uint64) *types.TransactionContext {
	sender := testAddr(0xAA)
	return &types.TransactionContext{
		Origin:      sender,
		Sender:      sender,
		Address:     addr,
		Data:        data,
		EnergyLimit: limit,
		BlockNumber: 7,
	}
}

// deployTarget deploys the test DApp into a fresh in-memory node.
func deployTarget(t *testing.T) (*AVM, types.Address) {
	t.Helper()
	vm := New(NewMemArtifacts(), NewMemGraphs(), NewMemUserStore())
	addr := testAddr(0x11)
	result := vm.Deploy(NewTask(), callCtx(addr, nil, testEnergyLimit), targetPackage())
	if !result.Code.IsSuccess() {
		t.Fatalf("deploy failed: %s", result.Code)
	}
	return vm, addr
}

func run(t *testing.T, vm *AVM, addr types.Address, data []byte) *types.TransactionResult {
	t.Helper()
	return vm.Run(NewTask(), callCtx(addr, data, testEnergyLimit))
}

func TestEchoReturnsInput(t *testing.T) {
	vm, addr := deployTarget(t)
	result := run(t, vm, addr, []byte{selEcho, 0x01, 0x02, 0x03})
	if !result.Code.IsSuccess() {
		t.Fatalf("echo failed: %s (%s)", result.Code, result.UncaughtException)
	}
	if !bytes.Equal(result.ReturnData, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("echo return: %x", result.ReturnData)
	}
	if result.EnergyUsed == 0 {
		t.Error("echo used no energy")
	}
}

func TestAddIsDeterministic(t *testing.T) {
	vm, addr := deployTarget(t)

	first := run(t, vm, addr, []byte{selAdd, 42, 13})
	if !first.Code.IsSuccess() {
		t.Fatalf("add failed: %s", first.Code)
	}
	if !bytes.Equal(first.ReturnData, []byte{55}) {
		t.Fatalf("add return: %v", first.ReturnData)
	}

	for i := 0; i < 100; i++ {
		again := run(t, vm, addr, []byte{selAdd, 42, 13})
		if !again.Code.IsSuccess() {
			t.Fatalf("run %d failed: %s", i, again.Code)
		}
		if again.EnergyUsed != first.EnergyUsed {
			t.Fatalf("run %d used %d energy, first used %d", i, again.EnergyUsed, first.EnergyUsed)
		}
		if !bytes.Equal(again.ReturnData, first.ReturnData) {
			t.Fatalf("run %d returned %v", i, again.ReturnData)
		}
	}
}

func TestDiamondIdentityAcrossTasks(t *testing.T) {
	vm, addr := deployTarget(t)
	if result := run(t, vm, addr, []byte{selSetup}); !result.Code.IsSuccess() {
		t.Fatalf("setup failed: %s", result.Code)
	}

	// Fresh task: the graph is rehydrated from the store.
	check := run(t, vm, addr, []byte{selCheckRight})
	if !check.Code.IsSuccess() || !bytes.Equal(check.ReturnData, []byte{4}) {
		t.Fatalf("check: %s %v", check.Code, check.ReturnData)
	}

	identity := run(t, vm, addr, []byte{selIdentity})
	if !identity.Code.IsSuccess() {
		t.Fatalf("identity failed: %s", identity.Code)
	}
	if !bytes.Equal(identity.ReturnData, []byte{1}) {
		t.Error("E loaded via the two paths is not one instance")
	}
}

func TestReentrantModifyCommits(t *testing.T) {
	vm, addr := deployTarget(t)
	if result := run(t, vm, addr, []byte{selSetup}); !result.Code.IsSuccess() {
		t.Fatalf("setup failed: %s", result.Code)
	}

	result := run(t, vm, addr, []byte{selReentrant})
	if !result.Code.IsSuccess() {
		t.Fatalf("reentrant run failed: %s (%s)", result.Code, result.UncaughtException)
	}
	// The nested call modified E via the left path; the outer frame must
	// observe the change through the right path after the nested commit.
	if !bytes.Equal(result.ReturnData, []byte{5}) {
		t.Errorf("outer frame read %v, want [5]", result.ReturnData)
	}

	// The commit persisted: a later task sees 5.
	later := run(t, vm, addr, []byte{selCheckRight})
	if !bytes.Equal(later.ReturnData, []byte{5}) {
		t.Errorf("persisted value %v, want [5]", later.ReturnData)
	}
}

func TestReentrantRevertLeavesCallerGraph(t *testing.T) {
	vm, addr := deployTarget(t)
	if result := run(t, vm, addr, []byte{selSetup}); !result.Code.IsSuccess() {
		t.Fatalf("setup failed: %s", result.Code)
	}

	result := run(t, vm, addr, []byte{selReentrantFail})
	if !result.Code.IsSuccess() {
		t.Fatalf("outer run failed: %s", result.Code)
	}
	if !bytes.Equal(result.ReturnData, []byte{4}) {
		t.Errorf("reverted nested call leaked a mutation: %v", result.ReturnData)
	}
}

func TestRevertStatus(t *testing.T) {
	vm, addr := deployTarget(t)
	result := run(t, vm, addr, []byte{selRevert})
	if result.Code != types.ResultFailedRevert {
		t.Fatalf("status: %s, want FAILED_REVERT", result.Code)
	}
	if result.EnergyUsed == 0 || result.EnergyUsed >= testEnergyLimit {
		t.Errorf("revert must charge energy used so far, got %d", result.EnergyUsed)
	}
}

func TestUncaughtExceptionStatus(t *testing.T) {
	vm, addr := deployTarget(t)
	result := run(t, vm, addr, []byte{selThrow})
	if result.Code != types.ResultFailedException {
		t.Fatalf("status: %s, want FAILED_EXCEPTION", result.Code)
	}
	if result.EnergyUsed != testEnergyLimit {
		t.Errorf("uncaught exception must charge the full budget, got %d", result.EnergyUsed)
	}
	if !strings.Contains(result.UncaughtException, "Exception") {
		t.Errorf("uncaught exception detail: %q", result.UncaughtException)
	}
}

func TestOutOfEnergyLeavesStoreUntouched(t *testing.T) {
	vm, addr := deployTarget(t)

	// Observe the cost of a known-good setup on a throwaway node.
	probeVM, probeAddr := deployTarget(t)
	probe := run(t, probeVM, probeAddr, []byte{selSetup})
	if !probe.Code.IsSuccess() {
		t.Fatalf("probe setup failed: %s", probe.Code)
	}

	store := vm.Graphs.GraphStore(addr)
	rootBefore := store.SimpleHashCode()

	starved := vm.Run(NewTask(), callCtx(addr, []byte{selSetup}, probe.EnergyUsed/2))
	if starved.Code != types.ResultFailedOutOfEnergy {
		t.Fatalf("status: %s, want FAILED_OUT_OF_ENERGY", starved.Code)
	}
	if starved.EnergyUsed != probe.EnergyUsed/2 {
		t.Errorf("out-of-energy must charge the full budget: %d", starved.EnergyUsed)
	}
	if !bytes.Equal(rootBefore, store.SimpleHashCode()) {
		t.Error("failed transaction changed the store")
	}

	// The next transaction still sees the pre-call state.
	after := run(t, vm, addr, []byte{selCheckRight})
	if after.Code == types.ResultSuccess {
		t.Error("graph roots appeared despite the failed setup")
	}
}

func TestEnergyNeverExceedsLimit(t *testing.T) {
	vm, addr := deployTarget(t)
	for _, data := range [][]byte{
		{selEcho, 1}, {selAdd, 1, 2}, {selSetup}, {selRevert}, {selThrow},
	} {
		result := run(t, vm, addr, data)
		if result.EnergyUsed > testEnergyLimit {
			t.Errorf("selector %d used %d > limit", data[0], result.EnergyUsed)
		}
	}
}

func TestNestedCallAtCeilingFailsWithDepthStatus(t *testing.T) {
	vm, addr := deployTarget(t)

	// Seed the frame one below the ceiling: its own nested call is the
	// one that crosses it, so the call-depth kind is raised here.
	ctx := callCtx(addr, []byte{selRecurse}, testEnergyLimit)
	ctx.Depth = avm.CallDepthMax - 1
	result := vm.Run(NewTask(), ctx)

	if result.Code != types.ResultFailedCallDepthLimitExceeded {
		t.Fatalf("status: %s, want FAILED_CALL_DEPTH_LIMIT_EXCEEDED", result.Code)
	}
	if result.EnergyUsed != testEnergyLimit {
		t.Errorf("depth limit must charge the full budget, got %d", result.EnergyUsed)
	}
}

func TestRecursiveCallBottomsOutAtDepthLimit(t *testing.T) {
	vm, addr := deployTarget(t)

	// Unbounded self-calls from the top: the chain must be cut by the
	// depth ceiling, and the failure must be visible to every outer
	// frame (each level reports [1] only if its whole subtree succeeded).
	result := run(t, vm, addr, []byte{selRecurse})
	if !result.Code.IsSuccess() {
		t.Fatalf("outer run failed: %s (%s)", result.Code, result.UncaughtException)
	}
	if !bytes.Equal(result.ReturnData, []byte{0}) {
		t.Errorf("recursion did not surface the depth-limit failure: %v", result.ReturnData)
	}
}

func TestRunUnknownAddressFails(t *testing.T) {
	vm := New(NewMemArtifacts(), NewMemGraphs(), NewMemUserStore())
	result := vm.Run(NewTask(), callCtx(testAddr(0x77), nil, testEnergyLimit))
	if result.Code != types.ResultFailed {
		t.Fatalf("status: %s, want FAILED", result.Code)
	}
}

func TestAbortStatus(t *testing.T) {
	vm, addr := deployTarget(t)
	task := NewTask()
	task.Abort()
	result := vm.Run(task, callCtx(addr, []byte{selEcho, 1}, testEnergyLimit))
	if result.Code != types.ResultFailedAbort {
		t.Fatalf("status: %s, want FAILED_ABORT", result.Code)
	}
	if result.EnergyUsed != 0 {
		t.Errorf("abort must charge nothing, got %d", result.EnergyUsed)
	}
}
