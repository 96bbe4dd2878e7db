// Package executor drives DApp transactions: it hydrates class statics,
// invokes the entry point, commits or reverts the object graph, and
// records the result and energy used. It owns the reentrant DApp stack
// that routes nested same-address calls onto the reentrant persistence
// path.
package executor

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
	"github.com/rleor/avm/pkg/interp"
	"github.com/rleor/avm/pkg/persist"
	"github.com/rleor/avm/pkg/transform"
)

// Executor errors.
var (
	ErrNoMainMethod = errors.New("artifact has no main entry point")
)

// GraphProvider hands out the per-DApp object graph store.
type GraphProvider interface {
	GraphStore(addr types.Address) persist.GraphStore
}

// UserStore is the user-space key-value surface behind the bridge's
// getStorage/putStorage operations.
type UserStore interface {
	Get(addr types.Address, key []byte) ([]byte, error)
	Put(addr types.Address, key, value []byte) error
}

// AVM executes transactions against deployed DApps. One AVM may serve many
// concurrent tasks; all per-call state lives on the task and the frame.
type AVM struct {
	Artifacts ArtifactStore
	Graphs    GraphProvider
	Storage   UserStore

	log *logrus.Entry
}

// New creates an executor over the given stores.
func New(artifacts ArtifactStore, graphs GraphProvider, storage UserStore) *AVM {
	return &AVM{
		Artifacts: artifacts,
		Graphs:    graphs,
		Storage:   storage,
		log:       logrus.WithField("component", "executor"),
	}
}

// Deploy transforms a deployment package, stores the artifact, runs the
// class initializers, and persists the initial object graph.
func (vm *AVM) Deploy(task *Task, ctx *types.TransactionContext, pkg *Artifact) *types.TransactionResult {
	result := &types.TransactionResult{}

	transformed, err := transform.Transform(pkg.Classes)
	if err != nil {
		vm.log.WithError(err).WithField("address", ctx.Address).Debug("deployment rejected")
		result.Code = types.ResultFailed
		result.EnergyUsed = ctx.EnergyLimit
		return result
	}
	artifact := &Artifact{MainClass: pkg.MainClass, Classes: transformed.Classes}
	result = vm.call(task, ctx, artifact, true)
	if result.Code.IsSuccess() {
		if err := vm.Artifacts.Put(ctx.Address, artifact); err != nil {
			result.Code = types.ResultFailed
			result.EnergyUsed = ctx.EnergyLimit
		}
	}
	return result
}

// Run executes one transaction or nested call against a deployed DApp.
func (vm *AVM) Run(task *Task, ctx *types.TransactionContext) *types.TransactionResult {
	artifact, err := vm.Artifacts.Get(ctx.Address)
	if err != nil {
		return &types.TransactionResult{Code: types.ResultFailed, EnergyUsed: ctx.EnergyLimit}
	}
	return vm.call(task, ctx, artifact, false)
}

// call is the single invocation path shared by deployment (which runs the
// class initializers) and ordinary calls (which run main).
func (vm *AVM) call(task *Task, ctx *types.TransactionContext, artifact *Artifact, isDeploy bool) (result *types.TransactionResult) {
	result = &types.TransactionResult{}
	store := vm.Graphs.GraphStore(ctx.Address)

	// A running frame for the same address means this is a reentrant call:
	// the in-memory graph is reused and the disk codec stays out of it.
	resume := task.Stack.TopOfAddress(ctx.Address)

	var universe *interp.Universe
	var env persist.EnvironmentState
	var err error
	if resume != nil {
		universe = resume.Universe
		env = persist.EnvironmentState{
			NextInstanceID: resume.Helper.PeekNextInstanceID(),
			NextHashCode:   resume.Helper.PeekNextHashCode(),
		}
	} else {
		universe, err = interp.NewUniverse(artifact.Classes)
		if err != nil {
			result.Code = types.ResultFailed
			result.EnergyUsed = ctx.EnergyLimit
			return result
		}
		env, err = persist.LoadEnvironment(store)
		if err != nil {
			result.Code = types.ResultFailed
			result.EnergyUsed = ctx.EnergyLimit
			return result
		}
	}

	helper := avm.NewHelper(ctx.EnergyLimit, env.NextInstanceID, env.NextHashCode)
	if resume != nil {
		// Reentrant entry shares the caller's stack-depth budget.
		helper.SeedFrameDepth(resume.Helper.FrameDepth())
	}
	frame := &Frame{Address: ctx.Address, Universe: universe, Helper: helper, Env: env, State: FrameCreated}
	task.Stack.Push(frame)
	defer task.Stack.Pop()

	fees := persist.NewHelperStorageFees(helper)
	bridge := newBridge(vm, task, ctx, helper)
	machine := interp.NewMachine(universe, helper, bridge)

	var reentrant *persist.ReentrantProcessor
	var direct *persist.ReflectionCodec

	fail := func(code types.ResultCode, energyUsed uint64) *types.TransactionResult {
		if reentrant != nil {
			reentrant.RevertToStoredFields()
		} else {
			store.DropWrites()
		}
		frame.State = FrameReverted
		result.Code = code
		result.EnergyUsed = energyUsed
		return result
	}

	// Hydrate statics: reentrant capture for a nested same-address call,
	// disk codec otherwise.
	if resume != nil {
		reentrant = persist.NewReentrantProcessor(universe, fees)
		if err := reentrant.CaptureAndReplaceStaticState(); err != nil {
			return vm.mapFailure(ctx, fail, helper, err)
		}
	} else {
		direct = persist.NewReflectionCodec(universe, store, fees)
		if err := direct.LoadStatics(); err != nil {
			return vm.mapFailure(ctx, fail, helper, err)
		}
	}
	frame.State = FrameHydrated

	frame.State = FrameRunning
	ret, err := vm.invokeEntry(machine, universe, artifact, isDeploy)
	if err != nil {
		return vm.mapFailure(ctx, fail, helper, err)
	}

	// Commit: write back the statics graph (nested commits merge into the
	// caller graph; the top level serializes to the store and flushes).
	if resume != nil {
		if err := reentrant.CommitGraphToStoredFieldsAndRestore(); err != nil {
			return vm.mapFailure(ctx, fail, helper, err)
		}
		resume.Helper.SyncCounters(helper.PeekNextInstanceID(), helper.PeekNextHashCode())
	} else {
		if err := direct.SaveStatics(); err != nil {
			return vm.mapFailure(ctx, fail, helper, err)
		}
		persist.SaveEnvironment(store, persist.EnvironmentState{
			NextInstanceID: helper.PeekNextInstanceID(),
			NextHashCode:   helper.PeekNextHashCode(),
		})
		if err := store.FlushWrites(); err != nil {
			return vm.mapFailure(ctx, fail, helper, err)
		}
	}

	frame.State = FrameCommitted
	result.Code = types.ResultSuccess
	result.ReturnData = interp.ByteArrayBytes(ret.Ref)
	result.EnergyUsed = helper.EnergyUsed()
	if root, err := types.HashFromBytes(store.SimpleHashCode()); err == nil {
		result.StorageRootHash = root
	}
	return result
}

// invokeEntry runs the class initializers (deployment) or main.
func (vm *AVM) invokeEntry(machine *interp.Machine, universe *interp.Universe, artifact *Artifact, isDeploy bool) (interp.Value, error) {
	if isDeploy {
		for _, c := range universe.ClassesInOrder() {
			clinit := c.Method(classfile.ClassInitName, "()V")
			if clinit == nil {
				continue
			}
			if _, err := machine.Invoke(clinit, nil); err != nil {
				return interp.Value{}, err
			}
		}
		return interp.Value{}, nil
	}

	mainClass, err := universe.Class(artifact.MainClass)
	if err != nil {
		return interp.Value{}, err
	}
	mainMi := mainClass.MethodByName(classfile.MainMethodName)
	if mainMi == nil {
		return interp.Value{}, fmt.Errorf("%w: %s", ErrNoMainMethod, artifact.MainClass)
	}
	return machine.Invoke(mainMi, nil)
}

// mapFailure applies the status and energy table for a failed call,
// reverting the reentrant processor if one was active.
func (vm *AVM) mapFailure(ctx *types.TransactionContext, fail func(types.ResultCode, uint64) *types.TransactionResult, helper *avm.Helper, err error) *types.TransactionResult {
	var ut *avm.UserThrow
	switch {
	case errors.Is(err, avm.ErrOutOfEnergy):
		return fail(types.ResultFailedOutOfEnergy, ctx.EnergyLimit)
	case errors.Is(err, avm.ErrOutOfStack):
		return fail(types.ResultFailedOutOfStack, ctx.EnergyLimit)
	case errors.Is(err, avm.ErrCallDepthLimit):
		return fail(types.ResultFailedCallDepthLimitExceeded, ctx.EnergyLimit)
	case errors.Is(err, avm.ErrRevert):
		return fail(types.ResultFailedRevert, helper.EnergyUsed())
	case errors.Is(err, avm.ErrInvalid):
		return fail(types.ResultFailedInvalid, ctx.EnergyLimit)
	case errors.Is(err, avm.ErrAbort):
		return fail(types.ResultFailedAbort, 0)
	case errors.As(err, &ut):
		vm.log.WithField("address", ctx.Address).WithField("exception", ut.Message).
			Debug("uncaught exception")
		out := fail(types.ResultFailedException, ctx.EnergyLimit)
		out.UncaughtException = ut.Message
		return out
	default:
		vm.log.WithField("address", ctx.Address).WithError(err).Debug("vm failure")
		return fail(types.ResultFailed, ctx.EnergyLimit)
	}
}
