package executor

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/interp"
)

// LogEntry is one event emitted through the bridge.
type LogEntry struct {
	Address types.Address
	Topics  [][]byte
	Data    []byte
}

// bridge implements interp.Bridge for one frame. Every operation charges
// the helper before acting; the abort flag is checked at the same
// checkpoints.
type bridge struct {
	vm     *AVM
	task   *Task
	ctx    *types.TransactionContext
	helper *avm.Helper
}

func newBridge(vm *AVM, task *Task, ctx *types.TransactionContext, helper *avm.Helper) *bridge {
	return &bridge{vm: vm, task: task, ctx: ctx, helper: helper}
}

// charge is the shared metered checkpoint of every bridge operation.
func (b *bridge) charge(cost uint64) error {
	if b.task.Aborted() {
		return avm.ErrAbort
	}
	return b.helper.ChargeEnergy(cost)
}

// Meter runs before every bridge operation.
func (b *bridge) Meter(op string) error {
	return b.charge(avm.FeeBridgeBase)
}

func (b *bridge) Sender() types.Address  { return b.ctx.Sender }
func (b *bridge) Address() types.Address { return b.ctx.Address }
func (b *bridge) Origin() types.Address  { return b.ctx.Origin }
func (b *bridge) Data() []byte           { return b.ctx.Data }
func (b *bridge) Value() uint64          { return b.ctx.Value }

func (b *bridge) BlockEpochSeconds() uint64 { return b.ctx.BlockEpochSeconds }
func (b *bridge) BlockNumber() uint64       { return b.ctx.BlockNumber }
func (b *bridge) BlockDifficulty() uint64   { return b.ctx.BlockDifficulty }
func (b *bridge) RemainingEnergy() uint64   { return b.helper.EnergyRemaining() }

// Call dispatches a nested call. A failure of the nested call is absorbed
// into an unsuccessful result; abort and the depth ceiling propagate into
// this frame. The ceiling is an uncatchable control-flow kind: the frame
// attempting the too-deep call fails with the call-depth status.
func (b *bridge) Call(target types.Address, value uint64, data []byte, energyLimit uint64) (bool, []byte, error) {
	if err := b.charge(avm.FeeNestedCall); err != nil {
		return false, nil, err
	}
	if b.ctx.Depth+1 >= avm.CallDepthMax {
		return false, nil, avm.ErrCallDepthLimit
	}
	if energyLimit > b.helper.EnergyRemaining() {
		energyLimit = b.helper.EnergyRemaining()
	}

	childCtx := b.ctx.NestedContext(target, value, data, energyLimit)
	childResult := b.vm.Run(b.task, childCtx)
	if err := b.helper.ChargeEnergy(childResult.EnergyUsed); err != nil {
		return false, nil, err
	}
	if childResult.Code == types.ResultFailedAbort {
		return false, nil, avm.ErrAbort
	}
	return childResult.Code.IsSuccess(), childResult.ReturnData, nil
}

// Create deploys a new DApp from a deployment package, returning its
// address. Unlike Call, the depth ceiling here is a value-level failure:
// the result is unsuccessful with a null address, and the creating code
// decides what that means.
func (b *bridge) Create(value uint64, code []byte, energyLimit uint64) (bool, []byte, error) {
	if err := b.charge(avm.FeeNestedCall); err != nil {
		return false, nil, err
	}
	if b.ctx.Depth+1 >= avm.CallDepthMax {
		return false, nil, nil
	}
	if energyLimit > b.helper.EnergyRemaining() {
		energyLimit = b.helper.EnergyRemaining()
	}

	pkg, err := DecodeArtifact(code)
	if err != nil {
		return false, nil, nil
	}
	target := deriveAddress(b.ctx.Address, code, b.task.nextCreateNonce())
	// The class initializers of the new DApp observe the deployment
	// package as their call data.
	childCtx := b.ctx.NestedContext(target, value, code, energyLimit)
	childResult := b.vm.Deploy(b.task, childCtx, pkg)
	if err := b.helper.ChargeEnergy(childResult.EnergyUsed); err != nil {
		return false, nil, err
	}
	if childResult.Code == types.ResultFailedAbort {
		return false, nil, avm.ErrAbort
	}
	if !childResult.Code.IsSuccess() {
		return false, nil, nil
	}
	return true, target.Bytes(), nil
}

func (b *bridge) GetStorage(key []byte) ([]byte, error) {
	if err := b.charge(avm.FeeStorageGet); err != nil {
		return nil, err
	}
	return b.vm.Storage.Get(b.ctx.Address, key)
}

func (b *bridge) PutStorage(key, value []byte) error {
	if err := b.charge(avm.FeeStoragePut); err != nil {
		return err
	}
	return b.vm.Storage.Put(b.ctx.Address, key, value)
}

func (b *bridge) Log(topics [][]byte, data []byte) error {
	size := len(data)
	for _, t := range topics {
		size += len(t)
	}
	if err := b.charge(avm.FeeLogBase + uint64(size)*avm.FeeLogPerByte); err != nil {
		return err
	}
	b.task.Logs = append(b.task.Logs, LogEntry{Address: b.ctx.Address, Topics: topics, Data: data})
	return nil
}

func (b *bridge) Revert() error {
	return avm.ErrRevert
}

func (b *bridge) Invalid() error {
	return avm.ErrInvalid
}

func (b *bridge) Hash(algo interp.HashAlgo, data []byte) ([]byte, error) {
	if err := b.charge(uint64(len(data)) * avm.FeeHashPerByte); err != nil {
		return nil, err
	}
	switch algo {
	case interp.HashSha256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case interp.HashBlake2b:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	default:
		hasher := sha3.NewLegacyKeccak256()
		hasher.Write(data)
		return hasher.Sum(nil), nil
	}
}

// deriveAddress computes a created DApp's address from its creator, the
// deployment package, and the task-scoped creation nonce.
func deriveAddress(creator types.Address, code []byte, nonce uint64) types.Address {
	hasher := sha256.New()
	hasher.Write(creator.Bytes())
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	hasher.Write(n[:])
	hasher.Write(code)
	var out types.Address
	copy(out[:], hasher.Sum(nil))
	return out
}
