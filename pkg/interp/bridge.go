package interp

import (
	"github.com/rleor/avm/internal/types"
)

// HashAlgo selects a runtime bridge hash function.
type HashAlgo int

// Bridge hash algorithms.
const (
	HashSha256 HashAlgo = iota
	HashBlake2b
	HashKeccak256
)

// Bridge is the runtime bridge callable from user code through the shadow
// runtime root. The executor provides the implementation; every operation
// is metered by the implementation before it acts.
//
// Call and Create absorb nested failures into an unsuccessful result; the
// error return is reserved for control-flow kinds that must also terminate
// the calling frame.
type Bridge interface {
	// Meter is the checkpoint run before every bridge operation: it
	// debits the base cost and surfaces task cancellation.
	Meter(op string) error

	Sender() types.Address
	Address() types.Address
	Origin() types.Address
	Data() []byte
	Value() uint64
	BlockEpochSeconds() uint64
	BlockNumber() uint64
	BlockDifficulty() uint64
	RemainingEnergy() uint64

	Call(target types.Address, value uint64, data []byte, energyLimit uint64) (success bool, ret []byte, err error)
	Create(value uint64, code []byte, energyLimit uint64) (success bool, addr []byte, err error)

	GetStorage(key []byte) ([]byte, error)
	PutStorage(key, value []byte) error

	Log(topics [][]byte, data []byte) error
	Revert() error
	Invalid() error

	Hash(algo HashAlgo, data []byte) ([]byte, error)
}
