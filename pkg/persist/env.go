package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EnvKey is the reserved store slot holding the environment record. Object
// records use the instance id itself; id 1 can never collide because
// instance id assignment starts above it.
const EnvKey = uint64(1)

// StaticsKey is the reserved store slot of the root statics container.
const StaticsKey = uint64(0)

// FirstInstanceID is the lowest id the helper hands out.
const FirstInstanceID = int64(2)

// ErrBadEnvRecord is returned for a malformed environment payload.
var ErrBadEnvRecord = errors.New("malformed environment record")

// EnvironmentState is the per-DApp counter record: the next instance id
// and the next identity hash code. It is immutable; updated states are new
// values.
type EnvironmentState struct {
	NextInstanceID int64
	NextHashCode   int32
}

// InitialEnvironment is the state of a freshly deployed DApp.
func InitialEnvironment() EnvironmentState {
	return EnvironmentState{NextInstanceID: FirstInstanceID, NextHashCode: 1}
}

// Encode renders the record as the 12-byte big-endian blob.
func (e EnvironmentState) Encode() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint64(out[0:8], uint64(e.NextInstanceID))
	binary.BigEndian.PutUint32(out[8:12], uint32(e.NextHashCode))
	return out
}

// DecodeEnvironment parses the 12-byte big-endian blob.
func DecodeEnvironment(data []byte) (EnvironmentState, error) {
	if len(data) != 12 {
		return EnvironmentState{}, fmt.Errorf("%w: %d bytes", ErrBadEnvRecord, len(data))
	}
	return EnvironmentState{
		NextInstanceID: int64(binary.BigEndian.Uint64(data[0:8])),
		NextHashCode:   int32(binary.BigEndian.Uint32(data[8:12])),
	}, nil
}

// LoadEnvironment reads the environment record, falling back to the
// initial state for a store that has never been committed.
func LoadEnvironment(store GraphStore) (EnvironmentState, error) {
	data, err := store.Read(EnvKey)
	if errors.Is(err, ErrRecordNotFound) {
		return InitialEnvironment(), nil
	}
	if err != nil {
		return EnvironmentState{}, err
	}
	return DecodeEnvironment(data)
}

// SaveEnvironment buffers the environment record for the next flush.
func SaveEnvironment(store GraphStore, e EnvironmentState) {
	store.Write(EnvKey, e.Encode())
}
