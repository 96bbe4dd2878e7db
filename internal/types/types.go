// Package types defines the core value types shared across the AVM.
//
// Addresses identify accounts and deployed DApps. Hashes are the digests
// produced by the runtime bridge and by the graph store root computation.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	AddressSize = 32
	HashSize    = 32
)

var (
	// ErrInvalidAddress is returned when an address has invalid length.
	ErrInvalidAddress = errors.New("invalid address: must be 32 bytes")

	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// Address represents a 32-byte account address.
type Address [AddressSize]byte

// AddressFromBase58 parses a base58-encoded address.
func AddressFromBase58(s string) (Address, error) {
	var a Address
	data, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != AddressSize {
		return a, ErrInvalidAddress
	}
	copy(a[:], data)
	return a, nil
}

// AddressFromBytes creates an Address from a byte slice.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, ErrInvalidAddress
	}
	copy(a[:], b)
	return a, nil
}

// MustAddressFromBase58 parses a base58-encoded address, panicking on error.
// Only for statically-known addresses.
func MustAddressFromBase58(s string) Address {
	a, err := AddressFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid static address %q: %v", s, err))
	}
	return a
}

// String returns the base58-encoded representation.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Bytes returns the address as a byte slice.
func (a Address) Bytes() []byte {
	return a[:]
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromBase58(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash represents a 32-byte digest.
type Hash [HashSize]byte

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// String returns the hex-encoded representation.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}
