package common

import "bytes"

const (
	// AddressSize is the number of bytes of the Address type.
	AddressSize = 20
	// HashSize is the number of bytes of the Hash type.
	HashSize = 32
)

// Address is a 20-byte account address.
type Address [AddressSize]byte

// Hash is a 32-byte keccak-256 output.
type Hash [HashSize]byte

// Version is a logical snapshot index of the state. Every committed batch
// of account updates advances the state by one or more versions.
type Version uint64

// Compare returns -1, 0 or 1 depending on the unsigned lexicographic order
// of the two hashes.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}
