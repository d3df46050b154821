package common

import (
	"sync"

	"golang.org/x/crypto/sha3"
)

// Keccak256 computes the keccak-256 hash of the given data.
func Keccak256(data []byte) Hash {
	hasher := keccakHasherPool.Get().(keccakHasher)
	hasher.Reset()
	hasher.Write(data)
	var res Hash
	hasher.Read(res[:])
	keccakHasherPool.Put(hasher)
	return res
}

// Keccak256ForAddress computes the keccak-256 hash of the given address.
// All merkle tree operations key on this hash, never on the raw address.
func Keccak256ForAddress(addr Address) Hash {
	return Keccak256(addr[:])
}

var keccakHasherPool = sync.Pool{New: func() any { return sha3.NewLegacyKeccak256() }}

// keccakHasher is the subset of sha3 state functionality needed for hashing,
// using Read instead of Sum to avoid a state copy.
type keccakHasher interface {
	Reset()
	Write(in []byte) (int, error)
	Read(out []byte) (int, error)
}
