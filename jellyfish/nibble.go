package jellyfish

import (
	"fmt"
	"strings"

	"github.com/Fantom-foundation/Jellyfish/common"
)

// RootNibbleHeight is the maximum depth of the tree, equal to the number of
// nibbles in a hashed account key.
const RootNibbleHeight = common.HashSize * 2

// Nibble is a 4-bit integer in the range 0-F. It is a single letter used to
// navigate in the tree structure.
type Nibble byte

// Rune converts a Nibble in a hexa-decimal rune (0-9a-f).
func (n Nibble) Rune() rune {
	if n < 10 {
		return rune('0' + n)
	} else if n < 16 {
		return rune('a' + n - 10)
	} else {
		return '?'
	}
}

// String converts a Nibble in a hexa-decimal string (0-9a-f).
func (n Nibble) String() string {
	return string(n.Rune())
}

// NibbleOf returns the i-th nibble of the given hash, counting from the
// most significant half-byte.
func NibbleOf(hash common.Hash, i int) Nibble {
	b := hash[i/2]
	if i%2 == 0 {
		return Nibble(b >> 4)
	}
	return Nibble(b & 0x0f)
}

// NibblePath is a sequence of up to RootNibbleHeight nibbles representing a
// prefix of a hashed account key, walked from the root of the tree. It is a
// comparable value type; unused nibbles are kept zero so that equal paths
// compare equal.
type NibblePath struct {
	numNibbles uint8
	packed     [common.HashSize]byte
}

// EmptyNibblePath returns the zero-length path addressing the tree root.
func EmptyNibblePath() NibblePath {
	return NibblePath{}
}

// FullNibblePath returns the path covering all nibbles of the given key.
func FullNibblePath(key common.Hash) NibblePath {
	return NibblePath{numNibbles: RootNibbleHeight, packed: key}
}

// NibblePathFromBytes restores a path from its packed byte representation.
func NibblePathFromBytes(data []byte, numNibbles int) (NibblePath, error) {
	if numNibbles < 0 || numNibbles > RootNibbleHeight {
		return NibblePath{}, fmt.Errorf("%w: invalid nibble path length %d", common.ErrCorrupted, numNibbles)
	}
	if want := (numNibbles + 1) / 2; len(data) != want {
		return NibblePath{}, fmt.Errorf("%w: nibble path of %d nibbles encoded in %d bytes, want %d", common.ErrCorrupted, numNibbles, len(data), want)
	}
	path := NibblePath{numNibbles: uint8(numNibbles)}
	copy(path.packed[:], data)
	if numNibbles%2 == 1 && path.packed[numNibbles/2]&0x0f != 0 {
		return NibblePath{}, fmt.Errorf("%w: non-zero padding in odd-length nibble path", common.ErrCorrupted)
	}
	return path, nil
}

// NumNibbles returns the length of the path.
func (p NibblePath) NumNibbles() int {
	return int(p.numNibbles)
}

// Get returns the i-th nibble of the path.
func (p NibblePath) Get(i int) Nibble {
	return NibbleOf(p.packed, i)
}

// Append returns a copy of the path extended by one nibble.
func (p NibblePath) Append(n Nibble) NibblePath {
	res := p
	i := int(res.numNibbles)
	if i%2 == 0 {
		res.packed[i/2] = byte(n) << 4
	} else {
		res.packed[i/2] |= byte(n)
	}
	res.numNibbles++
	return res
}

// Prefix returns a copy of the path truncated to the first n nibbles.
func (p NibblePath) Prefix(n int) NibblePath {
	res := NibblePath{numNibbles: uint8(n)}
	copy(res.packed[:(n+1)/2], p.packed[:(n+1)/2])
	if n%2 == 1 {
		res.packed[n/2] &= 0xf0
	}
	return res
}

// Bytes returns the packed byte representation of the path. For paths of odd
// length the low half of the last byte is zero.
func (p NibblePath) Bytes() []byte {
	return p.packed[:(int(p.numNibbles)+1)/2]
}

func (p NibblePath) String() string {
	var builder strings.Builder
	for i := 0; i < int(p.numNibbles); i++ {
		builder.WriteRune(p.Get(i).Rune())
	}
	return builder.String()
}
