package jellyfish

import (
	"fmt"
	"math/bits"

	"github.com/Fantom-foundation/Jellyfish/common"
)

// ErrInvalidProof is returned when a proof does not verify against the
// given root hash.
const ErrInvalidProof = common.ConstError("invalid proof")

// ProofNode describes the siblings of one internal node along a proof path.
// The bitmap marks the populated child positions, excluding the position the
// path continues into; hashes are listed in ascending nibble order.
type ProofNode struct {
	Bitmap uint16
	Hashes []common.Hash
}

// ProofLeaf is the content of a leaf node as far as proof verification is
// concerned.
type ProofLeaf struct {
	AccountKey common.Hash
	ValueHash  common.Hash
}

// NewProofLeaf creates the proof representation of a leaf holding the given
// state blob for the given hashed account key.
func NewProofLeaf(accountKey common.Hash, value []byte) ProofLeaf {
	return ProofLeaf{AccountKey: accountKey, ValueHash: common.Keccak256(value)}
}

// SparseMerkleProof proves the membership or non-membership of one account
// key against a known root hash. For membership proofs the leaf carries the
// proven account key; for non-membership proofs the leaf is either absent
// (the path ends in an empty subtree) or belongs to a different account key
// sharing the path prefix.
type SparseMerkleProof struct {
	leaf     *ProofLeaf
	siblings []ProofNode // ordered from the root towards the leaf
}

// Leaf returns the leaf the proof terminates in, or nil.
func (p *SparseMerkleProof) Leaf() *ProofLeaf {
	return p.leaf
}

// Verify checks the proof against the expected root hash. A nil value claims
// the account key is absent; any non-nil value, including an empty slice,
// claims the key is present with that serialized state.
func (p *SparseMerkleProof) Verify(root common.Hash, accountKey common.Hash, value []byte) error {
	if len(p.siblings) > RootNibbleHeight {
		return fmt.Errorf("%w: too many sibling levels (%d)", ErrInvalidProof, len(p.siblings))
	}

	var current common.Hash
	if value != nil {
		if p.leaf == nil {
			return fmt.Errorf("%w: membership proof without leaf", ErrInvalidProof)
		}
		if p.leaf.AccountKey != accountKey {
			return fmt.Errorf("%w: proof leaf covers key %x, want %x", ErrInvalidProof, p.leaf.AccountKey, accountKey)
		}
		if valueHash := common.Keccak256(value); p.leaf.ValueHash != valueHash {
			return fmt.Errorf("%w: value hash mismatch; got %x, want %x", ErrInvalidProof, valueHash, p.leaf.ValueHash)
		}
		current = hashLeafContent(p.leaf.AccountKey, p.leaf.ValueHash)
	} else {
		if p.leaf != nil {
			if p.leaf.AccountKey == accountKey {
				return fmt.Errorf("%w: proof leaf contradicts claimed non-membership", ErrInvalidProof)
			}
			for i := 0; i < len(p.siblings); i++ {
				if NibbleOf(p.leaf.AccountKey, i) != NibbleOf(accountKey, i) {
					return fmt.Errorf("%w: proof leaf does not share the lookup path", ErrInvalidProof)
				}
			}
			current = hashLeafContent(p.leaf.AccountKey, p.leaf.ValueHash)
		} else {
			current = placeholderHash
		}
	}

	for i := len(p.siblings) - 1; i >= 0; i-- {
		nibble := NibbleOf(accountKey, i)
		var slots [16]common.Hash
		for j := range slots {
			slots[j] = placeholderHash
		}
		if err := scatterSiblings(&slots, p.siblings[i], nibble); err != nil {
			return err
		}
		slots[nibble] = current
		current = hashInternalSlots(&slots)
	}

	if current != root {
		return fmt.Errorf("%w: root hash mismatch; got %x, want %x", ErrInvalidProof, current, root)
	}
	return nil
}

// scatterSiblings distributes the sibling hashes of one level into the given
// slot array. The position the proof path continues into must not be covered
// by the sibling bitmap.
func scatterSiblings(slots *[16]common.Hash, siblings ProofNode, pathNibble Nibble) error {
	if bits.OnesCount16(siblings.Bitmap) != len(siblings.Hashes) {
		return fmt.Errorf("%w: sibling bitmap covers %d positions, got %d hashes", ErrInvalidProof, bits.OnesCount16(siblings.Bitmap), len(siblings.Hashes))
	}
	if siblings.Bitmap&(1<<pathNibble) != 0 {
		return fmt.Errorf("%w: sibling bitmap covers the proof path", ErrInvalidProof)
	}
	idx := 0
	for nibble := 0; nibble < 16; nibble++ {
		if siblings.Bitmap&(1<<nibble) != 0 {
			slots[nibble] = siblings.Hashes[idx]
			idx++
		}
	}
	return nil
}

// SparseMerkleRangeProof proves that the set of all accounts up to some
// rightmost account key is exactly as presented. It carries, for each level
// along the rightmost key's path, the children strictly to the right of the
// path; everything to the left is reconstructed from the presented leaves.
type SparseMerkleRangeProof struct {
	rightSiblings []ProofNode // ordered from the root towards the rightmost leaf
}

// VerifyRangeProof checks that the given leaves, ordered by ascending
// account key and ending in the rightmost covered leaf, hash up to the
// expected root when combined with the proof's right siblings.
func VerifyRangeProof(root common.Hash, leaves []ProofLeaf, proof *SparseMerkleRangeProof) error {
	if len(leaves) == 0 {
		if len(proof.rightSiblings) != 0 {
			return fmt.Errorf("%w: empty range with siblings", ErrInvalidProof)
		}
		if root != placeholderHash {
			return fmt.Errorf("%w: empty range against non-empty root", ErrInvalidProof)
		}
		return nil
	}
	for i := 1; i < len(leaves); i++ {
		if leaves[i-1].AccountKey.Compare(leaves[i].AccountKey) >= 0 {
			return fmt.Errorf("%w: leaves are not sorted by account key", ErrInvalidProof)
		}
	}
	current, err := buildRangeSubtree(leaves, 0, proof, true)
	if err != nil {
		return err
	}
	if current != root {
		return fmt.Errorf("%w: root hash mismatch; got %x, want %x", ErrInvalidProof, current, root)
	}
	return nil
}

// buildRangeSubtree reconstructs the hash of the subtree at the given depth
// covering the given leaves. onPath marks subtrees containing the rightmost
// leaf, which receive the proof's right siblings for their level.
func buildRangeSubtree(leaves []ProofLeaf, depth int, proof *SparseMerkleRangeProof, onPath bool) (common.Hash, error) {
	if onPath && depth == len(proof.rightSiblings) {
		if len(leaves) != 1 {
			return common.Hash{}, fmt.Errorf("%w: %d leaves left at the rightmost position", ErrInvalidProof, len(leaves))
		}
		return hashLeafContent(leaves[0].AccountKey, leaves[0].ValueHash), nil
	}
	if !onPath && len(leaves) == 1 {
		return hashLeafContent(leaves[0].AccountKey, leaves[0].ValueHash), nil
	}
	if depth >= RootNibbleHeight {
		return common.Hash{}, fmt.Errorf("%w: leaves exceed maximum tree depth", ErrInvalidProof)
	}

	var slots [16]common.Hash
	for i := range slots {
		slots[i] = placeholderHash
	}

	// leaves are sorted, so per-nibble groups are contiguous
	for begin := 0; begin < len(leaves); {
		nibble := NibbleOf(leaves[begin].AccountKey, depth)
		end := begin + 1
		for end < len(leaves) && NibbleOf(leaves[end].AccountKey, depth) == nibble {
			end++
		}
		childOnPath := onPath && end == len(leaves)
		hash, err := buildRangeSubtree(leaves[begin:end], depth+1, proof, childOnPath)
		if err != nil {
			return common.Hash{}, err
		}
		slots[nibble] = hash
		begin = end
	}

	if onPath {
		pathNibble := NibbleOf(leaves[len(leaves)-1].AccountKey, depth)
		siblings := proof.rightSiblings[depth]
		if siblings.Bitmap&(1<<(pathNibble+1)-1) != 0 {
			return common.Hash{}, fmt.Errorf("%w: right sibling at or left of the range path", ErrInvalidProof)
		}
		if err := scatterSiblings(&slots, siblings, pathNibble); err != nil {
			return common.Hash{}, err
		}
	}
	return hashInternalSlots(&slots), nil
}
