package jellyfish

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/Fantom-foundation/Jellyfish/common"
)

// buildTestTree commits a single version with the given number of accounts
// and returns the tree, its root hash, and the updates sorted by account key.
func buildTestTree(t *testing.T, numAccounts int) (*Tree, common.Hash, []ValueUpdate) {
	t.Helper()
	store := newMemoryTree()
	tree := NewTree(store)

	set := ValueSet{}
	for i := 0; i < numAccounts; i++ {
		set = append(set, ValueUpdate{
			Key:   common.Keccak256([]byte(fmt.Sprintf("account-%d", i))),
			Value: []byte(fmt.Sprintf("state-%d", i)),
		})
	}
	hash, batch, err := tree.PutValueSet(set, 0)
	if err != nil {
		t.Fatalf("failed to commit version: %s", err)
	}
	store.apply(batch)

	slices.SortFunc(set, func(a, b ValueUpdate) int { return a.Key.Compare(b.Key) })
	return tree, hash, set
}

func TestSparseMerkleProof_DetectsTampering(t *testing.T) {
	tree, root, updates := buildTestTree(t, 20)

	target := updates[7]
	value, proof, err := tree.GetWithProof(target.Key, 0)
	if err != nil {
		t.Fatalf("failed to query account: %s", err)
	}
	if err := proof.Verify(root, target.Key, value); err != nil {
		t.Fatalf("valid proof does not verify: %s", err)
	}

	if err := proof.Verify(root, target.Key, []byte("tampered")); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("tampered value not detected, got %v", err)
	}
	if err := proof.Verify(root, updates[8].Key, value); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("swapped key not detected, got %v", err)
	}
	if err := proof.Verify(common.Keccak256([]byte("wrong root")), target.Key, value); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("wrong root not detected, got %v", err)
	}
	if err := proof.Verify(root, target.Key, nil); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("false non-membership claim not detected, got %v", err)
	}
}

func TestSparseMerkleProof_NonMembership(t *testing.T) {
	tree, root, _ := buildTestTree(t, 20)

	absent := common.Keccak256([]byte("absent"))
	value, proof, err := tree.GetWithProof(absent, 0)
	if err != nil {
		t.Fatalf("failed to query absent account: %s", err)
	}
	if value != nil {
		t.Fatalf("absent account produced a value: %x", value)
	}
	if err := proof.Verify(root, absent, nil); err != nil {
		t.Errorf("non-membership proof does not verify: %s", err)
	}
	if err := proof.Verify(root, absent, []byte("made up")); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("false membership claim not detected, got %v", err)
	}
}

func TestSparseMerkleRangeProof_CoversFullTree(t *testing.T) {
	tree, root, updates := buildTestTree(t, 20)

	rightmost := updates[len(updates)-1]
	proof, err := tree.GetRangeProof(rightmost.Key, 0)
	if err != nil {
		t.Fatalf("failed to produce range proof: %s", err)
	}

	leaves := make([]ProofLeaf, len(updates))
	for i, update := range updates {
		leaves[i] = NewProofLeaf(update.Key, update.Value)
	}
	if err := VerifyRangeProof(root, leaves, proof); err != nil {
		t.Errorf("valid range proof does not verify: %s", err)
	}
}

func TestSparseMerkleRangeProof_CoversPartialTree(t *testing.T) {
	tree, root, updates := buildTestTree(t, 20)

	middle := updates[len(updates)/2]
	proof, err := tree.GetRangeProof(middle.Key, 0)
	if err != nil {
		t.Fatalf("failed to produce range proof: %s", err)
	}

	var leaves []ProofLeaf
	for _, update := range updates[:len(updates)/2+1] {
		leaves = append(leaves, NewProofLeaf(update.Key, update.Value))
	}
	if err := VerifyRangeProof(root, leaves, proof); err != nil {
		t.Errorf("valid range proof does not verify: %s", err)
	}
}

func TestSparseMerkleRangeProof_DetectsTampering(t *testing.T) {
	tree, root, updates := buildTestTree(t, 20)

	rightmost := updates[len(updates)-1]
	proof, err := tree.GetRangeProof(rightmost.Key, 0)
	if err != nil {
		t.Fatalf("failed to produce range proof: %s", err)
	}
	leaves := make([]ProofLeaf, len(updates))
	for i, update := range updates {
		leaves[i] = NewProofLeaf(update.Key, update.Value)
	}

	omitted := append([]ProofLeaf{}, leaves[:5]...)
	omitted = append(omitted, leaves[6:]...)
	if err := VerifyRangeProof(root, omitted, proof); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("omitted account not detected, got %v", err)
	}

	tampered := slices.Clone(leaves)
	tampered[3].ValueHash = common.Keccak256([]byte("tampered"))
	if err := VerifyRangeProof(root, tampered, proof); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("tampered account not detected, got %v", err)
	}

	unsorted := slices.Clone(leaves)
	unsorted[0], unsorted[1] = unsorted[1], unsorted[0]
	if err := VerifyRangeProof(root, unsorted, proof); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("unsorted accounts not detected, got %v", err)
	}
}

func TestSparseMerkleRangeProof_RequiresExistingRightmostKey(t *testing.T) {
	tree, _, _ := buildTestTree(t, 20)
	if _, err := tree.GetRangeProof(common.Keccak256([]byte("absent")), 0); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("absent rightmost key not rejected, got %v", err)
	}
}

func TestVerifyRangeProof_EmptyTree(t *testing.T) {
	if err := VerifyRangeProof(common.Hash{}, nil, &SparseMerkleRangeProof{}); err != nil {
		t.Errorf("empty range over empty tree does not verify: %s", err)
	}
	nonEmptyRoot := common.Keccak256([]byte("root"))
	if err := VerifyRangeProof(nonEmptyRoot, nil, &SparseMerkleRangeProof{}); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("empty range over non-empty tree not rejected, got %v", err)
	}
}
