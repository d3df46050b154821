package jellyfish

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/Jellyfish/common"
)

// Restore rebuilds a single tree version from chunks of account states
// streamed in ascending key order, as obtained from a peer via range proofs.
// Each chunk is verified against the expected root hash before it is
// accepted; the tree is persisted in one batch once all chunks are in.
type Restore struct {
	writer       TreeWriter
	version      common.Version
	expectedRoot common.Hash

	entries  []ValueUpdate
	finished bool
}

// NewRestore creates a restore targeting the given version and root hash.
func NewRestore(writer TreeWriter, version common.Version, expectedRoot common.Hash) *Restore {
	return &Restore{
		writer:       writer,
		version:      version,
		expectedRoot: expectedRoot,
	}
}

// LatestRestoredKey reports the largest account key already persisted for
// the given version, allowing an interrupted restore to resume past it.
func LatestRestoredKey(reader TreeReader, version common.Version) (common.Hash, bool, error) {
	_, leaf, err := reader.GetRightmostLeaf(version)
	if errors.Is(err, common.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return leaf.AccountKey(), true, nil
}

// AddChunk accepts the next run of account states. The chunk has to continue
// the previously accepted keys in strictly ascending order, and the proof
// has to cover all accepted keys up to and including the chunk's last one.
func (r *Restore) AddChunk(chunk []ValueUpdate, proof *SparseMerkleRangeProof) error {
	if r.finished {
		return fmt.Errorf("restore already finished")
	}
	if len(chunk) == 0 {
		return fmt.Errorf("empty chunk")
	}
	for _, entry := range chunk {
		if entry.Value == nil {
			return fmt.Errorf("account %x without state", entry.Key)
		}
	}

	entries := append(r.entries, chunk...)
	leaves := make([]ProofLeaf, len(entries))
	for i, entry := range entries {
		leaves[i] = NewProofLeaf(entry.Key, entry.Value)
	}
	if err := VerifyRangeProof(r.expectedRoot, leaves, proof); err != nil {
		return err
	}
	r.entries = entries
	return nil
}

// Finish assembles the tree from all accepted chunks, checks its root hash
// against the expected one, and persists it.
func (r *Restore) Finish() error {
	if r.finished {
		return fmt.Errorf("restore already finished")
	}
	batch := NodeBatch{}
	var root Node
	if len(r.entries) == 0 {
		root = NullNode{}
		batch[RootNodeKey(r.version)] = root
	} else {
		root = buildSubtree(r.entries, EmptyNibblePath(), r.version, batch)
	}
	if root.Hash() != r.expectedRoot {
		return fmt.Errorf("%w: restored root hash %x, want %x", ErrInvalidProof, root.Hash(), r.expectedRoot)
	}
	if err := r.writer.WriteNodeBatch(batch); err != nil {
		return err
	}
	r.finished = true
	return nil
}

// buildSubtree stages the nodes of the subtree at the given position holding
// the given accounts and returns its root. entries must be sorted by key and
// non-empty.
func buildSubtree(entries []ValueUpdate, path NibblePath, version common.Version, batch NodeBatch) Node {
	if len(entries) == 1 {
		leaf := NewLeafNode(entries[0].Key, entries[0].Value)
		batch[NodeKey{Version: version, Path: path}] = leaf
		return leaf
	}
	depth := path.NumNibbles()
	children := map[Nibble]Child{}
	for begin := 0; begin < len(entries); {
		nibble := NibbleOf(entries[begin].Key, depth)
		end := begin + 1
		for end < len(entries) && NibbleOf(entries[end].Key, depth) == nibble {
			end++
		}
		node := buildSubtree(entries[begin:end], path.Append(nibble), version, batch)
		children[nibble] = Child{Hash: node.Hash(), Version: version, IsLeaf: node.IsLeaf()}
		begin = end
	}
	node := NewInternalNode(children)
	batch[NodeKey{Version: version, Path: path}] = node
	return node
}
