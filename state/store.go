package state

import (
	"bytes"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/Fantom-foundation/Jellyfish/backend"
	"github.com/Fantom-foundation/Jellyfish/common"
	"github.com/Fantom-foundation/Jellyfish/jellyfish"
)

// StateStore binds the jellyfish merkle tree to a physical ordered
// key-value store. It persists tree nodes and their supersession history
// across versions, answers account queries with proofs by running the tree
// against the store, and can bootstrap the tree's frontier from the store
// content alone.
//
// The store performs no internal synchronization. Reads at committed
// versions are safe at any time since nodes are immutable once written;
// commits assign versions from a caller-supplied counter and must therefore
// be serialized by the surrounding commit pipeline.
type StateStore struct {
	db backend.KeyValueStore
}

// StateStore provides the node access the tree engine operates on.
var (
	_ jellyfish.TreeReader = (*StateStore)(nil)
	_ jellyfish.TreeWriter = (*StateStore)(nil)
)

// NewStateStore creates a state store on top of the given key-value store.
// The store handle is shared, not owned; closing it is up to the caller.
func NewStateStore(db backend.KeyValueStore) *StateStore {
	return &StateStore{db: db}
}

// GetAccountStateWithProof returns the serialized state of the given account
// at the given version, together with a proof of the result. A nil state
// with a valid proof states that the account does not exist at that version.
func (s *StateStore) GetAccountStateWithProof(address common.Address, version common.Version) ([]byte, *jellyfish.SparseMerkleProof, error) {
	return jellyfish.NewTree(s).GetWithProof(common.Keccak256ForAddress(address), version)
}

// GetAccountStateRangeProof produces a proof covering all accounts from the
// beginning of the hashed key space up to and including the given key at the
// given version, used to hand out verifiable state chunks during sync.
func (s *StateStore) GetAccountStateRangeProof(rightmostKey common.Hash, version common.Version) (*jellyfish.SparseMerkleRangeProof, error) {
	return jellyfish.NewTree(s).GetRangeProof(rightmostKey, version)
}

// GetRootHash returns the root hash of the given version, failing with
// common.ErrNotFound if that version was never committed.
func (s *StateStore) GetRootHash(version common.Version) (common.Hash, error) {
	return jellyfish.NewTree(s).GetRootHash(version)
}

// GetRootHashOption returns the root hash of the given version, reporting an
// uncommitted version without an error.
func (s *StateStore) GetRootHashOption(version common.Version) (common.Hash, bool, error) {
	return jellyfish.NewTree(s).GetRootHashOption(version)
}

// PutAccountStateSets commits a consecutive run of account write-sets, one
// version per set starting at firstVersion, and returns the root hash of
// every resulting version. A nil state blob removes the account. All node
// writes and stale-node markers are staged into the given change set
// together with the version's counter bumps; nothing is durable until the
// caller commits the change set.
func (s *StateStore) PutAccountStateSets(sets []map[common.Address][]byte, firstVersion common.Version, changes *ChangeSet) ([]common.Hash, error) {
	valueSets := make([]jellyfish.ValueSet, len(sets))
	for i, set := range sets {
		updates := make(jellyfish.ValueSet, 0, len(set))
		for address, blob := range set {
			updates = append(updates, jellyfish.ValueUpdate{
				Key:   common.Keccak256ForAddress(address),
				Value: blob,
			})
		}
		slices.SortFunc(updates, func(a, b jellyfish.ValueUpdate) int {
			return a.Key.Compare(b.Key)
		})
		valueSets[i] = updates
	}

	rootHashes, update, err := jellyfish.NewTree(s).PutValueSets(valueSets, firstVersion)
	if err != nil {
		return nil, err
	}
	if len(rootHashes) != len(sets) || len(update.NodeStats) != len(sets) {
		panic(fmt.Sprintf("tree engine produced %d root hashes and %d stats for %d write-sets",
			len(rootHashes), len(update.NodeStats), len(sets)))
	}

	for i, stats := range update.NodeStats {
		bumps := changes.CounterBumps(firstVersion + common.Version(i))
		bumps.Bump(NewStateNodes, stats.NewNodes)
		bumps.Bump(NewStateLeaves, stats.NewLeaves)
		bumps.Bump(StaleStateNodes, stats.StaleNodes)
		bumps.Bump(StaleStateLeaves, stats.StaleLeaves)
	}

	if err := addNodeBatch(update.NodeBatch, changes.Batch); err != nil {
		return nil, err
	}
	for _, stale := range update.StaleNodeIndexBatch {
		changes.Batch.Put(toStaleNodeIndexDbKey(stale), nil)
	}
	return rootHashes, nil
}

// GetNode retrieves one tree node from the store.
func (s *StateStore) GetNode(key jellyfish.NodeKey) (jellyfish.Node, error) {
	data, err := s.db.Get(toNodeDbKey(key))
	if err != nil {
		return nil, err
	}
	return jellyfish.DecodeNode(data)
}

// GetRightmostLeaf locates the leaf with the largest account key among the
// nodes stored for the given version, using a bounded number of ordered
// probes instead of a full scan.
//
// Node keys of one version sort by path length first and by path content
// within one length. The last node before the probe key of length k is
// therefore the rightmost node of the longest populated bucket below k, and
// the rightmost node of a bucket dominates all leaves of that bucket: any
// leaf further left has a smaller account key, and any node further right
// would itself be the boundary. Inspecting the boundary of every bucket is
// thus sufficient to find the overall rightmost leaf.
func (s *StateStore) GetRightmostLeaf(version common.Version) (jellyfish.NodeKey, *jellyfish.LeafNode, error) {
	iter := s.db.NewIterator(getNodeKeyRangeOfVersion(version))
	defer iter.Release()

	if !iter.First() {
		if err := iter.Error(); err != nil {
			return jellyfish.NodeKey{}, nil, err
		}
		return jellyfish.NodeKey{}, nil, fmt.Errorf("no nodes at version %d; %w", version, common.ErrNotFound)
	}

	var bestKey jellyfish.NodeKey
	var best *jellyfish.LeafNode
	for numNibbles := 1; numNibbles <= jellyfish.RootNibbleHeight+1; numNibbles++ {
		if !iter.SeekForPrev(toNodeBucketProbeKey(version, numNibbles)) {
			// every node of the version has a longer path
			continue
		}
		key, err := fromNodeDbKey(iter.Key())
		if err != nil {
			return jellyfish.NodeKey{}, nil, err
		}
		if key.Version != version || key.Path.NumNibbles() >= numNibbles {
			return jellyfish.NodeKey{}, nil, fmt.Errorf(
				"%w: probe for bucket %d of version %d landed on node %v",
				common.ErrCorrupted, numNibbles, version, key)
		}
		node, err := jellyfish.DecodeNode(iter.Value())
		if err != nil {
			return jellyfish.NodeKey{}, nil, err
		}
		leaf, isLeaf := node.(*jellyfish.LeafNode)
		if !isLeaf {
			continue
		}
		if best == nil || leaf.AccountKey().Compare(best.AccountKey()) > 0 {
			bestKey, best = key, leaf
		}
	}
	if err := iter.Error(); err != nil {
		return jellyfish.NodeKey{}, nil, err
	}
	if best == nil {
		return jellyfish.NodeKey{}, nil, fmt.Errorf("no leaf at version %d; %w", version, common.ErrNotFound)
	}
	return bestKey, best, nil
}

// WriteNodeBatch persists a pre-built set of nodes directly, bypassing the
// commit path. No stale-node markers or counter bumps are produced; this is
// meant for bulk restore from a snapshot, not for regular account writes.
func (s *StateStore) WriteNodeBatch(nodes jellyfish.NodeBatch) error {
	batch := s.db.NewBatch()
	if err := addNodeBatch(nodes, batch); err != nil {
		return err
	}
	return s.db.Write(batch)
}

// addNodeBatch stages the serialized nodes into the given batch in key
// order.
func addNodeBatch(nodes jellyfish.NodeBatch, batch backend.Batch) error {
	type entry struct {
		key  []byte
		node jellyfish.Node
	}
	entries := make([]entry, 0, len(nodes))
	for key, node := range nodes {
		entries = append(entries, entry{key: toNodeDbKey(key), node: node})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return bytes.Compare(a.key, b.key)
	})
	for _, e := range entries {
		data, err := jellyfish.EncodeNode(e.node)
		if err != nil {
			return err
		}
		batch.Put(e.key, data)
	}
	return nil
}
