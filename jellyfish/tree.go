package jellyfish

//go:generate mockgen -source tree.go -destination tree_mocks.go -package jellyfish

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/Fantom-foundation/Jellyfish/common"
)

// TreeReader provides read access to the nodes of persisted tree versions.
type TreeReader interface {
	// GetNode retrieves the node stored under the given key, producing
	// common.ErrNotFound if no such node exists.
	GetNode(key NodeKey) (Node, error)

	// GetRightmostLeaf locates the leaf with the largest account key in the
	// tree of the given version, producing common.ErrNotFound if that tree
	// holds no leaves.
	GetRightmostLeaf(version common.Version) (NodeKey, *LeafNode, error)
}

// TreeWriter provides write access for persisting tree nodes.
type TreeWriter interface {
	// WriteNodeBatch persists all nodes of the given batch atomically.
	WriteNodeBatch(batch NodeBatch) error
}

// NodeBatch is a set of nodes to be persisted, indexed by their keys.
type NodeBatch map[NodeKey]Node

// StaleNodeIndex records a node that got superseded and may be pruned once
// all versions before StaleSinceVersion are dropped.
type StaleNodeIndex struct {
	StaleSinceVersion common.Version
	NodeKey           NodeKey
}

// NodeStats summarizes the node turnover caused by committing one version.
type NodeStats struct {
	NewNodes    int
	NewLeaves   int
	StaleNodes  int
	StaleLeaves int
}

// TreeUpdateBatch is the outcome of committing one or more versions. It
// lists the nodes to persist, the nodes they superseded, and per-version
// turnover statistics.
type TreeUpdateBatch struct {
	NodeBatch           NodeBatch
	StaleNodeIndexBatch []StaleNodeIndex
	NodeStats           []NodeStats
}

// ValueUpdate assigns a new state blob to a hashed account key. A nil value
// removes the account from the tree.
type ValueUpdate struct {
	Key   common.Hash
	Value []byte
}

// ValueSet lists the account updates forming one version.
type ValueSet []ValueUpdate

// Tree is a Jellyfish Merkle tree, an authenticated sparse Merkle tree over
// hashed account keys in which every version is stored as a set of immutable
// nodes addressed by NodeKey. The tree itself holds no state beyond the
// reader it resolves nodes through; updates are pure functions producing a
// TreeUpdateBatch the caller persists.
type Tree struct {
	reader TreeReader
}

// NewTree creates a tree resolving nodes through the given reader.
func NewTree(reader TreeReader) *Tree {
	return &Tree{reader: reader}
}

// GetWithProof retrieves the state blob stored for the given hashed account
// key at the given version together with a proof of the result. A nil blob
// with a valid proof states that the account does not exist at that version.
func (t *Tree) GetWithProof(key common.Hash, version common.Version) ([]byte, *SparseMerkleProof, error) {
	next := RootNodeKey(version)
	var siblings []ProofNode
	for depth := 0; depth <= RootNibbleHeight; depth++ {
		node, err := t.reader.GetNode(next)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load node %v; %w", next, err)
		}
		switch n := node.(type) {
		case NullNode:
			if depth != 0 {
				return nil, nil, fmt.Errorf("%w: null node %v below the root", common.ErrCorrupted, next)
			}
			return nil, &SparseMerkleProof{}, nil
		case *InternalNode:
			if depth == RootNibbleHeight {
				return nil, nil, fmt.Errorf("%w: internal node %v at maximum depth", common.ErrCorrupted, next)
			}
			nibble := NibbleOf(key, depth)
			siblings = append(siblings, siblingsExcluding(n, nibble))
			child, exists := n.Child(nibble)
			if !exists {
				return nil, &SparseMerkleProof{siblings: siblings}, nil
			}
			next = NodeKey{Version: child.Version, Path: next.Path.Append(nibble)}
		case *LeafNode:
			leaf := &ProofLeaf{AccountKey: n.AccountKey(), ValueHash: n.ValueHash()}
			if n.AccountKey() == key {
				return n.Value(), &SparseMerkleProof{leaf: leaf, siblings: siblings}, nil
			}
			return nil, &SparseMerkleProof{leaf: leaf, siblings: siblings}, nil
		default:
			return nil, nil, fmt.Errorf("%w: unexpected node type %T at %v", common.ErrCorrupted, node, next)
		}
	}
	return nil, nil, fmt.Errorf("%w: lookup path exhausted at version %d", common.ErrCorrupted, version)
}

// GetRangeProof produces a proof covering all accounts from the beginning of
// the key space up to and including the given account key, which must exist
// at the given version.
func (t *Tree) GetRangeProof(rightmostKey common.Hash, version common.Version) (*SparseMerkleRangeProof, error) {
	next := RootNodeKey(version)
	var rightSiblings []ProofNode
	for depth := 0; depth <= RootNibbleHeight; depth++ {
		node, err := t.reader.GetNode(next)
		if err != nil {
			return nil, fmt.Errorf("failed to load node %v; %w", next, err)
		}
		switch n := node.(type) {
		case NullNode:
			return nil, fmt.Errorf("account %x at version %d; %w", rightmostKey, version, common.ErrNotFound)
		case *InternalNode:
			if depth == RootNibbleHeight {
				return nil, fmt.Errorf("%w: internal node %v at maximum depth", common.ErrCorrupted, next)
			}
			nibble := NibbleOf(rightmostKey, depth)
			rightSiblings = append(rightSiblings, siblingsRightOf(n, nibble))
			child, exists := n.Child(nibble)
			if !exists {
				return nil, fmt.Errorf("account %x at version %d; %w", rightmostKey, version, common.ErrNotFound)
			}
			next = NodeKey{Version: child.Version, Path: next.Path.Append(nibble)}
		case *LeafNode:
			if n.AccountKey() != rightmostKey {
				return nil, fmt.Errorf("account %x at version %d; %w", rightmostKey, version, common.ErrNotFound)
			}
			return &SparseMerkleRangeProof{rightSiblings: rightSiblings}, nil
		default:
			return nil, fmt.Errorf("%w: unexpected node type %T at %v", common.ErrCorrupted, node, next)
		}
	}
	return nil, fmt.Errorf("%w: lookup path exhausted at version %d", common.ErrCorrupted, version)
}

// GetRootHash retrieves the root hash of the given version, failing with
// common.ErrNotFound if that version was never committed.
func (t *Tree) GetRootHash(version common.Version) (common.Hash, error) {
	node, err := t.reader.GetNode(RootNodeKey(version))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to load root of version %d; %w", version, err)
	}
	return node.Hash(), nil
}

// GetRootHashOption retrieves the root hash of the given version, reporting
// its absence without an error if that version was never committed.
func (t *Tree) GetRootHashOption(version common.Version) (common.Hash, bool, error) {
	hash, err := t.GetRootHash(version)
	if errors.Is(err, common.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return hash, true, nil
}

// PutValueSet applies a single value set on top of the version preceding the
// given one. See PutValueSets.
func (t *Tree) PutValueSet(set ValueSet, version common.Version) (common.Hash, *TreeUpdateBatch, error) {
	hashes, batch, err := t.PutValueSets([]ValueSet{set}, version)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return hashes[0], batch, nil
}

// PutValueSets applies a consecutive run of value sets, the first one on top
// of the version preceding firstVersion, each further set on top of its
// predecessor. It returns the root hash of every resulting version and the
// update batch the caller has to persist to make those versions durable.
// Nothing is written by this call, and the persisted tree versions are not
// consulted beyond the reader, so a failed commit leaves no trace.
func (t *Tree) PutValueSets(valueSets []ValueSet, firstVersion common.Version) ([]common.Hash, *TreeUpdateBatch, error) {
	cache, err := newTreeCache(t.reader, firstVersion)
	if err != nil {
		return nil, nil, err
	}
	for i, set := range valueSets {
		version := firstVersion + common.Version(i)
		for _, update := range set {
			if err := t.put(update.Key, update.Value, version, cache); err != nil {
				return nil, nil, err
			}
		}
		if err := cache.freeze(); err != nil {
			return nil, nil, err
		}
	}
	return cache.rootHashes, cache.intoBatch(), nil
}

// put applies one account update on top of the cache's current root.
func (t *Tree) put(key common.Hash, value []byte, version common.Version, cache *treeCache) error {
	child, err := t.insertAt(cache.rootKey, key, value, version, cache)
	if err != nil {
		return err
	}
	if child == nil {
		// the last leaf got removed
		cache.rootKey = RootNodeKey(version)
		cache.putNode(cache.rootKey, NullNode{})
		return nil
	}
	cache.rootKey = RootNodeKey(child.Version)
	return nil
}

// insertAt applies the update to the subtree rooted at the given node and
// stages the resulting replacement nodes at the given version. It returns
// the child entry referring to the new subtree root, or nil if the update
// emptied the subtree. Unmodified subtrees are returned as-is, still
// referring to their original version.
func (t *Tree) insertAt(nodeKey NodeKey, key common.Hash, value []byte, version common.Version, cache *treeCache) (*Child, error) {
	node, err := cache.getNode(nodeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load node %v; %w", nodeKey, err)
	}
	switch n := node.(type) {
	case NullNode:
		if value == nil {
			// deleting from an empty tree
			return &Child{Hash: placeholderHash, Version: nodeKey.Version, IsLeaf: false}, nil
		}
		cache.removeNode(nodeKey, n)
		leaf := NewLeafNode(key, value)
		cache.putNode(NodeKey{Version: version, Path: nodeKey.Path}, leaf)
		return &Child{Hash: leaf.Hash(), Version: version, IsLeaf: true}, nil
	case *InternalNode:
		return t.insertAtInternal(nodeKey, n, key, value, version, cache)
	case *LeafNode:
		return t.insertAtLeaf(nodeKey, n, key, value, version, cache)
	default:
		return nil, fmt.Errorf("%w: unexpected node type %T at %v", common.ErrCorrupted, node, nodeKey)
	}
}

func (t *Tree) insertAtInternal(nodeKey NodeKey, n *InternalNode, key common.Hash, value []byte, version common.Version, cache *treeCache) (*Child, error) {
	depth := nodeKey.Path.NumNibbles()
	if depth >= RootNibbleHeight {
		return nil, fmt.Errorf("%w: internal node %v at maximum depth", common.ErrCorrupted, nodeKey)
	}
	nibble := NibbleOf(key, depth)
	unchanged := &Child{Hash: n.Hash(), Version: nodeKey.Version, IsLeaf: false}

	var newChild *Child
	if existing, exists := n.Child(nibble); exists {
		childKey := NodeKey{Version: existing.Version, Path: nodeKey.Path.Append(nibble)}
		child, err := t.insertAt(childKey, key, value, version, cache)
		if err != nil {
			return nil, err
		}
		if child != nil && *child == existing {
			return unchanged, nil
		}
		newChild = child
	} else {
		if value == nil {
			// deleting an account that does not exist
			return unchanged, nil
		}
		leaf := NewLeafNode(key, value)
		cache.putNode(NodeKey{Version: version, Path: nodeKey.Path.Append(nibble)}, leaf)
		newChild = &Child{Hash: leaf.Hash(), Version: version, IsLeaf: true}
	}

	children := maps.Clone(n.children)
	if newChild == nil {
		delete(children, nibble)
	} else {
		children[nibble] = *newChild
	}
	cache.removeNode(nodeKey, n)

	if len(children) == 0 {
		return nil, nil
	}
	if len(children) == 1 {
		for onlyNibble, only := range children {
			if !only.IsLeaf {
				break
			}
			// a single remaining leaf takes over the position of this node
			childKey := NodeKey{Version: only.Version, Path: nodeKey.Path.Append(onlyNibble)}
			child, err := cache.getNode(childKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load node %v; %w", childKey, err)
			}
			leaf, isLeaf := child.(*LeafNode)
			if !isLeaf {
				return nil, fmt.Errorf("%w: node %v is not the leaf its parent refers to", common.ErrCorrupted, childKey)
			}
			cache.removeNode(childKey, leaf)
			cache.putNode(NodeKey{Version: version, Path: nodeKey.Path}, leaf)
			return &Child{Hash: leaf.Hash(), Version: version, IsLeaf: true}, nil
		}
	}

	replacement := NewInternalNode(children)
	cache.putNode(NodeKey{Version: version, Path: nodeKey.Path}, replacement)
	return &Child{Hash: replacement.Hash(), Version: version, IsLeaf: false}, nil
}

func (t *Tree) insertAtLeaf(nodeKey NodeKey, n *LeafNode, key common.Hash, value []byte, version common.Version, cache *treeCache) (*Child, error) {
	if n.AccountKey() == key {
		cache.removeNode(nodeKey, n)
		if value == nil {
			return nil, nil
		}
		leaf := NewLeafNode(key, value)
		cache.putNode(NodeKey{Version: version, Path: nodeKey.Path}, leaf)
		return &Child{Hash: leaf.Hash(), Version: version, IsLeaf: true}, nil
	}

	if value == nil {
		// deleting an account that does not exist
		return &Child{Hash: n.Hash(), Version: nodeKey.Version, IsLeaf: true}, nil
	}

	// distinct keys colliding on the leaf position; push the existing leaf
	// down to where the two keys diverge
	cache.removeNode(nodeKey, n)
	existingKey := n.AccountKey()
	depth := nodeKey.Path.NumNibbles()
	forkDepth := depth
	for NibbleOf(existingKey, forkDepth) == NibbleOf(key, forkDepth) {
		forkDepth++
	}

	leaf := NewLeafNode(key, value)
	cache.putNode(NodeKey{Version: version, Path: FullNibblePath(existingKey).Prefix(forkDepth + 1)}, n)
	cache.putNode(NodeKey{Version: version, Path: FullNibblePath(key).Prefix(forkDepth + 1)}, leaf)

	replacement := NewInternalNode(map[Nibble]Child{
		NibbleOf(existingKey, forkDepth): {Hash: n.Hash(), Version: version, IsLeaf: true},
		NibbleOf(key, forkDepth):         {Hash: leaf.Hash(), Version: version, IsLeaf: true},
	})
	cache.putNode(NodeKey{Version: version, Path: FullNibblePath(key).Prefix(forkDepth)}, replacement)
	for forkDepth > depth {
		forkDepth--
		replacement = NewInternalNode(map[Nibble]Child{
			NibbleOf(key, forkDepth): {Hash: replacement.Hash(), Version: version, IsLeaf: false},
		})
		cache.putNode(NodeKey{Version: version, Path: FullNibblePath(key).Prefix(forkDepth)}, replacement)
	}
	return &Child{Hash: replacement.Hash(), Version: version, IsLeaf: false}, nil
}

// siblingsExcluding collects the children of an internal node into a proof
// level, leaving out the position the proof path continues into.
func siblingsExcluding(n *InternalNode, exclude Nibble) ProofNode {
	return collectSiblings(n, func(nibble Nibble) bool { return nibble != exclude })
}

// siblingsRightOf collects the children strictly right of the given position
// into a proof level.
func siblingsRightOf(n *InternalNode, position Nibble) ProofNode {
	return collectSiblings(n, func(nibble Nibble) bool { return nibble > position })
}

func collectSiblings(n *InternalNode, include func(Nibble) bool) ProofNode {
	res := ProofNode{}
	for nibble := Nibble(0); nibble < 16; nibble++ {
		if child, exists := n.Child(nibble); exists && include(nibble) {
			res.Bitmap |= 1 << nibble
			res.Hashes = append(res.Hashes, child.Hash)
		}
	}
	return res
}
