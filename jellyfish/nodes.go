package jellyfish

import (
	"fmt"
	"sort"

	"github.com/Fantom-foundation/Jellyfish/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// This file defines the node types of the jellyfish merkle tree and their
// serialized form. There are three types of nodes:
//
//   - internal nodes ... 16-ary branch nodes splitting navigation paths,
//                        referencing children by hash and version
//   - leaf nodes     ... terminal nodes storing a hashed account key and the
//                        account's serialized state
//   - null nodes     ... the root node of an empty tree version
//
// Nodes are immutable once written. A logical update never modifies a stored
// node; it creates replacement nodes under new node keys at a newer version.

// NodeKey is the composite identity of one physical tree node: the version
// that created it and its position as a nibble path from the root. Node keys
// are ordered by version, then path length, then path content; the codec in
// the state package realizes this order as plain byte comparison.
type NodeKey struct {
	Version common.Version
	Path    NibblePath
}

// RootNodeKey returns the node key of the root node of the given version.
func RootNodeKey(version common.Version) NodeKey {
	return NodeKey{Version: version, Path: EmptyNibblePath()}
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%d:%s", k.Version, k.Path.String())
}

// Child is a reference from an internal node to one of its children. The
// version identifies the node key the child is stored under, which may be
// older than the version of the referencing node.
type Child struct {
	Hash    common.Hash
	Version common.Version
	IsLeaf  bool
}

// Node is the interface of all node variants. Algorithms dispatch on the
// concrete type using explicit type switches.
type Node interface {
	// Hash returns the authenticator of the node.
	Hash() common.Hash

	// IsLeaf returns true for leaf nodes only.
	IsLeaf() bool
}

// node serialization tags
const (
	nullNodeTag     byte = 0
	internalNodeTag byte = 1
	leafNodeTag     byte = 2
)

// placeholderHash is the hash of an empty subtree.
var placeholderHash = common.Hash{}

// ---------------------------------------------------------------------------
// Internal node
// ---------------------------------------------------------------------------

// InternalNode is a 16-ary branch node. Only populated children are stored.
type InternalNode struct {
	children map[Nibble]Child
	hash     common.Hash
}

// NewInternalNode creates an internal node from the given non-empty child
// map and computes its hash. The map is owned by the node afterwards and
// must not be modified by the caller.
func NewInternalNode(children map[Nibble]Child) *InternalNode {
	if len(children) == 0 {
		panic("internal node must have at least one child")
	}
	var slots [16]common.Hash
	for i := range slots {
		slots[i] = placeholderHash
	}
	for nibble, child := range children {
		slots[nibble] = child.Hash
	}
	return &InternalNode{
		children: children,
		hash:     hashInternalSlots(&slots),
	}
}

// Child returns the child reference at the given nibble position.
func (n *InternalNode) Child(nibble Nibble) (Child, bool) {
	child, exists := n.children[nibble]
	return child, exists
}

// Children returns the child map of the node. The map must not be modified.
func (n *InternalNode) Children() map[Nibble]Child {
	return n.children
}

// NumChildren returns the number of populated children.
func (n *InternalNode) NumChildren() int {
	return len(n.children)
}

func (n *InternalNode) Hash() common.Hash {
	return n.hash
}

func (n *InternalNode) IsLeaf() bool {
	return false
}

// ---------------------------------------------------------------------------
// Leaf node
// ---------------------------------------------------------------------------

// LeafNode stores the full hashed account key and the account's serialized
// state blob, together with the hash of the blob.
type LeafNode struct {
	accountKey common.Hash
	valueHash  common.Hash
	value      []byte
	hash       common.Hash
}

// NewLeafNode creates a leaf node for the given hashed account key and
// state blob.
func NewLeafNode(accountKey common.Hash, value []byte) *LeafNode {
	valueHash := common.Keccak256(value)
	return &LeafNode{
		accountKey: accountKey,
		valueHash:  valueHash,
		value:      append([]byte{}, value...),
		hash:       hashLeafContent(accountKey, valueHash),
	}
}

// AccountKey returns the hashed account key of the leaf.
func (n *LeafNode) AccountKey() common.Hash {
	return n.accountKey
}

// Value returns the serialized account state. The slice must not be modified.
func (n *LeafNode) Value() []byte {
	return n.value
}

// ValueHash returns the hash of the serialized account state.
func (n *LeafNode) ValueHash() common.Hash {
	return n.valueHash
}

func (n *LeafNode) Hash() common.Hash {
	return n.hash
}

func (n *LeafNode) IsLeaf() bool {
	return true
}

// ---------------------------------------------------------------------------
// Null node
// ---------------------------------------------------------------------------

// NullNode is the root node of a version with an empty tree.
type NullNode struct{}

func (NullNode) Hash() common.Hash {
	return placeholderHash
}

func (NullNode) IsLeaf() bool {
	return false
}

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

func hashInternalSlots(slots *[16]common.Hash) common.Hash {
	buf := make([]byte, 0, 1+16*common.HashSize)
	buf = append(buf, internalNodeTag)
	for i := range slots {
		buf = append(buf, slots[i][:]...)
	}
	return common.Keccak256(buf)
}

func hashLeafContent(accountKey, valueHash common.Hash) common.Hash {
	buf := make([]byte, 0, 1+2*common.HashSize)
	buf = append(buf, leafNodeTag)
	buf = append(buf, accountKey[:]...)
	buf = append(buf, valueHash[:]...)
	return common.Keccak256(buf)
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// The serialized form of a node is a one-byte type tag followed by an RLP
// encoded body. Null nodes consist of the tag only.

type encodedChild struct {
	Nibble  uint8
	Version uint64
	Hash    common.Hash
	Leaf    bool
}

type encodedInternal struct {
	Children []encodedChild
}

type encodedLeaf struct {
	AccountKey common.Hash
	Value      []byte
}

// EncodeNode serializes a node into its storage representation.
func EncodeNode(node Node) ([]byte, error) {
	switch n := node.(type) {
	case *InternalNode:
		body := encodedInternal{Children: make([]encodedChild, 0, len(n.children))}
		for nibble, child := range n.children {
			body.Children = append(body.Children, encodedChild{
				Nibble:  uint8(nibble),
				Version: uint64(child.Version),
				Hash:    child.Hash,
				Leaf:    child.IsLeaf,
			})
		}
		sort.Slice(body.Children, func(i, j int) bool {
			return body.Children[i].Nibble < body.Children[j].Nibble
		})
		data, err := rlp.EncodeToBytes(body)
		if err != nil {
			return nil, err
		}
		return append([]byte{internalNodeTag}, data...), nil
	case *LeafNode:
		data, err := rlp.EncodeToBytes(encodedLeaf{
			AccountKey: n.accountKey,
			Value:      n.value,
		})
		if err != nil {
			return nil, err
		}
		return append([]byte{leafNodeTag}, data...), nil
	case NullNode:
		return []byte{nullNodeTag}, nil
	default:
		return nil, fmt.Errorf("unsupported node type %T", node)
	}
}

// DecodeNode restores a node from its storage representation.
func DecodeNode(data []byte) (Node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty node data", common.ErrCorrupted)
	}
	switch data[0] {
	case internalNodeTag:
		var body encodedInternal
		if err := rlp.DecodeBytes(data[1:], &body); err != nil {
			return nil, fmt.Errorf("%w: invalid internal node; %s", common.ErrCorrupted, err)
		}
		if len(body.Children) == 0 {
			return nil, fmt.Errorf("%w: internal node without children", common.ErrCorrupted)
		}
		children := make(map[Nibble]Child, len(body.Children))
		for _, child := range body.Children {
			if child.Nibble > 15 {
				return nil, fmt.Errorf("%w: invalid child position %d", common.ErrCorrupted, child.Nibble)
			}
			children[Nibble(child.Nibble)] = Child{
				Hash:    child.Hash,
				Version: common.Version(child.Version),
				IsLeaf:  child.Leaf,
			}
		}
		return NewInternalNode(children), nil
	case leafNodeTag:
		var body encodedLeaf
		if err := rlp.DecodeBytes(data[1:], &body); err != nil {
			return nil, fmt.Errorf("%w: invalid leaf node; %s", common.ErrCorrupted, err)
		}
		return NewLeafNode(body.AccountKey, body.Value), nil
	case nullNodeTag:
		if len(data) != 1 {
			return nil, fmt.Errorf("%w: invalid null node", common.ErrCorrupted)
		}
		return NullNode{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown node tag %d", common.ErrCorrupted, data[0])
	}
}
