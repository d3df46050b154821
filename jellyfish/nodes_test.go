package jellyfish

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Fantom-foundation/Jellyfish/common"
)

func TestNode_EncodingRoundTrips(t *testing.T) {
	internal := NewInternalNode(map[Nibble]Child{
		0x0: {Hash: common.Keccak256([]byte("a")), Version: 1, IsLeaf: true},
		0x7: {Hash: common.Keccak256([]byte("b")), Version: 3, IsLeaf: false},
		0xf: {Hash: common.Keccak256([]byte("c")), Version: 2, IsLeaf: true},
	})
	leaf := NewLeafNode(common.Keccak256([]byte("key")), []byte("some account state"))

	for _, node := range []Node{internal, leaf, NullNode{}} {
		data, err := EncodeNode(node)
		if err != nil {
			t.Fatalf("failed to encode node: %s", err)
		}
		restored, err := DecodeNode(data)
		if err != nil {
			t.Fatalf("failed to decode node: %s", err)
		}
		if got, want := restored.Hash(), node.Hash(); got != want {
			t.Errorf("decoded node hashes to %x, want %x", got, want)
		}
		if got, want := restored.IsLeaf(), node.IsLeaf(); got != want {
			t.Errorf("decoded node leaf flag is %t, want %t", got, want)
		}
	}
}

func TestNode_EncodingRetainsAllFields(t *testing.T) {
	children := map[Nibble]Child{
		0x2: {Hash: common.Keccak256([]byte("x")), Version: 12, IsLeaf: true},
		0x9: {Hash: common.Keccak256([]byte("y")), Version: 7, IsLeaf: false},
	}
	data, err := EncodeNode(NewInternalNode(children))
	if err != nil {
		t.Fatalf("failed to encode internal node: %s", err)
	}
	restored, err := DecodeNode(data)
	if err != nil {
		t.Fatalf("failed to decode internal node: %s", err)
	}
	internal, isInternal := restored.(*InternalNode)
	if !isInternal {
		t.Fatalf("decoded node has type %T, want internal", restored)
	}
	if got, want := internal.NumChildren(), len(children); got != want {
		t.Fatalf("decoded node has %d children, want %d", got, want)
	}
	for nibble, want := range children {
		if got, exists := internal.Child(nibble); !exists || got != want {
			t.Errorf("invalid child at %v, wanted %v, got %v", nibble, want, got)
		}
	}

	key := common.Keccak256([]byte("account"))
	value := []byte{1, 2, 3}
	data, err = EncodeNode(NewLeafNode(key, value))
	if err != nil {
		t.Fatalf("failed to encode leaf node: %s", err)
	}
	restored, err = DecodeNode(data)
	if err != nil {
		t.Fatalf("failed to decode leaf node: %s", err)
	}
	restoredLeaf, isLeaf := restored.(*LeafNode)
	if !isLeaf {
		t.Fatalf("decoded node has type %T, want leaf", restored)
	}
	if restoredLeaf.AccountKey() != key {
		t.Errorf("invalid account key, wanted %x, got %x", key, restoredLeaf.AccountKey())
	}
	if !bytes.Equal(restoredLeaf.Value(), value) {
		t.Errorf("invalid value, wanted %x, got %x", value, restoredLeaf.Value())
	}
}

func TestNode_DecodeDetectsCorruptedInput(t *testing.T) {
	validInternal, _ := EncodeNode(NewInternalNode(map[Nibble]Child{
		0x1: {Hash: common.Hash{}, Version: 1},
	}))
	tests := map[string][]byte{
		"empty input":           {},
		"unknown tag":           {0x7f, 0x00},
		"truncated internal":    validInternal[:len(validInternal)-1],
		"internal with garbage": {internalNodeTag, 0xff, 0xff},
		"leaf with garbage":     {leafNodeTag, 0x00},
		"null with extra data":  {nullNodeTag, 0x00},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeNode(data); !errors.Is(err, common.ErrCorrupted) {
				t.Errorf("corrupted input not detected, got %v", err)
			}
		})
	}
}

func TestLeafNode_HashCoversKeyAndValue(t *testing.T) {
	key := common.Keccak256([]byte("account"))
	leaf := NewLeafNode(key, []byte("state"))
	if got := NewLeafNode(key, []byte("other state")).Hash(); got == leaf.Hash() {
		t.Errorf("leaves with different values must not collide")
	}
	if got := NewLeafNode(common.Keccak256([]byte("other")), []byte("state")).Hash(); got == leaf.Hash() {
		t.Errorf("leaves with different keys must not collide")
	}
	if got, want := leaf.Hash(), hashLeafContent(key, common.Keccak256([]byte("state"))); got != want {
		t.Errorf("invalid leaf hash, wanted %x, got %x", want, got)
	}
}

func TestInternalNode_HashDependsOnChildPositions(t *testing.T) {
	childHash := common.Keccak256([]byte("child"))
	a := NewInternalNode(map[Nibble]Child{0x1: {Hash: childHash, Version: 1}})
	b := NewInternalNode(map[Nibble]Child{0x2: {Hash: childHash, Version: 1}})
	if a.Hash() == b.Hash() {
		t.Errorf("nodes with children at different positions must not collide")
	}
	// versions are pruning metadata, not authenticated content
	c := NewInternalNode(map[Nibble]Child{0x1: {Hash: childHash, Version: 2}})
	if a.Hash() != c.Hash() {
		t.Errorf("child versions must not contribute to the hash")
	}
}

func TestInternalNode_RejectsEmptyChildMap(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("creating an internal node without children should panic")
		}
	}()
	NewInternalNode(map[Nibble]Child{})
}

func TestNullNode_HashesToPlaceholder(t *testing.T) {
	if got := (NullNode{}).Hash(); got != (common.Hash{}) {
		t.Errorf("invalid null node hash: %x", got)
	}
}
