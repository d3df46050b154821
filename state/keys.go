package state

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Fantom-foundation/Jellyfish/backend"
	"github.com/Fantom-foundation/Jellyfish/common"
	"github.com/Fantom-foundation/Jellyfish/jellyfish"
)

// This file provides the serialization of node keys and stale-node index
// entries into the keys of the physical store.
//
// A node key is stored as
//
//	tablespace | version (8 bytes big-endian) | numNibbles (1 byte) | packed path
//
// which makes unsigned byte comparison of the stored keys equal to the node
// key order: version first, then path length, then path content. The path
// part is variable length on purpose; a key without path bytes sorts before
// every real node key of the same version and length, which is what the
// bucket probes of the rightmost-leaf search rely on.

const (
	nodeDbKeyPrefixSize = 1 + 8 + 1

	staleDbKeyVersionEnd = 1 + 8
	staleDbKeyMinSize    = staleDbKeyVersionEnd + 8 + 1
)

// toNodeDbKey encodes a node key into its physical store key.
func toNodeDbKey(key jellyfish.NodeKey) []byte {
	path := key.Path.Bytes()
	res := make([]byte, 0, nodeDbKeyPrefixSize+len(path))
	res = append(res, byte(backend.MerkleNodeKey))
	res = binary.BigEndian.AppendUint64(res, uint64(key.Version))
	res = append(res, byte(key.Path.NumNibbles()))
	return append(res, path...)
}

// fromNodeDbKey decodes a physical store key back into a node key.
func fromNodeDbKey(data []byte) (jellyfish.NodeKey, error) {
	if len(data) < nodeDbKeyPrefixSize {
		return jellyfish.NodeKey{}, fmt.Errorf("%w: node key of %d bytes", common.ErrCorrupted, len(data))
	}
	if data[0] != byte(backend.MerkleNodeKey) {
		return jellyfish.NodeKey{}, fmt.Errorf("%w: node key in table space %c", common.ErrCorrupted, data[0])
	}
	return fromNodeDbKeyContent(data[1:])
}

// toNodeBucketProbeKey builds the probe key addressing the boundary of the
// bucket of nodes with the given path length. It carries no path bytes and
// thus sorts after every shorter node key of the version and before every
// node key of the bucket itself.
func toNodeBucketProbeKey(version common.Version, numNibbles int) []byte {
	res := make([]byte, 0, nodeDbKeyPrefixSize)
	res = append(res, byte(backend.MerkleNodeKey))
	res = binary.BigEndian.AppendUint64(res, uint64(version))
	return append(res, byte(numNibbles))
}

// getNodeKeyRangeOfVersion returns the store key range covering exactly the
// nodes of the given version.
func getNodeKeyRangeOfVersion(version common.Version) backend.Range {
	start := toNodeDbKey(jellyfish.RootNodeKey(version))
	if version == math.MaxUint64 {
		return backend.Range{Start: start, Limit: []byte{byte(backend.MerkleNodeKey) + 1}}
	}
	limit := make([]byte, 0, 1+8)
	limit = append(limit, byte(backend.MerkleNodeKey))
	limit = binary.BigEndian.AppendUint64(limit, uint64(version)+1)
	return backend.Range{Start: start, Limit: limit}
}

// toStaleNodeIndexDbKey encodes a stale-node index entry into its physical
// store key. The entry is fully encoded in the key; the stored value is
// empty. Entries sort by the version at which the node became stale, so a
// pruner can consume them in version order.
func toStaleNodeIndexDbKey(entry jellyfish.StaleNodeIndex) []byte {
	path := entry.NodeKey.Path.Bytes()
	res := make([]byte, 0, staleDbKeyMinSize+len(path))
	res = append(res, byte(backend.StaleNodeIndexKey))
	res = binary.BigEndian.AppendUint64(res, uint64(entry.StaleSinceVersion))
	res = binary.BigEndian.AppendUint64(res, uint64(entry.NodeKey.Version))
	res = append(res, byte(entry.NodeKey.Path.NumNibbles()))
	return append(res, path...)
}

// fromStaleNodeIndexDbKey decodes a physical store key back into a
// stale-node index entry.
func fromStaleNodeIndexDbKey(data []byte) (jellyfish.StaleNodeIndex, error) {
	if len(data) < staleDbKeyMinSize {
		return jellyfish.StaleNodeIndex{}, fmt.Errorf("%w: stale-node index key of %d bytes", common.ErrCorrupted, len(data))
	}
	if data[0] != byte(backend.StaleNodeIndexKey) {
		return jellyfish.StaleNodeIndex{}, fmt.Errorf("%w: stale-node index key in table space %c", common.ErrCorrupted, data[0])
	}
	staleSince := common.Version(binary.BigEndian.Uint64(data[1:staleDbKeyVersionEnd]))
	key, err := fromNodeDbKeyContent(data[staleDbKeyVersionEnd:])
	if err != nil {
		return jellyfish.StaleNodeIndex{}, err
	}
	return jellyfish.StaleNodeIndex{StaleSinceVersion: staleSince, NodeKey: key}, nil
}

// fromNodeDbKeyContent decodes a node key without a leading table space.
func fromNodeDbKeyContent(data []byte) (jellyfish.NodeKey, error) {
	if len(data) < 9 {
		return jellyfish.NodeKey{}, fmt.Errorf("%w: node key content of %d bytes", common.ErrCorrupted, len(data))
	}
	version := common.Version(binary.BigEndian.Uint64(data[:8]))
	path, err := jellyfish.NibblePathFromBytes(data[9:], int(data[8]))
	if err != nil {
		return jellyfish.NodeKey{}, err
	}
	return jellyfish.NodeKey{Version: version, Path: path}, nil
}
