package jellyfish

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Fantom-foundation/Jellyfish/common"
)

// treeCache collects the node churn of a run of value sets before it is
// turned into a TreeUpdateBatch. Nodes staged for the version currently
// being built are mutable in the sense that they can still be unstaged;
// freezing a version makes its nodes permanent and opens the next version.
type treeCache struct {
	reader TreeReader

	// rootKey refers to the root the next update is applied on
	rootKey NodeKey

	// nodes staged and nodes superseded since the last freeze
	nodes map[NodeKey]Node
	stale map[NodeKey]bool // true if the superseded node is a leaf

	frozenNodes NodeBatch
	frozenStale []StaleNodeIndex
	stats       []NodeStats
	rootHashes  []common.Hash

	// the version currently being built
	nextVersion common.Version
}

// newTreeCache creates a cache for building firstVersion and its successors.
// For any firstVersion other than zero the predecessor version must already
// be persisted.
func newTreeCache(reader TreeReader, firstVersion common.Version) (*treeCache, error) {
	cache := &treeCache{
		reader:      reader,
		nodes:       map[NodeKey]Node{},
		stale:       map[NodeKey]bool{},
		frozenNodes: NodeBatch{},
		nextVersion: firstVersion,
	}
	if firstVersion == 0 {
		cache.rootKey = RootNodeKey(0)
		cache.nodes[cache.rootKey] = NullNode{}
		return cache, nil
	}
	cache.rootKey = RootNodeKey(firstVersion - 1)
	if _, err := reader.GetNode(cache.rootKey); err != nil {
		return nil, fmt.Errorf("missing root of version %d; %w", firstVersion-1, err)
	}
	return cache, nil
}

// getNode resolves a node from the staged state, falling back to the
// persisted tree.
func (c *treeCache) getNode(key NodeKey) (Node, error) {
	if node, exists := c.nodes[key]; exists {
		return node, nil
	}
	if node, exists := c.frozenNodes[key]; exists {
		return node, nil
	}
	return c.reader.GetNode(key)
}

// putNode stages a node for the version currently being built.
func (c *treeCache) putNode(key NodeKey, node Node) {
	c.nodes[key] = node
}

// removeNode takes a superseded node out of the tree. Nodes staged for the
// version currently being built simply vanish; all others are recorded to be
// marked stale as of that version.
func (c *treeCache) removeNode(key NodeKey, node Node) {
	if key.Version == c.nextVersion {
		if _, exists := c.nodes[key]; exists {
			delete(c.nodes, key)
			return
		}
	}
	c.stale[key] = node.IsLeaf()
}

// freeze completes the version currently being built. It records the
// version's root hash and node statistics, makes its staged nodes permanent,
// and moves on to the next version. A version without any changes re-stages
// its predecessor's root so that every committed version owns its root node.
func (c *treeCache) freeze() error {
	root, err := c.getNode(c.rootKey)
	if err != nil {
		return fmt.Errorf("failed to load root %v; %w", c.rootKey, err)
	}
	if c.rootKey.Version != c.nextVersion {
		c.removeNode(c.rootKey, root)
		c.rootKey = RootNodeKey(c.nextVersion)
		c.nodes[c.rootKey] = root
	}
	c.rootHashes = append(c.rootHashes, root.Hash())

	stats := NodeStats{}
	for key, node := range c.nodes {
		c.frozenNodes[key] = node
		stats.NewNodes++
		if node.IsLeaf() {
			stats.NewLeaves++
		}
	}

	staleKeys := maps.Keys(c.stale)
	slices.SortFunc(staleKeys, compareNodeKeys)
	for _, key := range staleKeys {
		c.frozenStale = append(c.frozenStale, StaleNodeIndex{
			StaleSinceVersion: c.nextVersion,
			NodeKey:           key,
		})
		stats.StaleNodes++
		if c.stale[key] {
			stats.StaleLeaves++
		}
	}

	c.stats = append(c.stats, stats)
	c.nodes = map[NodeKey]Node{}
	c.stale = map[NodeKey]bool{}
	c.nextVersion++
	return nil
}

// intoBatch packages everything frozen so far into an update batch.
func (c *treeCache) intoBatch() *TreeUpdateBatch {
	return &TreeUpdateBatch{
		NodeBatch:           c.frozenNodes,
		StaleNodeIndexBatch: c.frozenStale,
		NodeStats:           c.stats,
	}
}

// compareNodeKeys orders node keys by version, then path length, then path
// content, matching their on-disk order.
func compareNodeKeys(a, b NodeKey) int {
	if a.Version != b.Version {
		if a.Version < b.Version {
			return -1
		}
		return 1
	}
	if a.Path.NumNibbles() != b.Path.NumNibbles() {
		if a.Path.NumNibbles() < b.Path.NumNibbles() {
			return -1
		}
		return 1
	}
	for i := 0; i < a.Path.NumNibbles(); i++ {
		if a.Path.Get(i) != b.Path.Get(i) {
			if a.Path.Get(i) < b.Path.Get(i) {
				return -1
			}
			return 1
		}
	}
	return 0
}
