package backend

// TableSpace divide key-value storage into spaces by adding a prefix to the key.
type TableSpace byte

const (
	// MerkleNodeKey is a tablespace for jellyfish merkle tree nodes.
	MerkleNodeKey TableSpace = 'J'
	// StaleNodeIndexKey is a tablespace for the stale-node index consumed
	// by the pruner. It is never read by the query path.
	StaleNodeIndexKey TableSpace = 'S'
)

// Range is a half-open key interval [Start, Limit). A nil Start is treated
// as a key before all keys, a nil Limit as a key after all keys.
type Range struct {
	Start []byte
	Limit []byte
}

// Batch collects key-value mutations to be written into a KeyValueStore as
// one atomic unit. Mutations from unrelated subsystems may be combined in a
// single batch; the owner of the batch commits it exactly once.
type Batch interface {
	// Put stages a key-value pair into the batch.
	Put(key, value []byte)

	// Delete stages a key removal into the batch.
	Delete(key []byte)

	// Len returns the number of staged mutations.
	Len() int

	// Reset discards all staged mutations.
	Reset()
}

// Iterator walks keys of a KeyValueStore in ascending unsigned-lexicographic
// byte order, restricted to the Range it was created with. All positioning
// methods report whether the iterator ended up on a valid entry.
//
// An iterator observes a consistent snapshot of the store for its whole
// lifetime. It is not safe for concurrent use and must be released after
// use by calling Release.
type Iterator interface {
	// First moves the iterator to the first key of its range.
	First() bool

	// Seek moves the iterator to the first key at or after the given key.
	Seek(key []byte) bool

	// SeekForPrev moves the iterator to the last key at or before the
	// given key.
	SeekForPrev(key []byte) bool

	// Next moves the iterator to the next key in ascending order.
	Next() bool

	// Key returns the current key. The returned slice must not be modified
	// and is only valid until the next positioning call.
	Key() []byte

	// Value returns the current value, under the same constraints as Key.
	Value() []byte

	// Release frees resources held by the iterator.
	Release()

	// Error returns the first error encountered while iterating, if any.
	Error() error
}

// KeyValueStore is an ordered key-value store with atomic batch writes.
// It is the boundary behind which physical stores (LevelDB, Badger) are
// interchangeable; keys compare as unsigned bytes in all implementations.
type KeyValueStore interface {
	// Get returns the value stored for the key, or common.ErrNotFound.
	// The returned slice is a copy and safe to modify.
	Get(key []byte) ([]byte, error)

	// NewIterator creates an iterator over the given key range, observing
	// a snapshot of the store taken at creation time.
	NewIterator(r Range) Iterator

	// NewBatch creates an empty batch writable into this store.
	NewBatch() Batch

	// Write applies a batch created by NewBatch atomically.
	Write(batch Batch) error

	// Close releases the store.
	Close() error
}
