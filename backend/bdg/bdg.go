package bdg

import (
	"bytes"
	"fmt"

	"github.com/Fantom-foundation/Jellyfish/backend"
	"github.com/Fantom-foundation/Jellyfish/common"
	"github.com/dgraph-io/badger/v4"
)

// Store is a Badger-backed implementation of backend.KeyValueStore.
type Store struct {
	db *badger.DB
}

// OpenStore opens a Badger instance in the given directory.
func OpenStore(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger at %s; %w", path, err)
	}
	return &Store{db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, common.ErrNotFound
	}
	return value, err
}

func (s *Store) NewIterator(r backend.Range) backend.Iterator {
	// a read-only transaction pins a consistent snapshot for the iterator
	return &bdgIterator{
		txn:   s.db.NewTransaction(false),
		start: r.Start,
		limit: r.Limit,
	}
}

func (s *Store) NewBatch() backend.Batch {
	return &bdgBatch{}
}

func (s *Store) Write(batch backend.Batch) error {
	b, ok := batch.(*bdgBatch)
	if !ok {
		return fmt.Errorf("batch of type %T was not created by this store", batch)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, entry := range b.entries {
			var err error
			if entry.delete {
				err = txn.Delete(entry.key)
			} else {
				err = txn.Set(entry.key, entry.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// bdgBatch buffers mutations to be applied in a single Badger transaction.
type bdgBatch struct {
	entries []bdgBatchEntry
}

type bdgBatchEntry struct {
	key    []byte
	value  []byte
	delete bool
}

func (b *bdgBatch) Put(key, value []byte) {
	b.entries = append(b.entries, bdgBatchEntry{key: append([]byte{}, key...), value: append([]byte{}, value...)})
}

func (b *bdgBatch) Delete(key []byte) {
	b.entries = append(b.entries, bdgBatchEntry{key: append([]byte{}, key...), delete: true})
}

func (b *bdgBatch) Len() int {
	return len(b.entries)
}

func (b *bdgBatch) Reset() {
	b.entries = b.entries[:0]
}

// bdgIterator adapts Badger iterators, which are unidirectional, to the
// backend.Iterator interface by lazily maintaining a forward and a reverse
// iterator over one read-only transaction.
type bdgIterator struct {
	txn          *badger.Txn
	fwd, rev     *badger.Iterator
	start, limit []byte
	valid        bool
	key, value   []byte
	err          error
}

func (i *bdgIterator) forward() *badger.Iterator {
	if i.fwd == nil {
		i.fwd = i.txn.NewIterator(badger.DefaultIteratorOptions)
	}
	return i.fwd
}

func (i *bdgIterator) reverse() *badger.Iterator {
	if i.rev == nil {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		i.rev = i.txn.NewIterator(opts)
	}
	return i.rev
}

func (i *bdgIterator) First() bool {
	it := i.forward()
	if i.start != nil {
		it.Seek(i.start)
	} else {
		it.Rewind()
	}
	return i.capture(it)
}

func (i *bdgIterator) Seek(key []byte) bool {
	if i.start != nil && bytes.Compare(key, i.start) < 0 {
		key = i.start
	}
	it := i.forward()
	it.Seek(key)
	return i.capture(it)
}

func (i *bdgIterator) SeekForPrev(key []byte) bool {
	it := i.reverse()
	it.Seek(key) // in reverse mode this lands on the last key <= the given key
	for it.Valid() && i.limit != nil && bytes.Compare(it.Item().Key(), i.limit) >= 0 {
		it.Next()
	}
	if !it.Valid() || (i.start != nil && bytes.Compare(it.Item().Key(), i.start) < 0) {
		i.valid = false
		return false
	}
	return i.captureItem(it.Item())
}

func (i *bdgIterator) Next() bool {
	if !i.valid {
		return false
	}
	it := i.forward()
	it.Seek(i.key)
	if it.Valid() && bytes.Equal(it.Item().Key(), i.key) {
		it.Next()
	}
	return i.capture(it)
}

// capture validates the forward iterator position against the range limit
// and copies out the current entry.
func (i *bdgIterator) capture(it *badger.Iterator) bool {
	if !it.Valid() || (i.limit != nil && bytes.Compare(it.Item().Key(), i.limit) >= 0) {
		i.valid = false
		return false
	}
	return i.captureItem(it.Item())
}

func (i *bdgIterator) captureItem(item *badger.Item) bool {
	i.key = item.KeyCopy(nil)
	value, err := item.ValueCopy(nil)
	if err != nil {
		i.err = err
		i.valid = false
		return false
	}
	i.value = value
	i.valid = true
	return true
}

func (i *bdgIterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.key
}

func (i *bdgIterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.value
}

func (i *bdgIterator) Release() {
	if i.fwd != nil {
		i.fwd.Close()
	}
	if i.rev != nil {
		i.rev.Close()
	}
	i.txn.Discard()
}

func (i *bdgIterator) Error() error {
	return i.err
}
