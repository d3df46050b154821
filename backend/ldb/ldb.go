package ldb

import (
	"bytes"
	"fmt"

	"github.com/Fantom-foundation/Jellyfish/backend"
	"github.com/Fantom-foundation/Jellyfish/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a LevelDB-backed implementation of backend.KeyValueStore.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens a LevelDB instance in the given directory.
func OpenStore(path string, options *opt.Options) (*Store, error) {
	db, err := leveldb.OpenFile(path, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB at %s; %w", path, err)
	}
	return &Store{db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, common.ErrNotFound
	}
	return value, err
}

func (s *Store) NewIterator(r backend.Range) backend.Iterator {
	slice := &util.Range{Start: r.Start, Limit: r.Limit}
	return &ldbIterator{it: s.db.NewIterator(slice, nil)}
}

func (s *Store) NewBatch() backend.Batch {
	return &ldbBatch{}
}

func (s *Store) Write(batch backend.Batch) error {
	b, ok := batch.(*ldbBatch)
	if !ok {
		return fmt.Errorf("batch of type %T was not created by this store", batch)
	}
	return s.db.Write(&b.batch, nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ldbBatch adapts leveldb.Batch to the backend.Batch interface.
type ldbBatch struct {
	batch leveldb.Batch
}

func (b *ldbBatch) Put(key, value []byte) {
	b.batch.Put(key, value)
}

func (b *ldbBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

func (b *ldbBatch) Len() int {
	return b.batch.Len()
}

func (b *ldbBatch) Reset() {
	b.batch.Reset()
}

// ldbIterator adapts a goleveldb iterator, which natively provides only
// forward seeks, to the backend.Iterator interface.
type ldbIterator struct {
	it iterator.Iterator
}

func (i *ldbIterator) First() bool {
	return i.it.First()
}

func (i *ldbIterator) Seek(key []byte) bool {
	return i.it.Seek(key)
}

func (i *ldbIterator) SeekForPrev(key []byte) bool {
	if !i.it.Seek(key) {
		// all keys in range are below the given key, if any
		return i.it.Last()
	}
	if bytes.Compare(i.it.Key(), key) > 0 {
		return i.it.Prev()
	}
	return true
}

func (i *ldbIterator) Next() bool {
	return i.it.Next()
}

func (i *ldbIterator) Key() []byte {
	return i.it.Key()
}

func (i *ldbIterator) Value() []byte {
	return i.it.Value()
}

func (i *ldbIterator) Release() {
	i.it.Release()
}

func (i *ldbIterator) Error() error {
	return i.it.Error()
}
