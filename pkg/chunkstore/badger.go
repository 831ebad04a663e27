package chunkstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/mentatsync/pkg/ids"
)

// prefixChunk namespaces chunk rows within the shared *badger.DB. It must
// not collide with the prefixes pkg/txgraph uses against the same
// physical database (see pkg/txgraph/badger.go's prefix block).
const prefixChunk = byte(0x10)

// BadgerStore is the Chunk Store's BadgerDB-backed implementation,
// following the teacher's single-byte key-prefix convention
// (pkg/storage/badger.go's nodeKey/labelIndexKey style).
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an already-open *badger.DB. The handle is
// typically shared with pkg/txgraph.BadgerStore, since both tables live
// in one physical database under disjoint key prefixes.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// chunkKey builds the primary key for (userid, chunkid).
func chunkKey(userid ids.UserID, chunkid ids.ChunkID) []byte {
	key := make([]byte, 0, 1+len(userid)+1+len(chunkid))
	key = append(key, prefixChunk)
	key = append(key, []byte(userid)...)
	key = append(key, 0x00)
	key = append(key, []byte(chunkid)...)
	return key
}

// userChunkPrefix returns the prefix matching every chunk key for userid.
func userChunkPrefix(userid ids.UserID) []byte {
	key := make([]byte, 0, 1+len(userid)+1)
	key = append(key, prefixChunk)
	key = append(key, []byte(userid)...)
	key = append(key, 0x00)
	return key
}

// CreateChunk implements Store.
func (s *BadgerStore) CreateChunk(ctx context.Context, userid ids.UserID, chunkid ids.ChunkID, payload []byte) error {
	if err := ids.ValidateUserID(userid); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	if err := ids.ValidateChunkID(chunkid); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}

	key := chunkKey(userid, chunkid)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			// Insert-if-absent: a chunk already exists under this key.
			// Per spec this is not an error; the existing payload is
			// left untouched (see DESIGN.md's pkg/chunkstore section).
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, payload)
	})
}

// GetChunk implements Store.
func (s *BadgerStore) GetChunk(ctx context.Context, userid ids.UserID, chunkid ids.ChunkID) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(userid, chunkid))
		if err == badger.ErrKeyNotFound {
			return ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload = append([]byte(nil), val...)
			return nil
		})
	})
	return payload, err
}

// DeleteAllForUser implements Store.
func (s *BadgerStore) DeleteAllForUser(ctx context.Context, userid ids.UserID) error {
	prefix := userChunkPrefix(userid)
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExistsTxn reports whether a chunk exists for (userid, chunkid) within
// an already-open Badger transaction. pkg/txgraph uses this to fuse
// I8's chunk-existence check into the same atomic transaction as
// CreateTransaction's other preconditions, without a second *badger.DB
// round trip.
func (s *BadgerStore) ExistsTxn(txn *badger.Txn, userid ids.UserID, chunkid ids.ChunkID) (bool, error) {
	_, err := txn.Get(chunkKey(userid, chunkid))
	if err == nil {
		return true, nil
	}
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return false, err
}
