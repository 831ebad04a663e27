package txgraph

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/mentatsync/pkg/ids"
	"github.com/orneryd/mentatsync/pkg/mlog"
)

// Key prefixes for BadgerDB storage organization, following the
// teacher's single-byte-prefix convention (pkg/storage/badger.go). These
// must stay disjoint from pkg/chunkstore's prefixChunk (0x10) since both
// packages share one physical *badger.DB.
const (
	prefixTrn          = byte(0x01) // trn:userid:trnid -> Transaction
	prefixTrnChunk     = byte(0x02) // trnchunk:userid:trnid:idx -> chunkid
	prefixSeqIndex     = byte(0x03) // seq:userid:seq(be64) -> trnid (committed only)
	prefixNextHeadIdx  = byte(0x04) // nhead:userid:nexthead:trnid -> {} (owner of that next_head value)
	prefixRootNextHead = byte(0x05) // rootnhead:userid -> trnid (virtual ROOT.next_head)
)

// BadgerStore is the Transaction Graph's BadgerDB-backed implementation.
type BadgerStore struct {
	db     *badger.DB
	chunks ChunkChecker
	log    *mlog.Logger
}

// NewBadgerStore wraps an already-open *badger.DB, shared with
// pkg/chunkstore.BadgerStore so that CreateTransaction can verify I8
// (chunk existence) inside the very same Badger transaction that
// inserts the new pending row.
func NewBadgerStore(db *badger.DB, chunks ChunkChecker) *BadgerStore {
	return &BadgerStore{db: db, chunks: chunks, log: mlog.Default}
}

// ---------------------------------------------------------------------
// Key encoding
// ---------------------------------------------------------------------

func trnKey(userid ids.UserID, trnid ids.TrnID) []byte {
	k := make([]byte, 0, 1+len(userid)+1+len(trnid))
	k = append(k, prefixTrn)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	k = append(k, []byte(trnid)...)
	return k
}

func trnChunkKey(userid ids.UserID, trnid ids.TrnID, idx int) []byte {
	k := make([]byte, 0, 1+len(userid)+1+len(trnid)+1+4)
	k = append(k, prefixTrnChunk)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	k = append(k, []byte(trnid)...)
	k = append(k, 0x00)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], uint32(idx))
	k = append(k, idxBuf[:]...)
	return k
}

func trnChunkPrefix(userid ids.UserID, trnid ids.TrnID) []byte {
	k := make([]byte, 0, 1+len(userid)+1+len(trnid)+1)
	k = append(k, prefixTrnChunk)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	k = append(k, []byte(trnid)...)
	k = append(k, 0x00)
	return k
}

func seqIndexKey(userid ids.UserID, seq int64) []byte {
	k := make([]byte, 0, 1+len(userid)+1+8)
	k = append(k, prefixSeqIndex)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))
	k = append(k, seqBuf[:]...)
	return k
}

func seqIndexPrefix(userid ids.UserID) []byte {
	k := make([]byte, 0, 1+len(userid)+1)
	k = append(k, prefixSeqIndex)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	return k
}

func nextHeadIndexKey(userid ids.UserID, nextHead, owner ids.TrnID) []byte {
	k := make([]byte, 0, 1+len(userid)+1+len(nextHead)+1+len(owner))
	k = append(k, prefixNextHeadIdx)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	k = append(k, []byte(nextHead)...)
	k = append(k, 0x00)
	k = append(k, []byte(owner)...)
	return k
}

func nextHeadIndexPrefix(userid ids.UserID, nextHead ids.TrnID) []byte {
	k := make([]byte, 0, 1+len(userid)+1+len(nextHead)+1)
	k = append(k, prefixNextHeadIdx)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	k = append(k, []byte(nextHead)...)
	k = append(k, 0x00)
	return k
}

func extractOwnerFromNextHeadKey(key []byte, userid ids.UserID, nextHead ids.TrnID) ids.TrnID {
	offset := len(nextHeadIndexPrefix(userid, nextHead))
	if offset > len(key) {
		return ""
	}
	return ids.TrnID(key[offset:])
}

func rootNextHeadKey(userid ids.UserID) []byte {
	k := make([]byte, 0, 1+len(userid))
	k = append(k, prefixRootNextHead)
	k = append(k, []byte(userid)...)
	return k
}

func userPrefix(prefix byte, userid ids.UserID) []byte {
	k := make([]byte, 0, 1+len(userid)+1)
	k = append(k, prefix)
	k = append(k, []byte(userid)...)
	k = append(k, 0x00)
	return k
}

// ---------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------

func encodeTrn(t *Transaction) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTrn(data []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ---------------------------------------------------------------------
// Low-level helpers shared by the exported operations
// ---------------------------------------------------------------------

// getTrnTxn reads a transaction row within an open Badger transaction.
// Returns ErrTransactionNotFound if absent.
func getTrnTxn(txn *badger.Txn, userid ids.UserID, trnid ids.TrnID) (*Transaction, error) {
	item, err := txn.Get(trnKey(userid, trnid))
	if err == badger.ErrKeyNotFound {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	var t *Transaction
	err = item.Value(func(val []byte) error {
		var decodeErr error
		t, decodeErr = decodeTrn(val)
		return decodeErr
	})
	return t, err
}

func setTrnTxn(txn *badger.Txn, t *Transaction) error {
	data, err := encodeTrn(t)
	if err != nil {
		return fmt.Errorf("txgraph: encode transaction: %w", err)
	}
	return txn.Set(trnKey(t.UserID, t.TrnID), data)
}

// getRootNextHeadTxn returns the virtual ROOT.next_head value: ids.Root
// means ROOT is currently a leaf (no pending chain exists yet for this
// user), matching a fresh Transaction's own NextHead == self invariant.
func getRootNextHeadTxn(txn *badger.Txn, userid ids.UserID) (ids.TrnID, error) {
	item, err := txn.Get(rootNextHeadKey(userid))
	if err == badger.ErrKeyNotFound {
		return ids.Root, nil
	}
	if err != nil {
		return "", err
	}
	var val ids.TrnID
	err = item.Value(func(v []byte) error {
		val = ids.TrnID(v)
		return nil
	})
	return val, err
}

func setRootNextHeadTxn(txn *badger.Txn, userid ids.UserID, trnid ids.TrnID) error {
	return txn.Set(rootNextHeadKey(userid), []byte(trnid))
}

// getHeadTxn returns the committed transaction with the largest seq, or
// ids.Root if none exists, by reverse-scanning the (userid, seq) index -
// the compound index spec.md §6.1 requires for this lookup.
func getHeadTxn(txn *badger.Txn, userid ids.UserID) (ids.TrnID, error) {
	prefix := seqIndexPrefix(userid)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix

	// Seeking in reverse mode requires a key >= the largest possible key
	// under this prefix; append 0xff bytes to build an upper bound.
	seekKey := append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(seekKey)
	if !it.ValidForPrefix(prefix) {
		return ids.Root, nil
	}
	var trnid ids.TrnID
	err := it.Item().Value(func(v []byte) error {
		trnid = ids.TrnID(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return trnid, nil
}

// bumpAncestorsTxn finds every row currently indexed under
// nextHeadValue == oldNextHead (the whole pending chain hanging off
// oldNextHead, including oldNextHead's own self-leaf entry) and moves
// each one's NextHead field to newNextHead, maintaining the
// (userid, next_head) index as it goes. This is the Go-native
// equivalent of the original SQL's
// "UPDATE transactions SET next_head = :trnid WHERE next_head = :parent".
func bumpAncestorsTxn(txn *badger.Txn, userid ids.UserID, oldNextHead, newNextHead ids.TrnID) error {
	prefix := nextHeadIndexPrefix(userid, oldNextHead)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	var owners []ids.TrnID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		owners = append(owners, extractOwnerFromNextHeadKey(it.Item().Key(), userid, oldNextHead))
	}
	it.Close()

	for _, owner := range owners {
		row, err := getTrnTxn(txn, userid, owner)
		if err != nil {
			return err
		}
		row.NextHead = newNextHead
		if err := setTrnTxn(txn, row); err != nil {
			return err
		}
		if err := txn.Delete(nextHeadIndexKey(userid, oldNextHead, owner)); err != nil {
			return err
		}
		if err := txn.Set(nextHeadIndexKey(userid, newNextHead, owner), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Exported operations
// ---------------------------------------------------------------------

// GetHead implements Store.
func (s *BadgerStore) GetHead(ctx context.Context, userid ids.UserID) (ids.TrnID, error) {
	var head ids.TrnID
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = getHeadTxn(txn, userid)
		return err
	})
	if err != nil {
		s.log.Error("get_head failed", err)
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return head, nil
}

// CreateTransaction implements Store. See spec.md §4.2.1 for the
// precondition/error contract this method enforces atomically.
func (s *BadgerStore) CreateTransaction(ctx context.Context, userid ids.UserID, trnid, parent ids.TrnID, chunks []ids.ChunkID) error {
	if err := ids.ValidateTrnID(trnid); err != nil || trnid == ids.Root {
		return fmt.Errorf("%w: invalid trnid", ErrConflict)
	}
	if err := ids.ValidateTrnID(parent); err != nil {
		return fmt.Errorf("%w: invalid parent", ErrConflict)
	}

	err := s.runWithRetry(ctx, func(txn *badger.Txn) error {
		// Precondition 1: no existing row for (userid, trnid).
		if _, err := txn.Get(trnKey(userid, trnid)); err == nil {
			return ErrConflict
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		var parentSeq int64
		var prevHead ids.TrnID

		if parent == ids.Root {
			rootNext, err := getRootNextHeadTxn(txn, userid)
			if err != nil {
				return err
			}
			if rootNext != ids.Root {
				return ErrConflict
			}
			parentSeq = 0
			prevHead = ids.Root
		} else {
			prow, err := getTrnTxn(txn, userid, parent)
			if err == ErrTransactionNotFound {
				return ErrConflict
			}
			if err != nil {
				return err
			}
			if prow.NextHead != parent {
				return ErrConflict
			}
			parentSeq = prow.Seq
			if prow.Committed {
				prevHead = parent
			} else {
				prevHead = prow.PrevHead
			}
		}

		// Precondition 3 (I8): every referenced chunk must already
		// exist for this user, checked inside this same transaction.
		for _, c := range chunks {
			ok, err := s.chunks.ExistsTxn(txn, userid, c)
			if err != nil {
				return err
			}
			if !ok {
				return ErrChunkNotFound
			}
		}

		row := &Transaction{
			UserID:    userid,
			TrnID:     trnid,
			Parent:    parent,
			Committed: false,
			Seq:       parentSeq + 1,
			PrevHead:  prevHead,
			NextHead:  trnid,
		}
		if err := setTrnTxn(txn, row); err != nil {
			return err
		}
		if err := txn.Set(nextHeadIndexKey(userid, trnid, trnid), []byte{}); err != nil {
			return err
		}

		if parent == ids.Root {
			if err := setRootNextHeadTxn(txn, userid, trnid); err != nil {
				return err
			}
		} else {
			if err := bumpAncestorsTxn(txn, userid, parent, trnid); err != nil {
				return err
			}
		}

		for idx, c := range chunks {
			if err := txn.Set(trnChunkKey(userid, trnid, idx), []byte(c)); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return s.classify(err, "create_transaction")
	}
	return nil
}

// SetHead implements Store.
func (s *BadgerStore) SetHead(ctx context.Context, userid ids.UserID, trnid ids.TrnID) error {
	err := s.runWithRetry(ctx, func(txn *badger.Txn) error {
		row, err := getTrnTxn(txn, userid, trnid)
		if err == ErrTransactionNotFound {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if row.NextHead != trnid {
			return ErrConflict // not a leaf: has a pending descendant
		}
		curHead, err := getHeadTxn(txn, userid)
		if err != nil {
			return err
		}
		if row.PrevHead != curHead {
			return ErrConflict // head moved under us
		}

		prefix := nextHeadIndexPrefix(userid, trnid)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var owners []ids.TrnID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			owners = append(owners, extractOwnerFromNextHeadKey(it.Item().Key(), userid, trnid))
		}
		it.Close()

		for _, owner := range owners {
			r, err := getTrnTxn(txn, userid, owner)
			if err != nil {
				return err
			}
			r.Committed = true
			if err := setTrnTxn(txn, r); err != nil {
				return err
			}
			if err := txn.Set(seqIndexKey(userid, r.Seq), []byte(r.TrnID)); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return s.classify(err, "set_head")
	}
	return nil
}

// GetTransaction implements Store.
func (s *BadgerStore) GetTransaction(ctx context.Context, userid ids.UserID, trnid ids.TrnID) (TransactionView, error) {
	var view TransactionView
	err := s.db.View(func(txn *badger.Txn) error {
		row, err := getTrnTxn(txn, userid, trnid)
		if err != nil {
			return err
		}

		prefix := trnChunkPrefix(userid, trnid)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var chunks []ids.ChunkID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				chunks = append(chunks, ids.ChunkID(v))
				return nil
			})
			if err != nil {
				return err
			}
		}

		view = TransactionView{
			ID:     row.TrnID,
			Parent: row.Parent,
			Seq:    row.Seq,
			Chunks: chunks,
		}
		return nil
	})

	if err == ErrTransactionNotFound {
		return TransactionView{}, ErrTransactionNotFound
	}
	if err != nil {
		s.log.Error("get_transaction failed", err)
		return TransactionView{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return view, nil
}

// GetTransactions implements Store.
func (s *BadgerStore) GetTransactions(ctx context.Context, userid ids.UserID, from ids.TrnID, limit int) ([]ids.TrnID, error) {
	if limit <= 0 {
		return nil, nil
	}

	var result []ids.TrnID
	err := s.db.View(func(txn *badger.Txn) error {
		var startSeq int64 = 0
		if from != ids.Root {
			row, err := getTrnTxn(txn, userid, from)
			if err == ErrTransactionNotFound {
				return ErrProgramming
			}
			if err != nil {
				return err
			}
			if !row.Committed {
				return ErrProgramming
			}
			startSeq = row.Seq
		}

		prefix := seqIndexPrefix(userid)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		startKey := seqIndexKey(userid, startSeq+1)
		for it.Seek(startKey); it.ValidForPrefix(prefix) && len(result) < limit; it.Next() {
			err := it.Item().Value(func(v []byte) error {
				result = append(result, ids.TrnID(v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err == ErrProgramming {
		return nil, ErrProgramming
	}
	if err != nil {
		s.log.Error("get_transactions failed", err)
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return result, nil
}

// Reset implements Store.
func (s *BadgerStore) Reset(ctx context.Context, userid ids.UserID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		prefixes := [][]byte{
			userPrefix(prefixTrn, userid),
			userPrefix(prefixTrnChunk, userid),
			userPrefix(prefixSeqIndex, userid),
			userPrefix(prefixNextHeadIdx, userid),
		}
		for _, prefix := range prefixes {
			if err := deletePrefixTxn(txn, prefix); err != nil {
				return err
			}
		}
		return txn.Delete(rootNextHeadKey(userid))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		s.log.Error("reset failed", err)
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func deletePrefixTxn(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, append([]byte(nil), it.Item().Key()...))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Retry and error classification
// ---------------------------------------------------------------------

// runWithRetry runs fn inside a single db.Update call. Per spec.md §5,
// a badger.ErrConflict (Badger's own optimistic-concurrency detection,
// the same race the original SQL's fused WHERE-clause updates guard
// against) is retried exactly once, since no statement in the aborted
// transaction was visible to any other caller.
func (s *BadgerStore) runWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	if err == badger.ErrConflict {
		err = s.db.Update(fn)
	}
	return err
}

// classify maps a low-level error into the kind the Storage Facade and
// HTTP layer expect, logging the original cause for BACKEND_ERROR paths
// only (spec.md §7: "It does not log at info-level... BACKEND_ERROR
// paths log with the original stack").
func (s *BadgerStore) classify(err error, op string) error {
	switch err {
	case ErrConflict, ErrChunkNotFound, ErrProgramming:
		return err
	default:
		s.log.Error(op+" failed", err)
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
}
