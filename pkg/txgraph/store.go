package txgraph

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/mentatsync/pkg/ids"
)

// Error kinds, matching spec.md §7's four-way taxonomy. get_transaction
// and get_chunk NOT_FOUND cases live here and in pkg/chunkstore
// respectively; CONFLICT and PROGRAMMING_ERROR only ever originate from
// the transaction graph.
var (
	// ErrTransactionNotFound is returned by GetTransaction when no
	// transaction exists for (userid, trnid).
	ErrTransactionNotFound = errors.New("txgraph: transaction not found")

	// ErrConflict covers every precondition failure of CreateTransaction
	// and SetHead: duplicate trnid, parent not a leaf, nonexistent
	// parent, and a head that moved out from under a racing commit.
	ErrConflict = errors.New("txgraph: conflict")

	// ErrChunkNotFound is returned by CreateTransaction when one of the
	// chunks it references does not exist for this user.
	ErrChunkNotFound = errors.New("txgraph: chunk not found")

	// ErrProgramming marks an invariant breach that should be
	// impossible under a correct client: querying get_transactions from
	// a `from` that is not a committed transaction for this user.
	ErrProgramming = errors.New("txgraph: programming error")

	// ErrBackend wraps an operational storage-engine failure after the
	// retry budget is exhausted.
	ErrBackend = errors.New("txgraph: backend error")
)

// ChunkChecker lets the transaction graph verify I8 (every
// TransactionChunk references an existing chunk) inside the very same
// storage-engine transaction that inserts the new pending transaction,
// without a second round trip to the Chunk Store. pkg/chunkstore's
// BadgerStore satisfies this directly.
type ChunkChecker interface {
	ExistsTxn(txn *badger.Txn, userid ids.UserID, chunkid ids.ChunkID) (bool, error)
}

// Store is the Transaction Graph's capability set: get_head, set_head,
// create_transaction, get_transaction, get_transactions, reset. There is
// one concrete implementation (BadgerStore). Per spec.md §9 ("no
// inheritance in the core"), this is a plain interface with a single
// implementer, not a shared abstract base.
type Store interface {
	// GetHead returns the trnid of the committed transaction with the
	// largest seq, or ids.Root if none exists. It fails only on a
	// storage-engine error (ErrBackend).
	GetHead(ctx context.Context, userid ids.UserID) (ids.TrnID, error)

	// CreateTransaction inserts a pending transaction extending parent
	// (which may be ids.Root) with the given ordered chunk list. See
	// spec.md §4.2.1 for the full precondition/error contract.
	CreateTransaction(ctx context.Context, userid ids.UserID, trnid, parent ids.TrnID, chunks []ids.ChunkID) error

	// SetHead promotes the pending chain ending at trnid to committed,
	// making trnid the new head.
	SetHead(ctx context.Context, userid ids.UserID, trnid ids.TrnID) error

	// GetTransaction returns a transaction's metadata and ordered chunk
	// list, pending or committed indifferently.
	GetTransaction(ctx context.Context, userid ids.UserID, trnid ids.TrnID) (TransactionView, error)

	// GetTransactions returns up to limit committed transaction ids in
	// increasing seq order, starting strictly after from (ids.Root
	// means "from the beginning").
	GetTransactions(ctx context.Context, userid ids.UserID, from ids.TrnID, limit int) ([]ids.TrnID, error)

	// Reset discards every transaction (and TransactionChunk row) for
	// userid. Chunks are left in place.
	Reset(ctx context.Context, userid ids.UserID) error
}
