package txgraph

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mentatsync/pkg/chunkstore"
	"github.com/orneryd/mentatsync/pkg/ids"
)

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) (*BadgerStore, *chunkstore.BadgerStore, *badger.DB) {
	t.Helper()
	db := newTestDB(t)
	cs := chunkstore.NewBadgerStore(db)
	return NewBadgerStore(db, cs), cs, db
}

func testUser(t *testing.T) ids.UserID {
	t.Helper()
	return ids.UserID(uuid.NewString())
}

func newTrnID(t *testing.T) ids.TrnID {
	t.Helper()
	return ids.TrnID(uuid.NewString())
}

// fetchRow reads a raw Transaction row directly, bypassing the public
// Store interface, for tests that assert on prev_head/next_head - fields
// TransactionView deliberately does not expose.
func fetchRow(t *testing.T, db *badger.DB, userid ids.UserID, trnid ids.TrnID) *Transaction {
	t.Helper()
	var row *Transaction
	err := db.View(func(txn *badger.Txn) error {
		var err error
		row, err = getTrnTxn(txn, userid, trnid)
		return err
	})
	require.NoError(t, err)
	return row
}

func TestBadgerStore_GetHead_EmptyIsRoot(t *testing.T) {
	s, _, _ := newTestStore(t)
	head, err := s.GetHead(context.Background(), testUser(t))
	require.NoError(t, err)
	assert.Equal(t, ids.Root, head)
}

func TestBadgerStore_CreateTransaction_FromRoot(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)

	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))
	trn := newTrnID(t)

	require.NoError(t, s.CreateTransaction(ctx, u, trn, ids.Root, []ids.ChunkID{"aa"}))

	view, err := s.GetTransaction(ctx, u, trn)
	require.NoError(t, err)
	assert.Equal(t, ids.Root, view.Parent)
	assert.Equal(t, int64(1), view.Seq)
	assert.Equal(t, []ids.ChunkID{"aa"}, view.Chunks)

	// Not committed yet, so head is still ROOT.
	head, err := s.GetHead(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, ids.Root, head)
}

func TestBadgerStore_SecondSiblingFromRoot_Conflicts(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))

	t2 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t2, ids.Root, []ids.ChunkID{"aa"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBadgerStore_SetHead_PromotesAndAdvancesHead(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, u, t1))

	head, err := s.GetHead(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, t1, head)
}

func TestBadgerStore_SetHead_AfterCommit_NewSiblingFromRoot_StillConflicts(t *testing.T) {
	// Once ROOT has spawned a committed descendant, a second transaction
	// parented directly on ROOT must still conflict: ROOT's virtual
	// next_head was bumped to t1 and is never reset.
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, u, t1))

	t2 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t2, ids.Root, []ids.ChunkID{"aa"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBadgerStore_MultiStepChain_CommitsAllAtOnce(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	t2 := newTrnID(t)
	t3 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.CreateTransaction(ctx, u, t2, t1, []ids.ChunkID{"aa"}))
	require.NoError(t, s.CreateTransaction(ctx, u, t3, t2, []ids.ChunkID{"aa"}))

	// Committing only the deepest leaf promotes the whole chain.
	require.NoError(t, s.SetHead(ctx, u, t3))

	head, err := s.GetHead(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, t3, head)

	all, err := s.GetTransactions(ctx, u, ids.Root, 10)
	require.NoError(t, err)
	assert.Equal(t, []ids.TrnID{t1, t2, t3}, all)
}

func TestBadgerStore_SetHead_NonLeafRejected(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	t2 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.CreateTransaction(ctx, u, t2, t1, []ids.ChunkID{"aa"}))

	err := s.SetHead(ctx, u, t1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBadgerStore_CreateTransaction_MissingChunk(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	t1 := newTrnID(t)

	err := s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"nope"})
	assert.ErrorIs(t, err, ErrChunkNotFound)

	_, err = s.GetTransaction(ctx, u, t1)
	assert.ErrorIs(t, err, ErrTransactionNotFound, "a failed create must not leave a partial row")
}

func TestBadgerStore_CreateTransaction_NonexistentParent(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	ghost := newTrnID(t)
	t1 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t1, ghost, []ids.ChunkID{"aa"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBadgerStore_GetTransactions_FromNonCommitted_IsProgrammingError(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))

	_, err := s.GetTransactions(ctx, u, t1, 10)
	assert.ErrorIs(t, err, ErrProgramming)
}

func TestBadgerStore_Reset_ClearsUserOnly(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	other := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))
	require.NoError(t, cs.CreateChunk(ctx, other, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, u, t1))

	o1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, other, o1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, other, o1))

	require.NoError(t, s.Reset(ctx, u))

	head, err := s.GetHead(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, ids.Root, head)

	otherHead, err := s.GetHead(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, o1, otherHead, "reset must not affect other users")

	// ROOT's virtual next_head pointer must also have been cleared, so a
	// fresh transaction parented on ROOT succeeds again for this user.
	t2 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t2, ids.Root, []ids.ChunkID{"aa"}))
}
