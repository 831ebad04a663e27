package txgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mentatsync/pkg/ids"
)

// TestInvariant_I1_LinearChainStrictlyIncreasingSeq exercises I1: the
// committed set forms a linear chain rooted at ROOT with strictly
// increasing seq starting at 1.
func TestInvariant_I1_LinearChainStrictlyIncreasingSeq(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	var chain []ids.TrnID
	for i := 0; i < 4; i++ {
		parent := ids.Root
		if len(chain) > 0 {
			parent = chain[len(chain)-1]
		}
		trn := newTrnID(t)
		require.NoError(t, s.CreateTransaction(ctx, u, trn, parent, []ids.ChunkID{"aa"}))
		require.NoError(t, s.SetHead(ctx, u, trn))
		chain = append(chain, trn)
	}

	committed, err := s.GetTransactions(ctx, u, ids.Root, 100)
	require.NoError(t, err)
	require.Equal(t, chain, committed)

	for i, trn := range chain {
		view, err := s.GetTransaction(ctx, u, trn)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), view.Seq)
	}
}

// TestInvariant_I4_PrevHeadFixedAtInsertTime exercises I4: prev_head is
// set once at insert time to the deepest committed ancestor and never
// changes afterward, even as other siblings are attempted and rejected.
func TestInvariant_I4_PrevHeadFixedAtInsertTime(t *testing.T) {
	s, cs, db := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, u, t1))

	t2 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t2, t1, []ids.ChunkID{"aa"}))

	row := fetchRow(t, db, u, t2)
	assert.Equal(t, t1, row.PrevHead)

	// A racing (failed) sibling attempt must not perturb t2's prev_head.
	t3 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t3, t1, []ids.ChunkID{"aa"})
	assert.ErrorIs(t, err, ErrConflict)

	row = fetchRow(t, db, u, t2)
	assert.Equal(t, t1, row.PrevHead, "prev_head must be immutable once inserted")
}

// TestInvariant_I5_NextHeadAlwaysPointsToASelfLeaf exercises I5: every
// transaction's next_head resolves (transitively in one hop, since
// next_head always points directly at the leaf) to a transaction whose
// own next_head is itself.
func TestInvariant_I5_NextHeadAlwaysPointsToASelfLeaf(t *testing.T) {
	s, cs, db := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	t2 := newTrnID(t)
	t3 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.CreateTransaction(ctx, u, t2, t1, []ids.ChunkID{"aa"}))
	require.NoError(t, s.CreateTransaction(ctx, u, t3, t2, []ids.ChunkID{"aa"}))

	for _, trn := range []ids.TrnID{t1, t2, t3} {
		row := fetchRow(t, db, u, trn)
		assert.Equal(t, t3, row.NextHead, "every ancestor's next_head must point at the current leaf")
	}
	leafRow := fetchRow(t, db, u, t3)
	assert.Equal(t, t3, leafRow.NextHead, "a leaf's own next_head must be itself")
}

// TestInvariant_I6_AtMostOneCommittedLeaf exercises I6 by committing a
// transaction and confirming that a second transaction parented on ROOT
// can neither be inserted nor committed as a competing head.
func TestInvariant_I6_AtMostOneCommittedLeaf(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, u, t1))

	t2 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t2, ids.Root, []ids.ChunkID{"aa"})
	assert.ErrorIs(t, err, ErrConflict, "ROOT already has committed descendant t1")
	err = s.SetHead(ctx, u, t2)
	assert.ErrorIs(t, err, ErrConflict, "t2 never had a real parent relationship to the current head")
}

// TestInvariant_I7_OnlyOnePendingChainPerParent exercises I7: a second
// pending transaction may not be inserted under a parent that already
// has a pending descendant.
func TestInvariant_I7_OnlyOnePendingChainPerParent(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa"}))
	require.NoError(t, s.SetHead(ctx, u, t1))

	t2 := newTrnID(t)
	require.NoError(t, s.CreateTransaction(ctx, u, t2, t1, []ids.ChunkID{"aa"}))

	t3 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t3, t1, []ids.ChunkID{"aa"})
	assert.ErrorIs(t, err, ErrConflict, "t1 already has pending descendant t2")
}

// TestInvariant_I8_ChunkMustExistAtInsertTime exercises I8: every
// referenced chunk must already exist for the user at insert time.
func TestInvariant_I8_ChunkMustExistAtInsertTime(t *testing.T) {
	s, cs, _ := newTestStore(t)
	ctx := context.Background()
	u := testUser(t)
	require.NoError(t, cs.CreateChunk(ctx, u, "aa", []byte("x")))

	t1 := newTrnID(t)
	err := s.CreateTransaction(ctx, u, t1, ids.Root, []ids.ChunkID{"aa", "missing"})
	assert.ErrorIs(t, err, ErrChunkNotFound)
}
