package chunkstore

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func testUser(t *testing.T) ids.UserID {
	t.Helper()
	return ids.UserID(uuid.NewString())
}

func TestBadgerStore_CreateAndGetChunk(t *testing.T) {
	s := NewBadgerStore(newTestDB(t))
	ctx := context.Background()
	u := testUser(t)

	require.NoError(t, s.CreateChunk(ctx, u, "aa", []byte("AY")))
	require.NoError(t, s.CreateChunk(ctx, u, "bb", []byte("BE")))

	payload, err := s.GetChunk(ctx, u, "bb")
	require.NoError(t, err)
	assert.Equal(t, []byte("BE"), payload)
}

func TestBadgerStore_GetChunk_NotFound(t *testing.T) {
	s := NewBadgerStore(newTestDB(t))
	_, err := s.GetChunk(context.Background(), testUser(t), "missing")
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestBadgerStore_CreateChunk_IdempotentOnDuplicate(t *testing.T) {
	s := NewBadgerStore(newTestDB(t))
	ctx := context.Background()
	u := testUser(t)

	require.NoError(t, s.CreateChunk(ctx, u, "cc", []byte("original")))
	require.NoError(t, s.CreateChunk(ctx, u, "cc", []byte("different")))

	payload, err := s.GetChunk(ctx, u, "cc")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), payload, "insert-if-absent must not silently corrupt the prior payload")
}

func TestBadgerStore_DeleteAllForUser(t *testing.T) {
	s := NewBadgerStore(newTestDB(t))
	ctx := context.Background()
	u := testUser(t)
	other := testUser(t)

	require.NoError(t, s.CreateChunk(ctx, u, "aa", []byte("AY")))
	require.NoError(t, s.CreateChunk(ctx, u, "bb", []byte("BE")))
	require.NoError(t, s.CreateChunk(ctx, other, "aa", []byte("OTHER")))

	require.NoError(t, s.DeleteAllForUser(ctx, u))

	_, err := s.GetChunk(ctx, u, "aa")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	_, err = s.GetChunk(ctx, u, "bb")
	assert.ErrorIs(t, err, ErrChunkNotFound)

	payload, err := s.GetChunk(ctx, other, "aa")
	require.NoError(t, err)
	assert.Equal(t, []byte("OTHER"), payload, "DeleteAllForUser must not leak across users")
}

func TestBadgerStore_CreateChunk_InvalidID(t *testing.T) {
	s := NewBadgerStore(newTestDB(t))
	err := s.CreateChunk(context.Background(), testUser(t), "Not_Valid!", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidChunk)
}
