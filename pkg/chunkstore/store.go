// Package chunkstore implements the Chunk Store: a content-addressed
// blob table keyed by (userid, chunkid) holding opaque payloads.
//
// Chunks are created once and never mutated; they are only removed via
// DeleteAllForUser. The Storage Facade's Reset does not call it, so a
// user's chunks survive a reset of their transaction graph. Garbage
// collection of chunks orphaned by reset or by never-committed pending
// chains is explicitly deferred to an external process, per spec.
package chunkstore

import (
	"context"
	"errors"

	"github.com/orneryd/mentatsync/pkg/ids"
)

// ErrChunkNotFound is returned by GetChunk when no chunk exists for the
// given (userid, chunkid).
var ErrChunkNotFound = errors.New("chunkstore: chunk not found")

// ErrInvalidChunk is returned when a caller-supplied id fails validation.
var ErrInvalidChunk = errors.New("chunkstore: invalid chunk id or userid")

// Store is the capability set the Chunk Store exposes upward. There is
// one concrete implementation (BadgerStore); callers should depend on
// this interface, not on the concrete type.
type Store interface {
	// CreateChunk persists payload under (userid, chunkid). Creation is
	// idempotent: re-creating the same key with the same payload is a
	// silent no-op. Re-creating the same key with a different payload
	// does not overwrite the existing payload (see DESIGN.md for why
	// insert-if-absent was chosen over overwrite-on-conflict).
	CreateChunk(ctx context.Context, userid ids.UserID, chunkid ids.ChunkID, payload []byte) error

	// GetChunk returns the payload for (userid, chunkid), or
	// ErrChunkNotFound if absent.
	GetChunk(ctx context.Context, userid ids.UserID, chunkid ids.ChunkID) ([]byte, error)

	// DeleteAllForUser discards every chunk stored for userid.
	DeleteAllForUser(ctx context.Context, userid ids.UserID) error
}
