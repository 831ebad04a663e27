// Package ids defines the identifier types shared by the chunk store and
// the transaction graph, and the sentinel ROOT transaction id.
package ids

import (
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// ErrInvalidUserID is returned when a caller supplies a malformed userid.
var ErrInvalidUserID = errors.New("ids: invalid userid")

// ErrInvalidTrnID is returned when a caller supplies a malformed transaction id.
var ErrInvalidTrnID = errors.New("ids: invalid transaction id")

// ErrInvalidChunkID is returned when a caller supplies a malformed chunk id.
var ErrInvalidChunkID = errors.New("ids: invalid chunk id")

// UserID is an opaque per-user namespace identifier (a UUID string).
type UserID string

// TrnID identifies a transaction within a user's graph (a UUID string).
type TrnID string

// ChunkID identifies a content-addressed chunk within a user's namespace.
type ChunkID string

// Root is the sentinel transaction id representing "empty history": the
// conceptual parent of the first transaction and the value get_head
// returns before anything has been committed.
const Root = TrnID("00000000-0000-0000-0000-000000000000")

var chunkIDRe = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// ValidateUserID checks that userid is a well-formed UUID string.
func ValidateUserID(userid UserID) error {
	if _, err := uuid.Parse(string(userid)); err != nil {
		return ErrInvalidUserID
	}
	return nil
}

// ValidateTrnID checks that trnid is a well-formed UUID string. The ROOT
// sentinel always validates.
func ValidateTrnID(trnid TrnID) error {
	if trnid == Root {
		return nil
	}
	if _, err := uuid.Parse(string(trnid)); err != nil {
		return ErrInvalidTrnID
	}
	return nil
}

// ValidateChunkID checks that chunkid matches [a-z0-9-]{1,64}.
func ValidateChunkID(chunkid ChunkID) error {
	if !chunkIDRe.MatchString(string(chunkid)) {
		return ErrInvalidChunkID
	}
	return nil
}
