// Package txgraph implements the Transaction Graph: the per-user set of
// transactions with parent links, commit flags, sequence numbers, and
// the prev_head/next_head fields that let CreateTransaction and SetHead
// be expressed as single conditional storage-engine transactions.
//
// This is the core of MentatSync. See DESIGN.md's pkg/txgraph section
// for the indexes and the virtual ROOT pointer that enforce I1-I8.
package txgraph

import "github.com/orneryd/mentatsync/pkg/ids"

// Transaction is the persisted record for one (userid, trnid) pair.
type Transaction struct {
	UserID ids.UserID `json:"userid"`
	TrnID  ids.TrnID  `json:"trnid"`

	// Parent is the trnid this transaction extends, or ids.Root if it
	// extends the empty history.
	Parent ids.TrnID `json:"parent"`

	// Committed is true once this transaction has been promoted to the
	// committed history by SetHead. Terminal: never demoted.
	Committed bool `json:"committed"`

	// Seq is this transaction's position in the committed history,
	// assigned at insert time as parent.Seq + 1 (ids.Root has Seq 0).
	Seq int64 `json:"seq"`

	// PrevHead is the committed head at the moment this transaction was
	// inserted as pending. Immutable once set (I4).
	PrevHead ids.TrnID `json:"prev_head"`

	// NextHead is the trnid of the deepest pending descendant in this
	// transaction's subtree, or this transaction's own id if it is
	// currently a leaf (I5). Updated by CreateTransaction's ancestor
	// propagation whenever a new leaf extends the chain.
	NextHead ids.TrnID `json:"next_head"`
}

// TransactionView is what GetTransaction returns to callers: metadata
// plus the transaction's ordered chunk list. prev_head/next_head are
// internal bookkeeping fields and are deliberately not exposed here,
// matching spec.md §4.2.1's get_transaction contract.
type TransactionView struct {
	ID     ids.TrnID
	Parent ids.TrnID
	Seq    int64
	Chunks []ids.ChunkID
}
