// Package mentatsync composes the Chunk Store and Transaction Graph into
// the single Storage Facade the HTTP collaborator talks to: one call per
// public operation (create_chunk, get_chunk, create_transaction,
// get_transaction, get_transactions, get_head, set_head, reset), each
// bounded by pkg/pool.Limiter. Backend failures of the transaction graph
// are logged by pkg/txgraph through mlog.Default; the Service itself
// does not log.
package mentatsync

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/mentatsync/pkg/chunkstore"
	"github.com/orneryd/mentatsync/pkg/ids"
	"github.com/orneryd/mentatsync/pkg/mlog"
	"github.com/orneryd/mentatsync/pkg/pool"
	"github.com/orneryd/mentatsync/pkg/txgraph"
)

// Service is the Storage Facade: the one collaborator the HTTP layer
// depends on. There is a single concrete implementation backed by one
// shared *badger.DB, following spec.md §9's "no inheritance in the
// core" - this is a plain struct, not an interface with a mock twin.
type Service struct {
	db      *badger.DB
	chunks  *chunkstore.BadgerStore
	graph   *txgraph.BadgerStore
	limiter *pool.Limiter
	log     *mlog.Logger
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithLogger sets the Service's logger (mlog.Default otherwise). The
// Service does not write to it, and the Chunk Store and Transaction Graph
// keep logging through mlog.Default.
func WithLogger(l *mlog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New takes an already-open BadgerDB handle and wires the Chunk Store and
// Transaction Graph on top of it, bounded by a pool.Limiter sized per
// maxConcurrent/maxBacklog.
func New(db *badger.DB, maxConcurrent, maxBacklog int, opts ...Option) *Service {
	chunks := chunkstore.NewBadgerStore(db)
	s := &Service{
		db:      db,
		chunks:  chunks,
		graph:   txgraph.NewBadgerStore(db, chunks),
		limiter: pool.New(maxConcurrent, maxBacklog),
		log:     mlog.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying BadgerDB handle.
func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("mentatsync: %w", err)
	}
	return release, nil
}

// CreateChunk stores payload under (userid, chunkid), a no-op if the
// chunk already exists.
func (s *Service) CreateChunk(ctx context.Context, userid ids.UserID, chunkid ids.ChunkID, payload []byte) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.chunks.CreateChunk(ctx, userid, chunkid, payload)
}

// GetChunk returns the payload stored under (userid, chunkid).
func (s *Service) GetChunk(ctx context.Context, userid ids.UserID, chunkid ids.ChunkID) ([]byte, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.chunks.GetChunk(ctx, userid, chunkid)
}

// CreateTransaction inserts a new pending transaction extending parent.
func (s *Service) CreateTransaction(ctx context.Context, userid ids.UserID, trnid, parent ids.TrnID, chunks []ids.ChunkID) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.graph.CreateTransaction(ctx, userid, trnid, parent, chunks)
}

// GetTransaction returns a transaction's metadata and chunk list.
func (s *Service) GetTransaction(ctx context.Context, userid ids.UserID, trnid ids.TrnID) (txgraph.TransactionView, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return txgraph.TransactionView{}, err
	}
	defer release()
	return s.graph.GetTransaction(ctx, userid, trnid)
}

// GetTransactions returns up to limit committed transaction ids after from.
func (s *Service) GetTransactions(ctx context.Context, userid ids.UserID, from ids.TrnID, limit int) ([]ids.TrnID, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.graph.GetTransactions(ctx, userid, from, limit)
}

// GetHead returns the current committed head for userid.
func (s *Service) GetHead(ctx context.Context, userid ids.UserID) (ids.TrnID, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return s.graph.GetHead(ctx, userid)
}

// SetHead commits the pending chain ending at trnid.
func (s *Service) SetHead(ctx context.Context, userid ids.UserID, trnid ids.TrnID) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.graph.SetHead(ctx, userid, trnid)
}

// Reset discards a user's entire transaction graph (chunks are kept, per
// spec.md's reset contract: Reset is a test/ops escape hatch scoped to
// the graph, not a GDPR-style full erasure).
func (s *Service) Reset(ctx context.Context, userid ids.UserID) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.graph.Reset(ctx, userid)
}

// GetTransactionBatch fans out one GetTransaction lookup per trnid
// concurrently, for callers that already hold a range of ids from
// GetTransactions (e.g. a client resynchronizing a whole range) and want
// their metadata and chunk lists without one round trip per id. Each
// lookup still goes through acquire/release, so the pool.Limiter's
// admission control applies per lookup exactly as it does for any other
// call. The first error encountered cancels the remaining lookups and
// is returned; results are otherwise returned in input order.
func (s *Service) GetTransactionBatch(ctx context.Context, userid ids.UserID, trnids []ids.TrnID) ([]txgraph.TransactionView, error) {
	views := make([]txgraph.TransactionView, len(trnids))
	g, gctx := errgroup.WithContext(ctx)
	for i, trnid := range trnids {
		i, trnid := i, trnid
		g.Go(func() error {
			view, err := s.GetTransaction(gctx, userid, trnid)
			if err != nil {
				return err
			}
			views[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}
