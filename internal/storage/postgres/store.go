// Package postgres implements the storage contract on PostgreSQL.
//
// The implementation leans on three extensions: pgvector for cosine ANN over
// embeddings, ltree for taxonomy subtree queries, and the built-in tsvector
// machinery for keyword rank. One pgx pool serves the whole process; write
// batches run through RunInTransaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/storage"
)

// Options configure the pool and the persisted embedding dimension.
type Options struct {
	URL      string
	MinConns int32
	MaxConns int32
	// EmbedDim is the dimension of the embedding column. Startup fails when
	// an existing database was created with a different dimension.
	EmbedDim int
	// CommandTimeoutMS bounds every statement server-side. Zero keeps the
	// server default.
	CommandTimeoutMS int
	Logger           *zap.Logger
}

// Store implements storage.Storage on a pgx connection pool.
type Store struct {
	queries

	pool *pgxpool.Pool
	dim  int
	log  *zap.Logger
}

var _ storage.Storage = (*Store)(nil)

// Open connects, applies the idempotent schema, and verifies that the stored
// embedding dimension matches the configured one. A mismatch is fatal here
// rather than a runtime surprise on the first insert.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.CommandTimeoutMS > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(opts.CommandTimeoutMS)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		queries: queries{db: pool},
		pool:    pool,
		dim:     opts.EmbedDim,
		log:     log,
	}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaTemplate, s.dim)); err != nil {
		return fmt.Errorf("%w: apply schema: %v", storage.ErrUnavailable, err)
	}

	var stored int
	if err := s.pool.QueryRow(ctx, dimensionQuery).Scan(&stored); err != nil {
		return fmt.Errorf("%w: read embedding dimension: %v", storage.ErrUnavailable, err)
	}
	// atttypmod is -1 when the column carries no typmod; only a concrete
	// mismatch is fatal.
	if stored > 0 && stored != s.dim {
		return fmt.Errorf("%w: memories.embedding is vector(%d) but EMBED_DIM is %d; migrate the column or match the config",
			storage.ErrUnavailable, stored, s.dim)
	}
	s.log.Debug("schema ready", zap.Int("embed_dim", s.dim))
	return nil
}

// Ping reports basic connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Close drains the pool. Safe to call once outstanding work is cancelled.
func (s *Store) Close() {
	s.pool.Close()
}

// RunInTransaction executes fn inside a single transaction, committing on a
// nil return and rolling back on error or panic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&storeTx{queries: queries{db: tx}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// storeTx exposes the write methods bound to an open transaction.
type storeTx struct {
	queries
}

var _ storage.Transaction = (*storeTx)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so that every query
// method is written once and runs either standalone or transactional.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

// notFound converts pgx's no-rows into the portable sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
