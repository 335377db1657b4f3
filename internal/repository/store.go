package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db       *sql.DB
	executor SQLExecutor
	logger   *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		executor: db,
		logger:   logger,
	}
}

// Accounts returns an AccountRepository using the current executor
func (s *Store) Accounts() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.logger)
}

// Transfers returns a TransferRepository using the current executor
func (s *Store) Transfers() domain.TransferRepository {
	return NewTransferRepository(s.executor, s.logger)
}

// WithTransaction executes fn within a database transaction. Row locks taken
// inside fn wait at most opts.LockTimeout before Postgres aborts the statement.
func (s *Store) WithTransaction(ctx context.Context, opts domain.TxOptions, fn func(domain.Store) error) (err error) {
	if _, nested := s.executor.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Error("Failed to roll back transaction", "error", rbErr)
			}
		}
	}()

	if opts.LockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return translateError("set lock timeout", err)
		}
	}

	txStore := &Store{
		db:       s.db,
		executor: tx,
		logger:   s.logger,
	}

	if err = fn(txStore); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", "error", err)
		return errors.Storage("commit transaction", err)
	}
	return nil
}

// Ping checks database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
