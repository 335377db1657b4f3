package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, display_name, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err := r.db.ExecContext(ctx,
		query,
		account.ID,
		account.DisplayName,
		account.Balance,
		now,
		now,
	)

	if err != nil {
		if isUniqueViolation(err, "accounts_pkey") {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return translateError("create account", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT id, display_name, balance, created_at, updated_at
		FROM accounts WHERE id = $1
	`

	return r.scanAccount(ctx, query, id)
}

// GetAccountsForUpdate issues one SELECT ... FOR UPDATE per id so that row
// locks are taken strictly in the order of ids.
func (r *accountRepository) GetAccountsForUpdate(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	query := `
		SELECT id, display_name, balance, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`

	accounts := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		if _, seen := accounts[id]; seen {
			continue
		}
		account, err := r.scanAccount(ctx, query, id)
		if err != nil {
			if err == errors.ErrAccountNotFound {
				continue
			}
			return nil, err
		}
		accounts[id] = account
	}
	return accounts, nil
}

func (r *accountRepository) scanAccount(ctx context.Context, query string, id uuid.UUID) (*domain.Account, error) {
	var account domain.Account

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.DisplayName,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Account not found", "account_id", id)
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", id, "error", err)
		return nil, translateError("get account", err)
	}

	return &account, nil
}

func (r *accountRepository) CompareAndSwapBalance(ctx context.Context, id uuid.UUID, expected, newBalance int64) (bool, error) {
	query := `
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE id = $3 AND balance = $4
	`

	result, err := r.db.ExecContext(ctx, query, newBalance, time.Now().UTC(), id, expected)
	if err != nil {
		r.logger.Error("Failed to update account balance", "account_id", id, "error", err)
		return false, translateError("update account balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Storage("read rows affected", err)
	}

	if rowsAffected == 0 {
		r.logger.Warn("Balance changed underneath compare-and-swap", "account_id", id, "expected", expected)
		return false, nil
	}

	r.logger.Debug("Account balance updated", "account_id", id, "new_balance", newBalance)
	return true, nil
}
