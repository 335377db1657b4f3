package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

const transferColumns = `id, sender_id, receiver_id, amount, status, note, idempotency_key, request_hash, created_at`

type transferRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransferRepository(db SQLExecutor, logger *slog.Logger) domain.TransferRepository {
	return &transferRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transferRepository) InsertTransfer(ctx context.Context, t *domain.TransferRecord) error {
	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	// Handle optional idempotency key
	var idempotencyKey interface{}
	if t.IdempotencyKey != nil {
		idempotencyKey = *t.IdempotencyKey
	}

	_, err := r.db.ExecContext(ctx,
		query,
		t.ID,
		t.SenderID,
		t.ReceiverID,
		t.Amount,
		string(t.Status),
		t.Note,
		idempotencyKey,
		t.RequestHash,
		t.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err, idempotencyKeyConstraint) {
			r.logger.Warn("Duplicate idempotency key", "idempotency_key", *t.IdempotencyKey)
			return domain.ErrDuplicateIdempotencyKey
		}
		r.logger.Error("Failed to insert transfer",
			"sender_id", t.SenderID,
			"receiver_id", t.ReceiverID,
			"amount", t.Amount,
			"error", err)
		return translateError("insert transfer", err)
	}

	r.logger.Info("Transfer recorded", "transfer_id", t.ID, "status", t.Status)
	return nil
}

func (r *transferRepository) GetTransferByID(ctx context.Context, id uuid.UUID) (*domain.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`

	t, err := scanTransfer(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrTransferNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get transfer", "transfer_id", id, "error", err)
		return nil, translateError("get transfer", err)
	}
	return t, nil
}

func (r *transferRepository) GetTransferByIdempotencyKey(ctx context.Context, senderID uuid.UUID, key string) (*domain.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE sender_id = $1 AND idempotency_key = $2`

	t, err := scanTransfer(r.db.QueryRowContext(ctx, query, senderID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get transfer by idempotency key", "sender_id", senderID, "idempotency_key", key, "error", err)
		return nil, translateError("get transfer", err)
	}
	return t, nil
}

func (r *transferRepository) ListTransfersByAccount(ctx context.Context, accountID uuid.UUID, after domain.HistoryCursor, limit int) ([]domain.TransferRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if after.IsZero() {
		query := `
			SELECT ` + transferColumns + `
			FROM transfers
			WHERE (sender_id = $1 OR receiver_id = $1)
			  AND status IN ('completed', 'rejected')
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		rows, err = r.db.QueryContext(ctx, query, accountID, limit)
	} else {
		query := `
			SELECT ` + transferColumns + `
			FROM transfers
			WHERE (sender_id = $1 OR receiver_id = $1)
			  AND status IN ('completed', 'rejected')
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`
		rows, err = r.db.QueryContext(ctx, query, accountID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		r.logger.Error("Failed to list transfers", "account_id", accountID, "error", err)
		return nil, translateError("list transfers", err)
	}
	defer rows.Close()

	transfers := make([]domain.TransferRecord, 0, limit)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, translateError("scan transfer", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list transfers", err)
	}
	return transfers, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*domain.TransferRecord, error) {
	var (
		t              domain.TransferRecord
		status         string
		idempotencyKey sql.NullString
	)

	err := row.Scan(
		&t.ID,
		&t.SenderID,
		&t.ReceiverID,
		&t.Amount,
		&status,
		&t.Note,
		&idempotencyKey,
		&t.RequestHash,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TransferStatus(status)
	if idempotencyKey.Valid {
		key := idempotencyKey.String
		t.IdempotencyKey = &key
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}
