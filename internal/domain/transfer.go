package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateIdempotencyKey is returned by InsertTransfer when another
// record already holds the key. The caller resolves it by replaying that record.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")

type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusCompleted TransferStatus = "completed"
	StatusRejected  TransferStatus = "rejected"
)

func (s TransferStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

type TransferRecord struct {
	ID             uuid.UUID      `json:"transfer_id"`
	SenderID       uuid.UUID      `json:"sender_id"`
	ReceiverID     uuid.UUID      `json:"receiver_id"`
	Amount         int64          `json:"amount"`
	Status         TransferStatus `json:"status"`
	Note           string         `json:"note"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	RequestHash    string         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Involves reports whether the account took part in the transfer.
func (t *TransferRecord) Involves(accountID uuid.UUID) bool {
	return t.SenderID == accountID || t.ReceiverID == accountID
}

// HistoryCursor is a keyset position: records strictly older than
// (CreatedAt, ID) are returned next. The zero value starts from the newest.
type HistoryCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (c HistoryCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}

type TransferRepository interface {
	InsertTransfer(ctx context.Context, transfer *TransferRecord) error
	GetTransferByID(ctx context.Context, id uuid.UUID) (*TransferRecord, error)
	// GetTransferByIdempotencyKey returns nil, nil when the sender has no
	// record carrying the key. Keys are scoped to the sender.
	GetTransferByIdempotencyKey(ctx context.Context, senderID uuid.UUID, key string) (*TransferRecord, error)
	// ListTransfersByAccount returns terminal records where the account is
	// sender or receiver, newest first.
	ListTransfersByAccount(ctx context.Context, accountID uuid.UUID, after HistoryCursor, limit int) ([]TransferRecord, error)
}

type TxOptions struct {
	LockTimeout time.Duration
}

// Store is the unit of work shared by the services. Repositories obtained
// from the Store passed to fn see that transaction's writes; everything is
// discarded when fn returns an error.
type Store interface {
	Accounts() AccountRepository
	Transfers() TransferRepository
	WithTransaction(ctx context.Context, opts TxOptions, fn func(Store) error) error
}
