package domain

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID          uuid.UUID `json:"account_id"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	// GetAccountsForUpdate locks the rows in the order given and holds the
	// locks until the surrounding transaction ends. Missing ids are absent
	// from the result.
	GetAccountsForUpdate(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Account, error)
	CompareAndSwapBalance(ctx context.Context, id uuid.UUID, expected, newBalance int64) (bool, error)
}

// LockOrder returns a and b sorted by their byte representation, the same
// order Postgres uses for the uuid type.
func LockOrder(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}
