package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

const (
	maxDisplayNameLength = 100
	// 10 billion major units at two decimal places.
	maxInitialBalance = 1_000_000_000_000
)

type AccountService struct {
	accounts domain.AccountRepository
	logger   *slog.Logger
}

func NewAccountService(accounts domain.AccountRepository, logger *slog.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		logger:   logger,
	}
}

type CreateAccountRequest struct {
	// ID is optional; a random one is assigned when nil.
	ID             uuid.UUID
	DisplayName    string
	InitialBalance int64
}

func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*domain.Account, error) {
	s.logger.Info("Creating account", "account_id", req.ID, "initial_balance", req.InitialBalance)

	if req.InitialBalance < 0 {
		return nil, errors.ErrInvalidAmount
	}

	// Validate reasonable limits
	if req.InitialBalance > maxInitialBalance {
		return nil, errors.NewAppError(errors.InvalidAmount, "initial balance exceeds maximum limit")
	}

	name := strings.TrimSpace(req.DisplayName)
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return nil, errors.NewAppError(errors.InvalidInput, "display name too long")
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	account := &domain.Account{
		ID:          id,
		DisplayName: name,
		Balance:     req.InitialBalance,
	}

	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created successfully", "account_id", account.ID)
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	s.logger.Debug("Getting account", "account_id", accountID)
	return s.accounts.GetAccount(ctx, accountID)
}
