package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
	"peer-transfers/internal/money"
	"peer-transfers/internal/service"
)

type AccountReader interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
}

type AccountProvisioner interface {
	CreateAccount(ctx context.Context, req service.CreateAccountRequest) (*domain.Account, error)
}

type AccountHandler struct {
	reader      AccountReader
	provisioner AccountProvisioner
	exponent    int32
}

// NewAccountHandler builds the account endpoints. provisioner may be nil
// when account provisioning is not exposed over HTTP.
func NewAccountHandler(reader AccountReader, provisioner AccountProvisioner, exponent int32) *AccountHandler {
	return &AccountHandler{
		reader:      reader,
		provisioner: provisioner,
		exponent:    exponent,
	}
}

type CreateAccountRequest struct {
	AccountID      string `json:"account_id,omitempty" validate:"omitempty,uuid"`
	DisplayName    string `json:"display_name" validate:"max=100"`
	InitialBalance int64  `json:"initial_balance" validate:"gte=0"`
	// InitialBalanceMajor is an alternative to InitialBalance in major
	// units, e.g. "125.50".
	InitialBalanceMajor string `json:"initial_balance_major,omitempty"`
}

type AccountResponse struct {
	AccountID      string    `json:"account_id"`
	DisplayName    string    `json:"display_name"`
	Balance        int64     `json:"balance"`
	BalanceDisplay string    `json:"balance_display"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	var id uuid.UUID
	if req.AccountID != "" {
		id = uuid.MustParse(req.AccountID)
	}

	balance, appErr := h.initialBalance(req)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	account, err := h.provisioner.CreateAccount(r.Context(), service.CreateAccountRequest{
		ID:             id,
		DisplayName:    req.DisplayName,
		InitialBalance: balance,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toResponse(account))
}

func (h *AccountHandler) initialBalance(req CreateAccountRequest) (int64, *errors.AppError) {
	if req.InitialBalanceMajor == "" {
		return req.InitialBalance, nil
	}
	if req.InitialBalance != 0 {
		return 0, errors.ErrInvalidInput.WithDetails("set initial_balance or initial_balance_major, not both")
	}
	minor, err := money.ParseMajor(req.InitialBalanceMajor, h.exponent)
	if err != nil {
		return 0, errors.ErrInvalidAmount.WithDetails(err.Error())
	}
	return minor, nil
}

// Me returns the caller's own account and balance.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller, appErr := callerID(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	account, err := h.reader.GetAccount(r.Context(), caller)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(account))
}

func (h *AccountHandler) toResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID:      account.ID.String(),
		DisplayName:    account.DisplayName,
		Balance:        account.Balance,
		BalanceDisplay: money.Format(account.Balance, h.exponent),
		CreatedAt:      account.CreatedAt,
	}
}
