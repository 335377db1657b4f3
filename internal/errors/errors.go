package errors

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidAmount       ErrorCode = "invalid_amount"
	ReceiverNotFound    ErrorCode = "receiver_not_found"
	SelfTransfer        ErrorCode = "self_transfer"
	InsufficientBalance ErrorCode = "insufficient_balance"
	Busy                ErrorCode = "busy"
	StorageFailure      ErrorCode = "storage_failure"
	InvalidInput        ErrorCode = "invalid_input"
	IdempotencyMismatch ErrorCode = "idempotency_mismatch"
	AccountNotFound     ErrorCode = "account_not_found"
	TransferNotFound    ErrorCode = "transfer_not_found"
	DuplicateAccount    ErrorCode = "duplicate_account"
	Unauthorized        ErrorCode = "unauthorized"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code, so predefined errors
// can be matched with errors.Is after WithDetails copies them.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy; predefined errors are shared and must stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Retryable marks errors the caller may resubmit with the same idempotency key.
func (e *AppError) Retryable() bool {
	return e.Code == Busy
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidAmount, SelfTransfer, InvalidInput:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case ReceiverNotFound, AccountNotFound, TransferNotFound:
		return http.StatusNotFound
	case DuplicateAccount:
		return http.StatusConflict
	case InsufficientBalance, IdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case Busy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Storage wraps an unexpected driver or durability fault.
func Storage(op string, err error) *AppError {
	return NewAppErrorf(StorageFailure, "failed to %s", op).WithDetails(err.Error())
}

// Predefined errors for common cases
var (
	ErrInvalidAmount       = NewAppError(InvalidAmount, "amount must be a positive integer of minor units")
	ErrReceiverNotFound    = NewAppError(ReceiverNotFound, "receiver account not found")
	ErrSelfTransfer        = NewAppError(SelfTransfer, "cannot transfer to the same account")
	ErrInsufficientBalance = NewAppError(InsufficientBalance, "insufficient balance")
	ErrBusy                = NewAppError(Busy, "accounts are busy, retry with the same idempotency key")
	ErrStorageFailure      = NewAppError(StorageFailure, "storage failure")
	ErrInvalidInput        = NewAppError(InvalidInput, "invalid input")
	ErrNoteTooLong         = NewAppError(InvalidInput, "note exceeds maximum length")
	ErrInvalidNote         = NewAppError(InvalidInput, "note must be valid UTF-8 without NUL characters")
	ErrKeyTooLong          = NewAppError(InvalidInput, "idempotency key exceeds 128 bytes")
	ErrInvalidAccountID    = NewAppError(InvalidInput, "invalid account id")
	ErrIdempotencyMismatch = NewAppError(IdempotencyMismatch, "idempotency key reused with different parameters")
	ErrAccountNotFound     = NewAppError(AccountNotFound, "account not found")
	ErrTransferNotFound    = NewAppError(TransferNotFound, "transfer not found")
	ErrDuplicateAccount    = NewAppError(DuplicateAccount, "account already exists")
	ErrUnauthorized        = NewAppError(Unauthorized, "missing or invalid bearer token")
)
