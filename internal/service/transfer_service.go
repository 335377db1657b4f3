package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
	"peer-transfers/internal/events"
	"peer-transfers/internal/metrics"
)

// MaxIdempotencyKeyLength is measured in bytes.
const MaxIdempotencyKeyLength = 128

type TransferOptions struct {
	LockTimeout      time.Duration
	NoteMaxLength    int
	RecordRejections bool
}

// TransferService is the only writer of balances and transfer records.
type TransferService struct {
	store     domain.Store
	publisher events.Publisher
	opts      TransferOptions
	logger    *slog.Logger
	now       func() time.Time
}

func NewTransferService(store domain.Store, publisher events.Publisher, opts TransferOptions, logger *slog.Logger) *TransferService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &TransferService{
		store:     store,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the creation timestamp source.
func (s *TransferService) WithClock(now func() time.Time) *TransferService {
	s.now = now
	return s
}

type TransferRequest struct {
	SenderID       uuid.UUID
	ReceiverID     uuid.UUID
	Amount         int64
	Note           string
	IdempotencyKey string
}

// Fingerprint identifies the logical parameters of a request so a reused
// idempotency key can be checked against the original call.
func (r *TransferRequest) Fingerprint() string {
	h := sha256.New()
	h.Write(r.SenderID[:])
	h.Write(r.ReceiverID[:])
	h.Write([]byte(strconv.FormatInt(r.Amount, 10)))
	h.Write([]byte{0})
	h.Write([]byte(r.Note))
	return hex.EncodeToString(h.Sum(nil))
}

// Transfer moves req.Amount from sender to receiver. The solvency check,
// both balance updates and the ledger insert happen in one transaction
// holding both account locks, taken in ascending id order.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (*domain.TransferRecord, error) {
	start := time.Now()
	record, outcome, err := s.transfer(ctx, req)

	metrics.TransfersTotal.WithLabelValues(outcome).Inc()
	metrics.TransferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		s.logger.Warn("Transfer failed",
			"sender_id", req.SenderID,
			"receiver_id", req.ReceiverID,
			"amount", req.Amount,
			"outcome", outcome,
			"error", err)
		return nil, err
	}

	if outcome == metrics.OutcomeCompleted {
		metrics.TransferredMinorUnits.Add(float64(record.Amount))
		s.publish(ctx, record)
	}
	return record, nil
}

func (s *TransferService) transfer(ctx context.Context, req TransferRequest) (*domain.TransferRecord, string, error) {
	s.logger.Info("Processing transfer",
		"sender_id", req.SenderID,
		"receiver_id", req.ReceiverID,
		"amount", req.Amount,
		"idempotency_key", req.IdempotencyKey)

	if err := s.validate(ctx, req); err != nil {
		return nil, outcomeFor(err), err
	}

	hash := req.Fingerprint()

	if req.IdempotencyKey != "" {
		existing, err := s.store.Transfers().GetTransferByIdempotencyKey(ctx, req.SenderID, req.IdempotencyKey)
		if err != nil {
			return nil, metrics.OutcomeFailed, s.storageError("look up idempotency key", err)
		}
		if existing != nil {
			replayed, err := s.replay(existing, hash)
			return replayed, outcomeFor(err), err
		}
	}

	var (
		record   *domain.TransferRecord
		replayed bool
	)
	err := s.store.WithTransaction(ctx, domain.TxOptions{LockTimeout: s.opts.LockTimeout}, func(tx domain.Store) error {
		first, second := domain.LockOrder(req.SenderID, req.ReceiverID)
		accounts, err := tx.Accounts().GetAccountsForUpdate(ctx, first, second)
		if err != nil {
			return err
		}

		sender, ok := accounts[req.SenderID]
		if !ok {
			return errors.ErrAccountNotFound
		}
		receiver, ok := accounts[req.ReceiverID]
		if !ok {
			return errors.ErrReceiverNotFound
		}

		// A concurrent request with the same key may have committed while
		// this one waited for the sender lock.
		if req.IdempotencyKey != "" {
			existing, err := tx.Transfers().GetTransferByIdempotencyKey(ctx, req.SenderID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				record, replayed = existing, true
				return nil
			}
		}

		if sender.Balance < req.Amount {
			return errors.ErrInsufficientBalance
		}
		if receiver.Balance > math.MaxInt64-req.Amount {
			return errors.ErrInvalidAmount.WithDetails("receiver balance would overflow")
		}

		ok, err = tx.Accounts().CompareAndSwapBalance(ctx, sender.ID, sender.Balance, sender.Balance-req.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewAppError(errors.StorageFailure, "sender balance changed while locked")
		}

		ok, err = tx.Accounts().CompareAndSwapBalance(ctx, receiver.ID, receiver.Balance, receiver.Balance+req.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewAppError(errors.StorageFailure, "receiver balance changed while locked")
		}

		record = s.newRecord(req, hash, domain.StatusCompleted)
		return tx.Transfers().InsertTransfer(ctx, record)
	})

	switch {
	case err == nil && replayed:
		replay, replayErr := s.replay(record, hash)
		return replay, outcomeFor(replayErr), replayErr
	case err == nil:
		s.logger.Info("Transfer completed successfully", "transfer_id", record.ID)
		return record, metrics.OutcomeCompleted, nil
	case stderrors.Is(err, domain.ErrDuplicateIdempotencyKey):
		// Lost a race on first use of the key; the winner's record is the answer.
		existing, lookupErr := s.store.Transfers().GetTransferByIdempotencyKey(ctx, req.SenderID, req.IdempotencyKey)
		if lookupErr != nil || existing == nil {
			return nil, metrics.OutcomeFailed, s.storageError("resolve duplicate idempotency key", lookupErr)
		}
		replay, replayErr := s.replay(existing, hash)
		return replay, outcomeFor(replayErr), replayErr
	case stderrors.Is(err, errors.ErrInsufficientBalance):
		if s.opts.RecordRejections {
			s.recordRejection(ctx, req, hash)
		}
		return nil, metrics.OutcomeRejected, err
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return nil, outcomeFor(appErr), appErr
	}
	return nil, metrics.OutcomeFailed, s.storageError("transfer", err)
}

func (s *TransferService) validate(ctx context.Context, req TransferRequest) error {
	if req.Amount <= 0 {
		return errors.ErrInvalidAmount
	}

	if _, err := s.store.Accounts().GetAccount(ctx, req.ReceiverID); err != nil {
		if stderrors.Is(err, errors.ErrAccountNotFound) {
			return errors.ErrReceiverNotFound
		}
		return s.storageError("look up receiver", err)
	}

	if req.SenderID == req.ReceiverID {
		return errors.ErrSelfTransfer
	}

	if s.opts.NoteMaxLength > 0 && utf8.RuneCountInString(req.Note) > s.opts.NoteMaxLength {
		return errors.ErrNoteTooLong.WithDetails("maximum is " + strconv.Itoa(s.opts.NoteMaxLength) + " characters")
	}
	// Postgres TEXT cannot hold NUL or invalid UTF-8; both backends refuse them here.
	if !utf8.ValidString(req.Note) || strings.ContainsRune(req.Note, 0) {
		return errors.ErrInvalidNote
	}

	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return errors.ErrKeyTooLong
	}
	return nil
}

func (s *TransferService) replay(existing *domain.TransferRecord, hash string) (*domain.TransferRecord, error) {
	if existing.RequestHash != hash {
		return nil, errors.ErrIdempotencyMismatch
	}
	s.logger.Info("Returning existing transfer for idempotency key",
		"idempotency_key", *existing.IdempotencyKey,
		"transfer_id", existing.ID)
	return existing, nil
}

func (s *TransferService) newRecord(req TransferRequest, hash string, status domain.TransferStatus) *domain.TransferRecord {
	record := &domain.TransferRecord{
		ID:          uuid.New(),
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Amount:      req.Amount,
		Status:      status,
		Note:        req.Note,
		RequestHash: hash,
		// Postgres keeps microseconds; truncate so both backends agree.
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if req.IdempotencyKey != "" && status == domain.StatusCompleted {
		key := req.IdempotencyKey
		record.IdempotencyKey = &key
	}
	return record
}

// recordRejection persists an audit record for a refused transfer. It runs
// in its own transaction and never changes the caller's outcome.
func (s *TransferService) recordRejection(ctx context.Context, req TransferRequest, hash string) {
	record := s.newRecord(req, hash, domain.StatusRejected)
	err := s.store.WithTransaction(ctx, domain.TxOptions{LockTimeout: s.opts.LockTimeout}, func(tx domain.Store) error {
		return tx.Transfers().InsertTransfer(ctx, record)
	})
	if err != nil {
		s.logger.Error("Failed to record rejected transfer", "error", err)
		return
	}
	s.logger.Info("Rejected transfer recorded", "transfer_id", record.ID)
}

func (s *TransferService) publish(ctx context.Context, record *domain.TransferRecord) {
	if err := s.publisher.PublishTransferCompleted(ctx, events.NewTransferCompleted(record)); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Error("Failed to publish transfer.completed event", "transfer_id", record.ID, "error", err)
	}
}

func (s *TransferService) storageError(op string, err error) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if err == nil {
		return errors.NewAppErrorf(errors.StorageFailure, "failed to %s", op)
	}
	s.logger.Error("Storage failure", "op", op, "error", err)
	return errors.Storage(op, err)
}

func outcomeFor(err error) string {
	if err == nil {
		return metrics.OutcomeReplayed
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return metrics.OutcomeFailed
	}
	switch appErr.Code {
	case errors.InsufficientBalance:
		return metrics.OutcomeRejected
	case errors.Busy:
		return metrics.OutcomeBusy
	case errors.StorageFailure:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeInvalid
	}
}
