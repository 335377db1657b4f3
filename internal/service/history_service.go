package service

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// HistoryService answers read-only ledger queries. It never takes account
// locks, so a page may miss transfers committed after it was read.
type HistoryService struct {
	transfers domain.TransferRepository
	pageSize  int
	logger    *slog.Logger
}

func NewHistoryService(transfers domain.TransferRepository, pageSize int, logger *slog.Logger) *HistoryService {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryService{
		transfers: transfers,
		pageSize:  pageSize,
		logger:    logger,
	}
}

// History yields every terminal transfer involving accountID, newest first.
// Pages are fetched as the sequence is consumed; ranging again starts over.
func (s *HistoryService) History(ctx context.Context, accountID uuid.UUID) iter.Seq2[domain.TransferRecord, error] {
	return func(yield func(domain.TransferRecord, error) bool) {
		var cursor domain.HistoryCursor
		for {
			page, err := s.transfers.ListTransfersByAccount(ctx, accountID, cursor, s.pageSize)
			if err != nil {
				yield(domain.TransferRecord{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = domain.HistoryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

type HistoryPage struct {
	Items      []domain.TransferRecord
	NextCursor string
}

// Page returns at most limit records older than the opaque cursor. An empty
// NextCursor means there is nothing further.
func (s *HistoryService) Page(ctx context.Context, accountID uuid.UUID, cursor string, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	// One extra row tells us whether another page exists.
	records, err := s.transfers.ListTransfersByAccount(ctx, accountID, after, limit+1)
	if err != nil {
		s.logger.Error("Failed to list transfers", "account_id", accountID, "error", err)
		return nil, err
	}

	page := &HistoryPage{Items: records}
	if len(records) > limit {
		page.Items = records[:limit]
		last := page.Items[limit-1]
		page.NextCursor = EncodeCursor(domain.HistoryCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// GetTransfer returns a transfer only to one of its parties.
func (s *HistoryService) GetTransfer(ctx context.Context, callerID, transferID uuid.UUID) (*domain.TransferRecord, error) {
	record, err := s.transfers.GetTransferByID(ctx, transferID)
	if err != nil {
		if !stderrors.Is(err, errors.ErrTransferNotFound) {
			s.logger.Error("Failed to get transfer", "transfer_id", transferID, "error", err)
		}
		return nil, err
	}
	if !record.Involves(callerID) || !record.Status.IsTerminal() {
		return nil, errors.ErrTransferNotFound
	}
	return record, nil
}

func EncodeCursor(c domain.HistoryCursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (domain.HistoryCursor, error) {
	if s == "" {
		return domain.HistoryCursor{}, nil
	}

	invalid := errors.ErrInvalidInput.WithDetails("malformed cursor")

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return domain.HistoryCursor{}, invalid
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return domain.HistoryCursor{}, invalid
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return domain.HistoryCursor{}, invalid
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.HistoryCursor{}, invalid
	}
	return domain.HistoryCursor{CreatedAt: createdAt, ID: parsed}, nil
}
