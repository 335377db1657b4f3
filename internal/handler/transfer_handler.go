package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
	"peer-transfers/internal/money"
	"peer-transfers/internal/service"
)

const idempotencyKeyHeader = "Idempotency-Key"

type TransferExecutor interface {
	Transfer(ctx context.Context, req service.TransferRequest) (*domain.TransferRecord, error)
}

type HistoryReader interface {
	Page(ctx context.Context, accountID uuid.UUID, cursor string, limit int) (*service.HistoryPage, error)
	GetTransfer(ctx context.Context, callerID, transferID uuid.UUID) (*domain.TransferRecord, error)
}

type TransferHandler struct {
	transfers TransferExecutor
	history   HistoryReader
	exponent  int32
}

func NewTransferHandler(transfers TransferExecutor, history HistoryReader, exponent int32) *TransferHandler {
	return &TransferHandler{
		transfers: transfers,
		history:   history,
		exponent:  exponent,
	}
}

type TransferRequest struct {
	ReceiverID     string      `json:"receiver_id" validate:"required,uuid"`
	Amount         json.Number `json:"amount"`
	Note           string      `json:"note"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

type TransferResponse struct {
	TransferID     string    `json:"transfer_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Amount         int64     `json:"amount"`
	AmountDisplay  string    `json:"amount_display"`
	Status         string    `json:"status"`
	Note           string    `json:"note"`
	Direction      string    `json:"direction,omitempty"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type HistoryResponse struct {
	Items      []TransferResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	sender, appErr := callerID(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	var req TransferRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}

	amount, err := strconv.ParseInt(req.Amount.String(), 10, 64)
	if err != nil {
		writeError(w, errors.ErrInvalidAmount.WithDetails("amount must be an integer number of minor units"))
		return
	}

	key, appErr := idempotencyKey(r, req.IdempotencyKey)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	record, err := h.transfers.Transfer(r.Context(), service.TransferRequest{
		SenderID:       sender,
		ReceiverID:     uuid.MustParse(req.ReceiverID),
		Amount:         amount,
		Note:           req.Note,
		IdempotencyKey: key,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toResponse(record, sender))
}

// idempotencyKey accepts the key from the header or the body, but not two
// different ones.
func idempotencyKey(r *http.Request, fromBody string) (string, *errors.AppError) {
	fromHeader := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	key := fromBody
	switch {
	case fromHeader == "":
	case fromBody == "" || fromBody == fromHeader:
		key = fromHeader
	default:
		return "", errors.ErrInvalidInput.WithDetails("Idempotency-Key header and idempotency_key field differ")
	}
	if len(key) > service.MaxIdempotencyKeyLength {
		return "", errors.ErrKeyTooLong
	}
	return key, nil
}

func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	caller, appErr := callerID(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	transferID, err := uuid.Parse(mux.Vars(r)["transfer_id"])
	if err != nil {
		writeError(w, errors.ErrInvalidInput.WithDetails("invalid transfer id"))
		return
	}

	record, err := h.history.GetTransfer(r.Context(), caller, transferID)
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(record, caller))
}

func (h *TransferHandler) History(w http.ResponseWriter, r *http.Request) {
	caller, appErr := callerID(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.ErrInvalidInput.WithDetails("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	page, err := h.history.Page(r.Context(), caller, query.Get("cursor"), limit)
	if err != nil {
		handleError(w, err)
		return
	}

	response := HistoryResponse{
		Items:      make([]TransferResponse, 0, len(page.Items)),
		NextCursor: page.NextCursor,
	}
	for i := range page.Items {
		response.Items = append(response.Items, h.toResponse(&page.Items[i], caller))
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *TransferHandler) toResponse(t *domain.TransferRecord, viewer uuid.UUID) TransferResponse {
	response := TransferResponse{
		TransferID:     t.ID.String(),
		SenderID:       t.SenderID.String(),
		ReceiverID:     t.ReceiverID.String(),
		Amount:         t.Amount,
		AmountDisplay:  money.Format(t.Amount, h.exponent),
		Status:         string(t.Status),
		Note:           t.Note,
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      t.CreatedAt,
	}

	switch viewer {
	case t.SenderID:
		response.Direction = "sent"
	case t.ReceiverID:
		response.Direction = "received"
	}
	return response
}
