package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"peer-transfers/internal/config"
	"peer-transfers/internal/domain"
)

const TransferCompletedType = "transfer.completed"

// Event is the envelope written to every backend.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type TransferCompleted struct {
	TransferID string    `json:"transfer_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Amount     int64     `json:"amount"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewTransferCompleted(t *domain.TransferRecord) TransferCompleted {
	return TransferCompleted{
		TransferID: t.ID.String(),
		SenderID:   t.SenderID.String(),
		ReceiverID: t.ReceiverID.String(),
		Amount:     t.Amount,
		Note:       t.Note,
		OccurredAt: t.CreatedAt,
	}
}

// Publisher delivers transfer events after commit. Delivery is best-effort;
// the ledger stays the source of truth.
type Publisher interface {
	PublishTransferCompleted(ctx context.Context, event TransferCompleted) error
	Close() error
}

func encode(event TransferCompleted) ([]byte, error) {
	data, err := json.Marshal(Event{
		Type:      TransferCompletedType,
		Timestamp: time.Now().UTC(),
		Data:      event,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// New builds the publisher selected by cfg.EventsBackend.
func New(cfg *config.Config, logger *slog.Logger) (Publisher, error) {
	switch cfg.EventsBackend {
	case "redis":
		return NewRedisPublisher(cfg.RedisAddr, cfg.RedisStream)
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
	default:
		return NoopPublisher{}, nil
	}
}

type NoopPublisher struct{}

func (NoopPublisher) PublishTransferCompleted(context.Context, TransferCompleted) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}
