package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TranchePool/internal/observability"
)

// OutboundPublisher publishes processed envelopes and transfer
// authorizations to NATS after persistence is confirmed. Transfer
// authorizations are the custody executor's work queue: the pool never
// moves real assets itself.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
}

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64                `json:"sequence"`
	EventType      string               `json:"event_type"`
	IdempotencyKey string               `json:"idempotency_key"`
	EpochID        *string              `json:"epoch_id,omitempty"`
	StateHash      []byte               `json:"state_hash"`
	Timestamp      time.Time            `json:"timestamp"`
	Transfer       *PublishableTransfer `json:"transfer,omitempty"`
	Receipt        *PublishableReceipt  `json:"receipt,omitempty"`
	Journals       []PublishableJournal `json:"journals,omitempty"`
}

// PublishableTransfer mirrors core.TransferAuthorization on the wire.
type PublishableTransfer struct {
	AuthorizationID string `json:"authorization_id"`
	Kind            string `json:"kind"`
	UserID          string `json:"user_id,omitempty"`
	EpochID         string `json:"epoch_id,omitempty"`
	Asset           string `json:"asset"`
	Amount          int64  `json:"amount"`
	Timestamp       int64  `json:"timestamp"`
}

// PublishableReceipt mirrors state.ClaimReceipt on the wire.
type PublishableReceipt struct {
	EpochID   string `json:"epoch_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// PublishableJournal is one double-entry leg on the wire.
type PublishableJournal struct {
	JournalID     string `json:"journal_id"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// pool.ledger.events.{event_type}[.{epoch_id}]
	subject := fmt.Sprintf("pool.ledger.events.%s", evt.EventType)
	if evt.EpochID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.EpochID)
	}
	if _, err := op.js.Publish(ctx, subject, data); err != nil {
		return err
	}

	// Transfers additionally go to their own subject so the custody
	// executor does not have to filter the full event feed.
	if evt.Transfer != nil {
		transferData, err := json.Marshal(evt.Transfer)
		if err != nil {
			return fmt.Errorf("marshal transfer: %w", err)
		}
		transferSubject := fmt.Sprintf("pool.transfers.%s", evt.Transfer.Kind)
		if _, err := op.js.Publish(ctx, transferSubject, transferData); err != nil {
			return fmt.Errorf("publish transfer: %w", err)
		}
	}

	return nil
}

// EnsureOutboundStreams creates the outbound event and transfer streams.
func EnsureOutboundStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("publisher")
	streams := []jetstream.StreamConfig{
		{
			Name:      "POOL_LEDGER_EVENTS",
			Subjects:  []string{"pool.ledger.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_TRANSFERS",
			Subjects:  []string{"pool.transfers.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}
