package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes events, journals, claim receipts and transfer
// authorizations to Postgres using multi-row INSERT batches. Switch to
// pgx CopyFrom if insert throughput ever becomes the bottleneck.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	EpochID        *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// ClaimReceiptRow represents a row in event_log.claim_receipts.
// The (epoch_id, user_id) unique constraint is the durable half of the
// double-claim gate; the in-memory registry is the fast half.
type ClaimReceiptRow struct {
	EpochID   string
	UserID    string
	Amount    int64
	Sequence  int64
	Timestamp int64
}

// TransferRow represents a row in event_log.transfer_authorizations
type TransferRow struct {
	AuthorizationID string
	Kind            string
	UserID          string
	EpochID         *string
	Asset           string
	Amount          int64
	Sequence        int64
	Timestamp       int64
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of events to event_log.events inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx *sql.Tx) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, epoch_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.EpochID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal inside tx.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, tx *sql.Tx) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteClaimReceiptBatch writes claim receipts to event_log.claim_receipts inside tx.
// A conflicting (epoch_id, user_id) pair means the receipt was already
// persisted on a previous flush, so the conflict is ignored.
func (w *EventLogWriter) WriteClaimReceiptBatch(ctx context.Context, receipts []ClaimReceiptRow, tx *sql.Tx) error {
	if len(receipts) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.claim_receipts
		(epoch_id, user_id, amount, sequence, timestamp)
		VALUES `

	values := make([]string, 0, len(receipts))
	args := make([]interface{}, 0, len(receipts)*5)

	for i, r := range receipts {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, r.EpochID, r.UserID, r.Amount, r.Sequence, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (epoch_id, user_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes transfer authorizations to
// event_log.transfer_authorizations inside tx.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, transfers []TransferRow, tx *sql.Tx) error {
	if len(transfers) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.transfer_authorizations
		(authorization_id, kind, user_id, epoch_id, asset, amount, sequence, timestamp)
		VALUES `

	values := make([]string, 0, len(transfers))
	args := make([]interface{}, 0, len(transfers)*8)

	for i, t := range transfers {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			t.AuthorizationID, t.Kind, t.UserID, t.EpochID,
			t.Asset, t.Amount, t.Sequence, t.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (authorization_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
