package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TranchePool/internal/core"
	"TranchePool/internal/ledger"
	"TranchePool/internal/state"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain balances, positions and lots, epochs, claim receipts,
// pool params, the idempotency LRU keys, per-partition sequence counters,
// and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON-encoded form of core.SnapshotState.
type SnapshotData struct {
	Sequence           int64                    `json:"sequence"`
	StateHash          []byte                   `json:"state_hash"`
	Balances           []BalanceEntry           `json:"balances"`
	Params             *state.PoolParams        `json:"params,omitempty"`
	Admin              uuid.UUID                `json:"admin"`
	Reporters          []uuid.UUID              `json:"reporters,omitempty"`
	Paused             bool                     `json:"paused"`
	CarryoverShortfall int64                    `json:"carryover_shortfall"`
	Epochs             []*state.Epoch           `json:"epochs,omitempty"`
	Positions          []state.PositionSnapshot `json:"positions,omitempty"`
	Claims             []state.ClaimReceipt     `json:"claims,omitempty"`
	SequenceState      map[string]int64         `json:"sequence_state"`
	IdempotencyKeys    []string                 `json:"idempotency_keys,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
}

// BalanceEntry is one ledger account balance in reconstructable form.
// AccountKey cannot be a JSON map key, so balances flatten to a list.
type BalanceEntry struct {
	Scope    uint8     `json:"scope"`
	EntityID uuid.UUID `json:"entity_id"`
	SubType  uint8     `json:"sub_type"`
	AssetID  uint16    `json:"asset_id"`
	Balance  int64     `json:"balance"`
}

// FromCoreState converts the core's typed snapshot into the storage form.
func FromCoreState(snap *core.SnapshotState) *SnapshotData {
	balances := make([]BalanceEntry, 0, len(snap.Balances))
	for key, balance := range snap.Balances {
		balances = append(balances, BalanceEntry{
			Scope:    uint8(key.Scope),
			EntityID: uuid.UUID(key.EntityID),
			SubType:  uint8(key.SubType),
			AssetID:  uint16(key.AssetID),
			Balance:  balance,
		})
	}

	return &SnapshotData{
		Sequence:           snap.Sequence,
		StateHash:          snap.StateHash[:],
		Balances:           balances,
		Params:             snap.Params,
		Admin:              snap.Admin,
		Reporters:          snap.Reporters,
		Paused:             snap.Paused,
		CarryoverShortfall: snap.CarryoverShortfall,
		Epochs:             snap.Epochs,
		Positions:          snap.Positions,
		Claims:             snap.Claims,
		SequenceState:      snap.SequenceState,
		IdempotencyKeys:    snap.IdempotencyKeys,
		CreatedAt:          time.Now().UTC(),
	}
}

// ToCoreState converts a stored snapshot back into the core's typed form.
func (sd *SnapshotData) ToCoreState() (*core.SnapshotState, error) {
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot state hash has %d bytes, want 32", len(sd.StateHash))
	}

	balances := make(map[ledger.AccountKey]int64, len(sd.Balances))
	for _, e := range sd.Balances {
		key := ledger.AccountKey{
			Scope:    ledger.AccountScope(e.Scope),
			EntityID: e.EntityID,
			SubType:  ledger.AccountSubType(e.SubType),
			AssetID:  ledger.AssetID(e.AssetID),
		}
		balances[key] = e.Balance
	}

	snap := &core.SnapshotState{
		Sequence:           sd.Sequence,
		Balances:           balances,
		Params:             sd.Params,
		Admin:              sd.Admin,
		Reporters:          sd.Reporters,
		Paused:             sd.Paused,
		CarryoverShortfall: sd.CarryoverShortfall,
		Epochs:             sd.Epochs,
		Positions:          sd.Positions,
		Claims:             sd.Claims,
		SequenceState:      sd.SequenceState,
		IdempotencyKeys:    sd.IdempotencyKeys,
	}
	copy(snap.StateHash[:], sd.StateHash)
	return snap, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot
// sequence forward before being trusted for restarts.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot.
// On warm restart: load latest snapshot, then replay events from
// snapshot.sequence+1. Returns nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
// Used for warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, epoch_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.EpochID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
