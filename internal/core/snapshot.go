package core

import (
	"github.com/google/uuid"

	"TranchePool/internal/ledger"
	"TranchePool/internal/state"
)

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence           int64
	StateHash          [32]byte
	Balances           map[ledger.AccountKey]int64
	Params             *state.PoolParams
	Admin              uuid.UUID
	Reporters          []uuid.UUID
	Paused             bool
	CarryoverShortfall int64
	Epochs             []*state.Epoch
	Positions          []state.PositionSnapshot
	Claims             []state.ClaimReceipt
	SequenceState      map[string]int64
	IdempotencyKeys    []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load the latest snapshot, then replay events after it.
func (c *PoolCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.sequence = snap.Sequence + 1 // next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	if snap.Params != nil {
		params := *snap.Params
		c.params = &params
		assetID, ok := ledger.GetAssetID(params.Asset)
		if !ok {
			panic("FATAL: snapshot references unknown asset: " + params.Asset)
		}
		c.assetID = assetID
		c.access = state.NewAccessControl(snap.Admin)
		for _, reporter := range snap.Reporters {
			c.access.AddReporter(reporter)
		}
	}
	c.paused = snap.Paused
	c.carryoverShortfall = snap.CarryoverShortfall

	for _, ep := range snap.Epochs {
		c.epochs.Restore(ep)
	}
	for _, pos := range snap.Positions {
		if err := c.positions.Restore(pos); err != nil {
			return err
		}
	}
	for _, receipt := range snap.Claims {
		c.claims.Restore(receipt)
	}

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.journalGen.SetSequence(c.sequence)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *PoolCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:           c.sequence - 1, // last processed sequence
		StateHash:          c.hasher.GetPrevHash(),
		Balances:           c.balanceTracker.Snapshot(),
		Paused:             c.paused,
		CarryoverShortfall: c.carryoverShortfall,
		Epochs:             c.epochs.All(),
		Positions:          c.positions.Snapshot(),
		Claims:             c.claims.All(),
		SequenceState:      c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys:    c.idempotency.lru.GetAllKeys(),
	}
	if c.params != nil {
		params := *c.params
		snap.Params = &params
		snap.Admin = c.access.Admin()
		snap.Reporters = c.access.Reporters()
	}
	return snap
}
