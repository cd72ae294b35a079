package state

import (
	"sort"

	"github.com/google/uuid"

	"TranchePool/internal/ledger"
)

// TrancheSnapshot is one tranche's slice of a position, flattened for
// serialization.
type TrancheSnapshot struct {
	Deposited     int64
	LastDepositTS int64
	Lots          []ledger.Lot
}

// PositionSnapshot is the serializable form of a UserPosition.
type PositionSnapshot struct {
	UserID   uuid.UUID
	Referrer *uuid.UUID
	Senior   TrancheSnapshot
	Junior   TrancheSnapshot
}

// Snapshot captures all positions, sorted by user id for determinism.
func (m *PositionManager) Snapshot() []PositionSnapshot {
	out := make([]PositionSnapshot, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, PositionSnapshot{
			UserID:   pos.UserID,
			Referrer: pos.Referrer,
			Senior:   snapshotTranche(pos.tranche(TrancheSenior)),
			Junior:   snapshotTranche(pos.tranche(TrancheJunior)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

func snapshotTranche(ts *trancheState) TrancheSnapshot {
	return TrancheSnapshot{
		Deposited:     ts.Deposited,
		LastDepositTS: ts.LastDepositTS,
		Lots:          ts.Lots.Lots(),
	}
}

// Restore rebuilds a position from its snapshot, including aggregate totals.
func (m *PositionManager) Restore(snap PositionSnapshot) error {
	pos := m.getOrCreate(snap.UserID)
	pos.Referrer = snap.Referrer

	if err := restoreTranche(pos.tranche(TrancheSenior), snap.Senior); err != nil {
		return err
	}
	if err := restoreTranche(pos.tranche(TrancheJunior), snap.Junior); err != nil {
		return err
	}

	m.seniorTotal += snap.Senior.Deposited
	m.juniorTotal += snap.Junior.Deposited
	return nil
}

func restoreTranche(ts *trancheState, snap TrancheSnapshot) error {
	ts.Deposited = snap.Deposited
	ts.LastDepositTS = snap.LastDepositTS
	ts.Lots = ledger.NewLotQueue()
	for _, lot := range snap.Lots {
		if err := ts.Lots.Append(lot.Amount, lot.DepositTS); err != nil {
			return err
		}
	}
	return nil
}

// All returns every epoch, sorted by id for determinism.
func (m *EpochManager) All() []*Epoch {
	out := make([]*Epoch, 0, len(m.epochs))
	for _, ep := range m.epochs {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore reinserts an epoch from a snapshot.
func (m *EpochManager) Restore(ep *Epoch) {
	m.epochs[ep.ID] = ep
	if m.current == "" || ep.ID > m.current {
		m.current = ep.ID
	}
}

// All returns every claim receipt, sorted by (epoch, user) for determinism.
func (r *ClaimRegistry) All() []ClaimReceipt {
	out := make([]ClaimReceipt, 0, len(r.receipts))
	for _, receipt := range r.receipts {
		out = append(out, receipt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EpochID != out[j].EpochID {
			return out[i].EpochID < out[j].EpochID
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

// Restore reinserts a receipt without the duplicate check.
func (r *ClaimRegistry) Restore(receipt ClaimReceipt) {
	r.receipts[claimKey{epochID: receipt.EpochID, userID: receipt.UserID}] = receipt
}
