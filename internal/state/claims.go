package state

import (
	"fmt"

	"github.com/google/uuid"
)

// ClaimReceipt proves one user was paid for one epoch. Receipts are
// append-only; a second insert for the same key is the double-claim path
// and must fail.
type ClaimReceipt struct {
	EpochID   string
	UserID    uuid.UUID
	Amount    int64
	Sequence  int64
	Timestamp int64
}

type claimKey struct {
	epochID string
	userID  uuid.UUID
}

// ClaimRegistry is the in-memory claim index. The persistence layer backs
// it with a UNIQUE constraint so the guarantee survives restarts.
type ClaimRegistry struct {
	receipts map[claimKey]ClaimReceipt
}

func NewClaimRegistry() *ClaimRegistry {
	return &ClaimRegistry{
		receipts: make(map[claimKey]ClaimReceipt),
	}
}

// Insert records a receipt, failing with ErrAlreadyClaimed if one exists
// for the (epoch, user) pair. Insert-or-fail, never read-then-write.
func (r *ClaimRegistry) Insert(receipt ClaimReceipt) error {
	key := claimKey{epochID: receipt.EpochID, userID: receipt.UserID}
	if _, exists := r.receipts[key]; exists {
		return fmt.Errorf("%w: epoch=%s user=%s", ErrAlreadyClaimed,
			receipt.EpochID, receipt.UserID.String())
	}
	r.receipts[key] = receipt
	return nil
}

// Get returns the receipt for an (epoch, user) pair if one exists.
func (r *ClaimRegistry) Get(epochID string, userID uuid.UUID) (ClaimReceipt, bool) {
	receipt, ok := r.receipts[claimKey{epochID: epochID, userID: userID}]
	return receipt, ok
}

// CountForEpoch returns how many claims were paid for an epoch.
func (r *ClaimRegistry) CountForEpoch(epochID string) int {
	n := 0
	for key := range r.receipts {
		if key.epochID == epochID {
			n++
		}
	}
	return n
}
