package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetPoolBalance returns the vault cash balance. This is the figure every
// payout and withdrawal is ultimately bounded by.
func (bt *BalanceTracker) GetPoolBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemVault, assetID))
}

// GetUserStake returns a user's principal in one tranche account.
func (bt *BalanceTracker) GetUserStake(userID uuid.UUID, subType AccountSubType, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, subType, assetID))
}

// GetUserTotalStake returns a user's principal across both tranches.
func (bt *BalanceTracker) GetUserTotalStake(userID uuid.UUID, assetID AssetID) int64 {
	senior := bt.GetUserStake(userID, SubTypeSeniorStake, assetID)
	junior := bt.GetUserStake(userID, SubTypeJuniorStake, assetID)
	return senior + junior
}

// ValidateVaultNonNegative checks the vault never goes overdrawn.
func (bt *BalanceTracker) ValidateVaultNonNegative(assetID AssetID) error {
	balance := bt.GetPoolBalance(assetID)
	if balance < 0 {
		return fmt.Errorf("vault has negative balance for asset %d: %d", assetID, balance)
	}
	return nil
}

// ValidateStakeNonNegative checks a user stake account is >= 0.
func (bt *BalanceTracker) ValidateStakeNonNegative(userID uuid.UUID, subType AccountSubType, assetID AssetID) error {
	stake := bt.GetUserStake(userID, subType, assetID)
	if stake < 0 {
		return fmt.Errorf("user %s has negative stake for asset %d: %d",
			userID.String(), assetID, stake)
	}
	return nil
}

// ValidateSufficientVault checks the vault can cover an outgoing amount.
func (bt *BalanceTracker) ValidateSufficientVault(assetID AssetID, required int64) error {
	balance := bt.GetPoolBalance(assetID)
	if balance < required {
		return fmt.Errorf("insufficient vault balance: have=%d, need=%d", balance, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// SetBalance overwrites an account balance (snapshot restore only).
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
