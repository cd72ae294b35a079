package ledger

import (
	"fmt"
)

// Validator runs ledger-wide consistency checks after each applied batch.
// A failure here means money was created or destroyed, which is fatal.
type Validator struct {
	tracker *BalanceTracker
}

func NewValidator(tracker *BalanceTracker) *Validator {
	return &Validator{tracker: tracker}
}

// ValidateZeroSum verifies that every asset's balances sum to zero across
// all accounts. Dual-entry journals preserve this by construction, so a
// violation indicates snapshot corruption or a bug in batch application.
func (v *Validator) ValidateZeroSum() error {
	totals := v.tracker.ComputeGlobalBalance()
	for assetID, total := range totals {
		if total != 0 {
			return fmt.Errorf("ledger not zero-sum for asset %d: total=%d", assetID, total)
		}
	}
	return nil
}

// ValidateVault verifies the pool vault never went overdrawn.
func (v *Validator) ValidateVault(assetID AssetID) error {
	return v.tracker.ValidateVaultNonNegative(assetID)
}

// ValidateStakeMatchesLots cross-checks one stake account against the lot
// queue that backs it. The two are updated by the same batches so any
// divergence is a wiring bug.
func (v *Validator) ValidateStakeMatchesLots(key AccountKey, lotTotal int64) error {
	stake := v.tracker.GetBalance(key)
	if stake != lotTotal {
		return fmt.Errorf("stake account %s diverged from lots: account=%d lots=%d",
			key.AccountPath(), stake, lotTotal)
	}
	return nil
}

// ValidateAll runs the full post-batch check set for one asset.
func (v *Validator) ValidateAll(assetID AssetID) error {
	if err := v.ValidateZeroSum(); err != nil {
		return err
	}
	if err := v.ValidateVault(assetID); err != nil {
		return err
	}
	return nil
}
