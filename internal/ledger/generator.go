package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"TranchePool/internal/math"
)

// JournalGenerator builds balanced journal batches for pool money movements.
// Every batch it emits keeps the global ledger zero-sum.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// SetSequence resets the sequence counter after a snapshot restore.
func (g *JournalGenerator) SetSequence(seq int64) {
	g.sequence = seq
}

func (g *JournalGenerator) newBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  g.sequence,
		Timestamp: timestamp,
	}
}

func (g *JournalGenerator) entry(b *Batch, debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType, timestamp int64) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      g.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     timestamp,
	})
}

// DepositBatch records a gross deposit split into net stake and fees.
//
// Cash legs move the net into the vault and the fee cuts to treasury and
// referral, all funded by the external deposits account. A parallel stake
// leg credits the user's tranche principal against the system obligation
// account so principal and cash are tracked independently.
func (g *JournalGenerator) DepositBatch(
	eventRef string,
	userID uuid.UUID,
	tranche AccountSubType,
	assetID AssetID,
	gross int64,
	fees math.FeeBreakdown,
	timestamp int64,
) (*Batch, error) {
	if tranche != SubTypeSeniorStake && tranche != SubTypeJuniorStake {
		return nil, fmt.Errorf("invalid tranche sub-type: %s", tranche)
	}
	if gross <= 0 {
		return nil, fmt.Errorf("deposit gross must be positive, got %d", gross)
	}
	if fees.Net+fees.ProtocolFee+fees.ReferralFee != gross {
		return nil, fmt.Errorf("fee breakdown does not sum to gross: net=%d protocol=%d referral=%d gross=%d",
			fees.Net, fees.ProtocolFee, fees.ReferralFee, gross)
	}

	batch := g.newBatch(eventRef, timestamp)
	deposits := NewExternalAccountKey(SubTypeExternalDeposits, assetID)
	vault := NewSystemAccountKey(SubTypeSystemVault, assetID)

	g.entry(batch, vault, deposits, assetID, fees.Net, JournalTypeDeposit, timestamp)
	g.entry(batch,
		NewUserAccountKey(userID, tranche, assetID),
		NewSystemAccountKey(SubTypeSystemStakeObligations, assetID),
		assetID, fees.Net, JournalTypeStakeCredit, timestamp)

	if fees.ProtocolFee > 0 {
		g.entry(batch,
			NewExternalAccountKey(SubTypeExternalTreasury, assetID),
			deposits, assetID, fees.ProtocolFee, JournalTypeProtocolFee, timestamp)
	}
	if fees.ReferralFee > 0 {
		g.entry(batch,
			NewExternalAccountKey(SubTypeExternalReferral, assetID),
			deposits, assetID, fees.ReferralFee, JournalTypeReferralFee, timestamp)
	}

	return batch, nil
}

// WithdrawalBatch moves principal out of the vault and reverses the user's
// stake credit for the same amount.
func (g *JournalGenerator) WithdrawalBatch(
	eventRef string,
	userID uuid.UUID,
	tranche AccountSubType,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if tranche != SubTypeSeniorStake && tranche != SubTypeJuniorStake {
		return nil, fmt.Errorf("invalid tranche sub-type: %s", tranche)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}

	batch := g.newBatch(eventRef, timestamp)

	g.entry(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewSystemAccountKey(SubTypeSystemVault, assetID),
		assetID, amount, JournalTypeWithdrawal, timestamp)
	g.entry(batch,
		NewSystemAccountKey(SubTypeSystemStakeObligations, assetID),
		NewUserAccountKey(userID, tranche, assetID),
		assetID, amount, JournalTypeStakeDebit, timestamp)

	return batch, nil
}

// PayoutBatch pays a claim out of the vault. Stake principal is untouched,
// claims erode pool cash rather than individual positions.
func (g *JournalGenerator) PayoutBatch(
	eventRef string,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("payout amount must be positive, got %d", amount)
	}

	batch := g.newBatch(eventRef, timestamp)
	g.entry(batch,
		NewExternalAccountKey(SubTypeExternalClaims, assetID),
		NewSystemAccountKey(SubTypeSystemVault, assetID),
		assetID, amount, JournalTypeClaimPayout, timestamp)

	return batch, nil
}

// DustSweepBatch moves non-principal residue from the vault to treasury
// when an epoch closes.
func (g *JournalGenerator) DustSweepBatch(
	eventRef string,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("dust sweep amount must be positive, got %d", amount)
	}

	batch := g.newBatch(eventRef, timestamp)
	g.entry(batch,
		NewExternalAccountKey(SubTypeExternalTreasury, assetID),
		NewSystemAccountKey(SubTypeSystemVault, assetID),
		assetID, amount, JournalTypeDustSweep, timestamp)

	return batch, nil
}

// EmptyBatch produces a journal-free batch for state-only operations that
// still need an envelope in the event log.
func (g *JournalGenerator) EmptyBatch(eventRef string, timestamp int64) *Batch {
	b := g.newBatch(eventRef, timestamp)
	b.Journals = []Journal{}
	return b
}
