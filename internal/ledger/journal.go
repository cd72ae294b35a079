package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeProtocolFee
	JournalTypeReferralFee
	JournalTypeStakeCredit
	JournalTypeStakeDebit
	JournalTypeWithdrawal
	JournalTypeClaimPayout
	JournalTypeDustSweep
	JournalTypeAdjustment
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries produced by one operation
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch seconds)
}

// Batch represents the set of journal entries produced by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so
// Σ debits == Σ credits per entry. Multi-leg operations (deposit with fees)
// use multiple entries under one batch_id, each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeProtocolFee:
		return "protocol_fee"
	case JournalTypeReferralFee:
		return "referral_fee"
	case JournalTypeStakeCredit:
		return "stake_credit"
	case JournalTypeStakeDebit:
		return "stake_debit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeClaimPayout:
		return "claim_payout"
	case JournalTypeDustSweep:
		return "dust_sweep"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}
