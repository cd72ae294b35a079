package query

import "github.com/google/uuid"

// PoolStatsResponse is the pool-level aggregate view.
type PoolStatsResponse struct {
	TotalDeposited     int64  `json:"total_deposited"`
	PoolBalance        int64  `json:"pool_balance"`
	Policy             string `json:"policy"`
	EpochCap           int64  `json:"epoch_cap"`
	CarryoverShortfall int64  `json:"carryover_shortfall"`
	Paused             bool   `json:"paused"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// UserPositionResponse is a user's tranche principal view.
type UserPositionResponse struct {
	UserID          uuid.UUID `json:"user_id"`
	SeniorDeposited int64     `json:"senior_deposited"`
	JuniorDeposited int64     `json:"junior_deposited"`
	SeniorMatured   int64     `json:"senior_matured"`
	JuniorMatured   int64     `json:"junior_matured"`
	TotalDeposited  int64     `json:"total_deposited"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// EpochStatsResponse is one epoch's lifecycle and payout view.
type EpochStatsResponse struct {
	EpochID               string `json:"epoch_id"`
	StartTS               int64  `json:"start_ts"`
	EndTS                 int64  `json:"end_ts"`
	Triggered             bool   `json:"triggered"`
	Closed                bool   `json:"closed"`
	SeverityBps           int64  `json:"severity_bps"`
	SnapshotPoolBalance   int64  `json:"snapshot_pool_balance"`
	SnapshotWeightedTotal int64  `json:"snapshot_weighted_total"`
	TotalPaidOut          int64  `json:"total_paid_out"`
	Shortfall             int64  `json:"shortfall"`
	AsOfSequence          int64  `json:"as_of_sequence"`
}

// ClaimResponse is one settled claim.
type ClaimResponse struct {
	EpochID   string    `json:"epoch_id"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Sequence  int64     `json:"sequence"`
	ClaimedAt int64     `json:"claimed_at"`
}

// DepositQuote previews the fee split for a prospective deposit.
type DepositQuote struct {
	GrossAmount  int64 `json:"gross_amount"`
	ProtocolFee  int64 `json:"protocol_fee"`
	ReferralFee  int64 `json:"referral_fee"`
	NetAmount    int64 `json:"net_amount"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// WithdrawQuote previews how much of a withdrawal the matured lots cover.
// Matured totals are as of the last processed event, not the current clock.
type WithdrawQuote struct {
	UserID          uuid.UUID `json:"user_id"`
	Tranche         string    `json:"tranche"`
	RequestedAmount int64     `json:"requested_amount"`
	MaturedTotal    int64     `json:"matured_total"`
	Withdrawable    bool      `json:"withdrawable"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// PayoutQuote previews a user's entitlement against a triggered epoch.
type PayoutQuote struct {
	UserID        uuid.UUID `json:"user_id"`
	EpochID       string    `json:"epoch_id"`
	WeightedStake int64     `json:"weighted_stake"`
	Entitlement   int64     `json:"entitlement"`
	AlreadyPaid   bool      `json:"already_paid"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
