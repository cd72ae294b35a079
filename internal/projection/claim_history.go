package projection

import (
	"github.com/google/uuid"
)

// ClaimHistoryEntry represents one settled claim payout.
type ClaimHistoryEntry struct {
	UserID      uuid.UUID
	EpochID     string
	SeverityBps int64
	Amount      int64
	JournalID   string
	Timestamp   int64
}

// ClaimHistoryProjection maintains queryable claim history in memory.
type ClaimHistoryProjection struct {
	entries []ClaimHistoryEntry
}

func NewClaimHistoryProjection() *ClaimHistoryProjection {
	return &ClaimHistoryProjection{
		entries: make([]ClaimHistoryEntry, 0),
	}
}

// AddEntry records a claim payout.
func (p *ClaimHistoryProjection) AddEntry(entry ClaimHistoryEntry) {
	p.entries = append(p.entries, entry)
}

// QueryByUser returns claim history for a user, newest first.
func (p *ClaimHistoryProjection) QueryByUser(userID uuid.UUID, limit int) []ClaimHistoryEntry {
	result := make([]ClaimHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].UserID == userID {
			result = append(result, p.entries[i])
		}
	}

	return result
}

// QueryByEpoch returns all claims settled against an epoch.
func (p *ClaimHistoryProjection) QueryByEpoch(epochID string) []ClaimHistoryEntry {
	result := make([]ClaimHistoryEntry, 0)

	for _, e := range p.entries {
		if e.EpochID == epochID {
			result = append(result, e)
		}
	}

	return result
}
